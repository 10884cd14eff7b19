package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Registry holds the connectors known to this process.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{connectors: make(map[string]Connector), logger: logger}
}

// Register adds c. Ids must be unique.
func (r *Registry) Register(c Connector) error {
	id := c.Descriptor().ID
	if id == "" {
		return fmt.Errorf("Register: connector id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connectors[id]; ok {
		return fmt.Errorf("Register: duplicate connector %q", id)
	}
	r.connectors[id] = c
	return nil
}

// Get returns the connector with the given id.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// Descriptors lists registered connectors ordered by id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthAll probes every connector concurrently. A connector that panics is
// reported as down; it never aborts the sweep. Results are ordered by id.
func (r *Registry) HealthAll(ctx context.Context) []HealthResult {
	r.mu.RLock()
	list := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		list = append(list, c)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Descriptor().ID < list[j].Descriptor().ID })

	results := make([]HealthResult, len(list))
	var g errgroup.Group
	for i, c := range list {
		g.Go(func() error {
			results[i] = r.probe(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Registry) probe(ctx context.Context, c Connector) (res HealthResult) {
	id := c.Descriptor().ID
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("connector health check panicked",
				zap.String("connector", id),
				zap.Any("panic", p),
			)
			res = HealthResult{
				ConnectorID:  id,
				Availability: AvailabilityDown,
				Code:         CodeUnknown,
				Error:        fmt.Sprintf("panic: %v", p),
			}
		}
	}()

	res = c.Health(ctx)
	if res.OK {
		r.logger.Info("connector healthy",
			zap.String("connector", id),
			zap.Int64("latency_ms", res.LatencyMs),
		)
	} else {
		r.logger.Warn("connector unhealthy",
			zap.String("connector", id),
			zap.String("availability", res.Availability),
			zap.String("code", string(res.Code)),
			zap.String("error", res.Error),
		)
	}
	return res
}
