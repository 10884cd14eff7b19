// Package connector provides typed read/execute adapters to external systems
// with health checks, circuit breaking and a stable error taxonomy.
package connector

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single connector call when the caller sets none.
const DefaultTimeout = 10 * time.Second

// Descriptor identifies a connector. It carries no runtime state.
type Descriptor struct {
	ID       string `json:"id"`
	Target   string `json:"target"` // "local" or "cloud"
	Version  string `json:"version"`
	ReadOnly bool   `json:"readOnly"`
}

// Intent declares whether a request may mutate the external system.
type Intent string

const (
	IntentRead  Intent = "read"
	IntentWrite Intent = "write"
)

// Request is an operation sent through Connector.Execute.
type Request struct {
	Intent         Intent         `json:"intent"`
	Operation      string         `json:"operation"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// Response is the outcome of a successful ReadStatus or Execute call.
type Response struct {
	ConnectorID string         `json:"connectorId"`
	Payload     map[string]any `json:"payload"`
	InputHash   string         `json:"inputHash"`
	OutputHash  string         `json:"outputHash"`
	LatencyMs   int64          `json:"latencyMs"`
}

// Availability values reported by HealthResult.
const (
	AvailabilityHealthy  = "healthy"
	AvailabilityDegraded = "degraded"
	AvailabilityDown     = "down"
)

// HealthResult is the outcome of one health probe.
type HealthResult struct {
	ConnectorID  string `json:"connectorId"`
	OK           bool   `json:"ok"`
	Availability string `json:"availability"`
	LatencyMs    int64  `json:"latencyMs"`
	InputHash    string `json:"inputHash,omitempty"`
	OutputHash   string `json:"outputHash,omitempty"`
	Code         Code   `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Connector is implemented by every external adapter.
type Connector interface {
	Descriptor() Descriptor
	// Health never returns an error; failures are reported in the result.
	Health(ctx context.Context) HealthResult
	ReadStatus(ctx context.Context, input map[string]any) (Response, error)
	// Execute must reject IntentWrite on read-only connectors with
	// CodeReadOnlyViolation before doing any I/O.
	Execute(ctx context.Context, req Request) (Response, error)
}

// Transport moves one call to the external system and returns its decoded
// payload. Concrete transports are HTTP and gRPC.
type Transport func(ctx context.Context, path string, input map[string]any, timeout time.Duration) (map[string]any, error)
