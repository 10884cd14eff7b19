package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/monsoonfire/studio-os/internal/canon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_os_connector_calls_total",
		Help: "Connector calls by connector, operation kind and result code",
	}, []string{"connector", "op", "code"})

	callLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studio_os_connector_call_seconds",
		Help:    "Connector call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"connector", "op"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "studio_os_connector_breaker_state",
		Help: "Breaker state per connector (0 closed, 1 open, 2 half-open)",
	}, []string{"connector"})
)

// TransportConfig configures a TransportConnector.
type TransportConfig struct {
	Descriptor  Descriptor
	Transport   Transport
	Timeout     time.Duration // per call; DefaultTimeout when zero
	Breaker     BreakerConfig
	HealthPath  string // default "/health"
	StatusPath  string // default "/status"
	ExecutePath string // default "/execute"
	Now         func() time.Time
	Logger      *zap.Logger
}

// TransportConnector is a Connector that sends every call through an
// injected Transport, gated by its own Breaker.
type TransportConnector struct {
	desc        Descriptor
	transport   Transport
	timeout     time.Duration
	breaker     *Breaker
	healthPath  string
	statusPath  string
	executePath string
	now         func() time.Time
	logger      *zap.Logger
}

// NewTransportConnector creates a connector with a closed breaker.
func NewTransportConnector(cfg TransportConfig) *TransportConnector {
	c := &TransportConnector{
		desc:        cfg.Descriptor,
		transport:   cfg.Transport,
		timeout:     cfg.Timeout,
		breaker:     NewBreaker(cfg.Breaker),
		healthPath:  cfg.HealthPath,
		statusPath:  cfg.StatusPath,
		executePath: cfg.ExecutePath,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.healthPath == "" {
		c.healthPath = "/health"
	}
	if c.statusPath == "" {
		c.statusPath = "/status"
	}
	if c.executePath == "" {
		c.executePath = "/execute"
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	breakerState.WithLabelValues(c.desc.ID).Set(float64(BreakerClosed))
	return c
}

func (c *TransportConnector) Descriptor() Descriptor { return c.desc }

// Breaker exposes the connector's breaker for stats.
func (c *TransportConnector) Breaker() *Breaker { return c.breaker }

// Health probes the external system. An open breaker yields a degraded
// result without any I/O.
func (c *TransportConnector) Health(ctx context.Context) HealthResult {
	input := map[string]any{"connectorId": c.desc.ID, "version": c.desc.Version}
	res := HealthResult{ConnectorID: c.desc.ID, InputHash: canon.MustHash(input)}

	if !c.breaker.CanAttempt(c.now()) {
		c.observeBreaker()
		res.Availability = AvailabilityDegraded
		res.Code = CodeUnavailable
		res.Error = ErrCircuitOpen.Error()
		callsTotal.WithLabelValues(c.desc.ID, "health", string(CodeUnavailable)).Inc()
		return res
	}

	resp, err := c.call(ctx, "health", c.healthPath, input)
	res.LatencyMs = resp.LatencyMs
	if err != nil {
		res.Availability = AvailabilityDown
		res.Code = ClassifyError(err)
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Availability = AvailabilityHealthy
	res.OutputHash = resp.OutputHash
	return res
}

// ReadStatus performs a read against the external system.
func (c *TransportConnector) ReadStatus(ctx context.Context, input map[string]any) (Response, error) {
	if err := c.gate("read_status"); err != nil {
		return Response{}, err
	}
	return c.call(ctx, "read_status", c.statusPath, input)
}

// Execute performs req. Write intents on a read-only connector fail with
// CodeReadOnlyViolation and never reach the transport or the breaker.
func (c *TransportConnector) Execute(ctx context.Context, req Request) (Response, error) {
	if req.Intent != IntentRead && req.Intent != IntentWrite {
		return Response{}, &Error{Code: CodeBadResponse, ConnectorID: c.desc.ID, Op: "execute", Err: fmt.Errorf("unknown intent %q", req.Intent)}
	}
	if c.desc.ReadOnly && req.Intent == IntentWrite {
		callsTotal.WithLabelValues(c.desc.ID, "execute", string(CodeReadOnlyViolation)).Inc()
		return Response{}, &Error{
			Code:        CodeReadOnlyViolation,
			ConnectorID: c.desc.ID,
			Op:          "execute",
			Err:         fmt.Errorf("write intent %q refused by read-only connector", req.Operation),
		}
	}
	if err := c.gate("execute"); err != nil {
		return Response{}, err
	}
	input := map[string]any{
		"intent":         string(req.Intent),
		"operation":      req.Operation,
		"payload":        req.Payload,
		"idempotencyKey": req.IdempotencyKey,
	}
	return c.call(ctx, "execute", c.executePath, input)
}

func (c *TransportConnector) gate(op string) error {
	if c.breaker.CanAttempt(c.now()) {
		return nil
	}
	c.observeBreaker()
	callsTotal.WithLabelValues(c.desc.ID, op, string(CodeUnavailable)).Inc()
	return &Error{Code: CodeUnavailable, ConnectorID: c.desc.ID, Op: op, Err: ErrCircuitOpen}
}

func (c *TransportConnector) call(ctx context.Context, op, path string, input map[string]any) (Response, error) {
	inHash, err := canon.Hash(input)
	if err != nil {
		c.breaker.releaseProbe()
		return Response{ConnectorID: c.desc.ID}, &Error{Code: CodeUnknown, ConnectorID: c.desc.ID, Op: op, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	payload, err := c.transport(ctx, path, input, c.timeout)
	elapsed := time.Since(start)
	callLatency.WithLabelValues(c.desc.ID, op).Observe(elapsed.Seconds())

	resp := Response{ConnectorID: c.desc.ID, LatencyMs: elapsed.Milliseconds()}
	if err != nil {
		// The parent context's deadline can fire before the transport notices.
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		code := ClassifyError(err)
		c.breaker.RecordFailure(c.now())
		c.observeBreaker()
		callsTotal.WithLabelValues(c.desc.ID, op, string(code)).Inc()
		c.logger.Warn("connector call failed",
			zap.String("connector", c.desc.ID),
			zap.String("op", op),
			zap.String("code", string(code)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return resp, &Error{Code: code, ConnectorID: c.desc.ID, Op: op, Err: err}
	}

	c.breaker.RecordSuccess(c.now())
	c.observeBreaker()
	callsTotal.WithLabelValues(c.desc.ID, op, "OK").Inc()

	resp.Payload = payload
	resp.InputHash = inHash
	outHash, herr := canon.Hash(payload)
	if herr != nil {
		return resp, &Error{Code: CodeBadResponse, ConnectorID: c.desc.ID, Op: op, Err: herr}
	}
	resp.OutputHash = outHash
	return resp, nil
}

func (c *TransportConnector) observeBreaker() {
	breakerState.WithLabelValues(c.desc.ID).Set(float64(c.breaker.State()))
}
