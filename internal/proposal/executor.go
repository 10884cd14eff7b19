package proposal

import (
	"context"
	"fmt"

	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/events"
)

// Effect is what an Executor did.
type Effect struct {
	ConnectorID string
	Target      events.Target
	Output      map[string]any
}

// Executor performs the side effect of an approved proposal.
type Executor interface {
	Execute(ctx context.Context, p Proposal, def capability.Definition, key string, payload map[string]any) (Effect, error)
	Rollback(ctx context.Context, p Proposal, def capability.Definition, key, reason string) (Effect, error)
}

// ConnectorLookup resolves connectors by id.
type ConnectorLookup interface {
	Get(id string) (connector.Connector, bool)
}

// ConnectorExecutor executes capabilities through their connector.
// Capabilities without a connector are recorded in the ledger only.
type ConnectorExecutor struct {
	connectors ConnectorLookup
}

func NewConnectorExecutor(connectors ConnectorLookup) *ConnectorExecutor {
	return &ConnectorExecutor{connectors: connectors}
}

func (e *ConnectorExecutor) Execute(ctx context.Context, p Proposal, def capability.Definition, key string, payload map[string]any) (Effect, error) {
	return e.run(ctx, def, connector.Request{
		Intent:         intentFor(def),
		Operation:      def.OperationName(),
		Payload:        payload,
		IdempotencyKey: key,
	}, p.ID)
}

func (e *ConnectorExecutor) Rollback(ctx context.Context, p Proposal, def capability.Definition, key, reason string) (Effect, error) {
	return e.run(ctx, def, connector.Request{
		Intent:    intentFor(def),
		Operation: def.RollbackOperationName(),
		Payload: map[string]any{
			"proposalId":      p.ID,
			"executedPayload": p.ExecutedPayload,
			"executionKey":    p.IdempotencyKey,
			"reason":          reason,
		},
		IdempotencyKey: key,
	}, p.ID)
}

func (e *ConnectorExecutor) run(ctx context.Context, def capability.Definition, req connector.Request, proposalID string) (Effect, error) {
	if def.Connector == "" {
		return Effect{
			Target: events.TargetLocal,
			Output: map[string]any{"recorded": true, "operation": req.Operation, "proposalId": proposalID},
		}, nil
	}
	conn, ok := e.connectors.Get(def.Connector)
	if !ok {
		return Effect{}, fmt.Errorf("connector %s not registered", def.Connector)
	}
	resp, err := conn.Execute(ctx, req)
	if err != nil {
		return Effect{ConnectorID: def.Connector}, err
	}
	target := events.TargetLocal
	if conn.Descriptor().Target == string(events.TargetCloud) {
		target = events.TargetCloud
	}
	out := resp.Payload
	if out == nil {
		out = map[string]any{}
	}
	return Effect{ConnectorID: resp.ConnectorID, Target: target, Output: out}, nil
}

func intentFor(def capability.Definition) connector.Intent {
	if def.ReadOnly {
		return connector.IntentRead
	}
	return connector.IntentWrite
}
