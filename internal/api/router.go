// Package api serves the staff console's HTTP API.
package api

import (
	"context"
	"net/http"

	"github.com/monsoonfire/studio-os/internal/auth"
	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/chread"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/monsoonfire/studio-os/internal/proposal"
	"github.com/monsoonfire/studio-os/internal/scheduler"
	"github.com/monsoonfire/studio-os/internal/state"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventLog is the read side of the audit ledger.
type EventLog interface {
	ListRecent(ctx context.Context, n int) ([]events.Record, error)
	Verify(ctx context.Context) (int, error)
}

// Analytics is the ClickHouse read side; chread.Reader implements it.
type Analytics interface {
	ListEvents(ctx context.Context, params chread.ListEventsParams) ([]chread.EventRow, int, error)
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Proposals    *proposal.Service
	Events       EventLog
	Snapshots    state.SnapshotStore
	Connectors   *connector.Registry
	Capabilities *capability.Registry
	Pass         scheduler.Runner
	Reader       Analytics // nil if ClickHouse unavailable
	Auth         auth.Authenticator
	Logger       *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	a := deps.authMiddleware

	// Proposal lifecycle
	mux.HandleFunc("POST /v1/proposals", a(deps.handlePropose))
	mux.HandleFunc("GET /v1/proposals", a(deps.handleListProposals))
	mux.HandleFunc("GET /v1/proposals/{id}", a(deps.handleGetProposal))
	mux.HandleFunc("POST /v1/proposals/{id}/approve", a(deps.handleApprove))
	mux.HandleFunc("POST /v1/proposals/{id}/reject", a(deps.handleReject))
	mux.HandleFunc("POST /v1/proposals/{id}/execute", a(deps.handleExecute))
	mux.HandleFunc("POST /v1/proposals/{id}/rollback", a(deps.handleRollback))

	// Kill switch
	mux.HandleFunc("GET /v1/kill-switch", a(deps.handleGetKillSwitch))
	mux.HandleFunc("POST /v1/kill-switch", a(deps.handleEngageKillSwitch))
	mux.HandleFunc("DELETE /v1/kill-switch", a(deps.handleReleaseKillSwitch))

	// Audit ledger
	mux.HandleFunc("GET /v1/events", a(deps.handleListEvents))
	mux.HandleFunc("GET /v1/events/verify", a(deps.handleVerifyEvents))

	// Derived state
	mux.HandleFunc("GET /v1/state/latest", a(deps.handleLatestSnapshot))
	mux.HandleFunc("GET /v1/state/diff", a(deps.handleLatestDiff))
	mux.HandleFunc("POST /v1/passes", a(deps.handleRunPass))

	// Connectors & capabilities
	mux.HandleFunc("GET /v1/connectors", a(deps.handleListConnectors))
	mux.HandleFunc("GET /v1/connectors/health", a(deps.handleConnectorHealth))
	mux.HandleFunc("GET /v1/capabilities", a(deps.handleListCapabilities))
	mux.HandleFunc("GET /v1/capabilities/lint", a(deps.handleLintReport))

	// Analytics (ClickHouse)
	mux.HandleFunc("GET /v1/analytics", a(deps.handleGetAnalytics))
	mux.HandleFunc("GET /v1/analytics/events", a(deps.handleAnalyticsEvents))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
