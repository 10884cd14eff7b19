package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/monsoonfire/studio-os/internal/auth"
	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/chread"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/monsoonfire/studio-os/internal/proposal"
	"github.com/monsoonfire/studio-os/internal/scheduler"
	"github.com/monsoonfire/studio-os/internal/state"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

// --- Stubs ---

type stubAuth struct {
	tokens map[string]string // token -> staff uid
	err    error
}

func (a *stubAuth) Authenticate(_ context.Context, token string) (*auth.Principal, error) {
	if a.err != nil {
		return nil, a.err
	}
	uid, ok := a.tokens[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Principal{StaffUID: uid, TokenID: "tok-" + uid}, nil
}

type stubPass struct {
	res *scheduler.Result
	err error
}

func (p *stubPass) Run(context.Context) (*scheduler.Result, error) { return p.res, p.err }

type stubAnalytics struct {
	params chread.ListEventsParams
}

func (s *stubAnalytics) ListEvents(_ context.Context, p chread.ListEventsParams) ([]chread.EventRow, int, error) {
	s.params = p
	return []chread.EventRow{{ID: "e1", Action: "studio_proposal.created"}}, 1, nil
}

func (s *stubAnalytics) GetAnalytics(_ context.Context, days int) (*chread.AnalyticsResult, error) {
	return &chread.AnalyticsResult{Summary: chread.SummaryStats{Total: days}}, nil
}

type fixture struct {
	handler   http.Handler
	ledger    *events.Ledger
	snapshots *state.MemoryStore
	posts     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{snapshots: state.NewMemoryStore()}
	logger := zap.NewNop()

	b := capability.NewBuilder(nil, logger)
	if err := b.AddCatalog(capability.DefaultCatalog); err != nil {
		t.Fatal(err)
	}
	caps, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	conns := connector.NewRegistry(logger)
	err = conns.Register(connector.NewTransportConnector(connector.TransportConfig{
		Descriptor: connector.Descriptor{ID: "marketing", Target: "cloud", Version: "v1"},
		Transport: func(_ context.Context, path string, in map[string]any, _ time.Duration) (map[string]any, error) {
			if strings.Contains(path, "health") {
				return map[string]any{"ok": true}, nil
			}
			f.posts++
			return map[string]any{"postId": "post-42"}, nil
		},
		Now:    func() time.Time { return testNow },
		Logger: logger,
	}))
	if err != nil {
		t.Fatal(err)
	}

	f.ledger = events.NewLedger(events.LedgerConfig{
		Backend: events.NewMemoryBackend(),
		Logger:  logger,
		Now:     func() time.Time { return testNow },
	})
	svc := proposal.NewService(proposal.Config{
		Store:    proposal.NewMemoryStore(),
		Ledger:   f.ledger,
		Policy:   caps,
		Executor: proposal.NewConnectorExecutor(conns),
		Now:      func() time.Time { return testNow },
		Logger:   logger,
	})

	f.handler = NewRouter(&Dependencies{
		Proposals:    svc,
		Events:       f.ledger,
		Snapshots:    f.snapshots,
		Connectors:   conns,
		Capabilities: caps,
		Pass: &stubPass{res: &scheduler.Result{
			Snapshot:  state.Snapshot{SnapshotDate: "2026-10-16", Metrics: map[string]float64{"reservationsOpen": 12}},
			Persisted: true,
			Duration:  40 * time.Millisecond,
		}},
		Auth:   &stubAuth{tokens: map[string]string{"tok-maya": "uid-maya", "tok-lead": "uid-lead"}},
		Logger: logger,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (f *fixture) propose(t *testing.T) proposal.Proposal {
	t.Helper()
	rec := f.do(t, "POST", "/v1/proposals", "tok-maya", ProposeReq{
		CapabilityID: "marketing.publish_draft",
		TenantID:     "studio-main",
		Input:        map[string]any{"channel": "newsletter", "body": "Glaze night this Friday."},
		Rationale:    "kiln capacity is open this week",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("propose: %d %s", rec.Code, rec.Body.String())
	}
	return decode[proposal.Proposal](t, rec)
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	recs, err := f.ledger.ListRecent(context.Background(), 100)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(recs))
	for i := range recs {
		out[len(recs)-1-i] = recs[i].Action
	}
	return out
}

// --- Tests ---

func TestHealthz_NoAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuth_MissingAndInvalidToken(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "GET", "/v1/proposals", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/v1/proposals", "tok-nobody", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown token: expected 401, got %d", rec.Code)
	}
}

func TestAuth_StoreUnavailable(t *testing.T) {
	h := NewRouter(&Dependencies{
		Auth:   &stubAuth{err: auth.ErrAuthUnavailable},
		Logger: zap.NewNop(),
	})
	req := httptest.NewRequest("GET", "/v1/proposals", nil)
	req.Header.Set("Authorization", "Bearer sos_anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "OPTIONS", "/v1/proposals", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestProposal_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	if p.Status != proposal.StatusDraft || p.OwnerUID != "uid-maya" {
		t.Fatalf("unexpected draft %+v", p)
	}

	rec := f.do(t, "POST", "/v1/proposals/"+p.ID+"/approve", "tok-lead", RationaleReq{Rationale: "copy reviewed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[proposal.Proposal](t, rec); got.ApprovedBy != "uid-lead" {
		t.Errorf("expected approver uid-lead, got %q", got.ApprovedBy)
	}

	rec = f.do(t, "POST", "/v1/proposals/"+p.ID+"/execute", "tok-lead", ExecuteReq{IdempotencyKey: "exec-key-0001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[proposal.Result](t, rec)
	if res.Status != proposal.StatusExecuted || res.Output["postId"] != "post-42" {
		t.Errorf("unexpected result %+v", res)
	}

	// replay returns the stored result without a second post
	rec = f.do(t, "POST", "/v1/proposals/"+p.ID+"/execute", "tok-lead", ExecuteReq{IdempotencyKey: "exec-key-0001"})
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: %d %s", rec.Code, rec.Body.String())
	}
	if replay := decode[proposal.Result](t, rec); replay.EventID != res.EventID {
		t.Errorf("replay returned a new event %s, want %s", replay.EventID, res.EventID)
	}
	if f.posts != 1 {
		t.Errorf("expected one connector post, got %d", f.posts)
	}

	rec = f.do(t, "POST", "/v1/proposals/"+p.ID+"/rollback", "tok-lead", RollbackReq{
		IdempotencyKey: "rollback-0001",
		Reason:         "posted to the wrong channel",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, "GET", "/v1/proposals/"+p.ID, "tok-maya", nil)
	if got := decode[proposal.Proposal](t, rec); got.Status != proposal.StatusRolledBack {
		t.Errorf("expected rolled_back, got %s", got.Status)
	}

	want := []string{
		proposal.ActionCreated,
		proposal.ActionApproved,
		proposal.ActionExecuted,
		proposal.ActionRolledBack,
	}
	got := f.actions(t)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ledger actions = %v, want %v", got, want)
	}
}

func TestProposal_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown proposal", "GET", "/v1/proposals/nope", nil, http.StatusNotFound},
		{"approve without rationale", "POST", "/v1/proposals/" + p.ID + "/approve", RationaleReq{}, http.StatusBadRequest},
		{"execute a draft", "POST", "/v1/proposals/" + p.ID + "/execute", ExecuteReq{IdempotencyKey: "exec-key-0001"}, http.StatusConflict},
		{"short rollback key", "POST", "/v1/proposals/" + p.ID + "/rollback", RollbackReq{IdempotencyKey: "abc", Reason: "posted to the wrong channel"}, http.StatusBadRequest},
		{"short rollback reason", "POST", "/v1/proposals/" + p.ID + "/rollback", RollbackReq{IdempotencyKey: "rollback-0001", Reason: "oops"}, http.StatusBadRequest},
		{"unknown capability", "POST", "/v1/proposals", ProposeReq{CapabilityID: "kiln.melt", TenantID: "studio-main"}, http.StatusBadRequest},
		{"input fails schema", "POST", "/v1/proposals", ProposeReq{
			CapabilityID: "marketing.publish_draft",
			TenantID:     "studio-main",
			Input:        map[string]any{"channel": "fax", "body": "x"},
		}, http.StatusUnprocessableEntity},
		{"missing tenant", "POST", "/v1/proposals", ProposeReq{CapabilityID: "marketing.publish_draft"}, http.StatusBadRequest},
		{"unknown field", "POST", "/v1/proposals/" + p.ID + "/approve", map[string]any{"rationale": "ok", "force": true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, "tok-lead", tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestProposal_RefusalIsAudited(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)
	f.do(t, "POST", "/v1/proposals/"+p.ID+"/approve", "tok-lead", RationaleReq{Rationale: "  "})

	got := f.actions(t)
	if got[len(got)-1] != proposal.ActionTransitionRejected {
		t.Errorf("expected trailing transition_rejected, got %v", got)
	}
}

func TestProposal_ListFilters(t *testing.T) {
	f := newFixture(t)
	a := f.propose(t)
	f.propose(t)
	f.do(t, "POST", "/v1/proposals/"+a.ID+"/approve", "tok-lead", RationaleReq{Rationale: "copy reviewed"})

	rec := f.do(t, "GET", "/v1/proposals?status=approved", "tok-lead", nil)
	list := decode[ProposalListResp](t, rec)
	if len(list.Proposals) != 1 || list.Proposals[0].ID != a.ID {
		t.Errorf("expected only the approved proposal, got %+v", list.Proposals)
	}

	rec = f.do(t, "GET", "/v1/proposals?tenant_id=other", "tok-lead", nil)
	if list := decode[ProposalListResp](t, rec); len(list.Proposals) != 0 {
		t.Errorf("expected no proposals for other tenant, got %d", len(list.Proposals))
	}

	if rec := f.do(t, "GET", "/v1/proposals?status=bogus", "tok-lead", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestKillSwitch_BlocksApproveAndExecute(t *testing.T) {
	f := newFixture(t)
	p := f.propose(t)

	if rec := f.do(t, "POST", "/v1/kill-switch", "tok-lead", KillSwitchReq{}); rec.Code != http.StatusBadRequest {
		t.Errorf("engage without reason: expected 400, got %d", rec.Code)
	}
	rec := f.do(t, "POST", "/v1/kill-switch", "tok-lead", KillSwitchReq{Reason: "connector misbehaving"})
	if rec.Code != http.StatusOK {
		t.Fatalf("engage: %d %s", rec.Code, rec.Body.String())
	}
	if st := decode[proposal.KillSwitchState](t, rec); !st.Engaged || st.By != "uid-lead" {
		t.Errorf("unexpected state %+v", st)
	}

	rec = f.do(t, "POST", "/v1/proposals/"+p.ID+"/approve", "tok-lead", RationaleReq{Rationale: "copy reviewed"})
	if rec.Code != http.StatusLocked {
		t.Errorf("approve while engaged: expected 423, got %d", rec.Code)
	}

	rec = f.do(t, "DELETE", "/v1/kill-switch", "tok-lead", nil)
	if st := decode[proposal.KillSwitchState](t, rec); st.Engaged {
		t.Error("expected released kill switch")
	}
	rec = f.do(t, "POST", "/v1/proposals/"+p.ID+"/approve", "tok-lead", RationaleReq{Rationale: "copy reviewed"})
	if rec.Code != http.StatusOK {
		t.Errorf("approve after release: expected 200, got %d", rec.Code)
	}
}

func TestEvents_ListAndVerify(t *testing.T) {
	f := newFixture(t)
	f.propose(t)
	f.propose(t)

	rec := f.do(t, "GET", "/v1/events?limit=10&action="+proposal.ActionCreated, "tok-lead", nil)
	list := decode[EventListResp](t, rec)
	if len(list.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list.Events))
	}
	if list.Events[0].Seq <= list.Events[1].Seq {
		t.Error("expected newest first")
	}

	rec = f.do(t, "GET", "/v1/events/verify", "tok-lead", nil)
	v := decode[VerifyResp](t, rec)
	if !v.OK || v.Verified != 2 {
		t.Errorf("unexpected verify result %+v", v)
	}
}

func TestState_LatestAndDiff(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, "GET", "/v1/state/latest", "tok-lead", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any snapshot, got %d", rec.Code)
	}

	ctx := context.Background()
	first := state.Snapshot{SnapshotDate: "2026-10-15", Metrics: map[string]float64{"reservationsOpen": 10}}
	second := state.Snapshot{SnapshotDate: "2026-10-16", Metrics: map[string]float64{"reservationsOpen": 14}}
	if err := f.snapshots.SaveSnapshot(ctx, first, nil); err != nil {
		t.Fatal(err)
	}
	if err := f.snapshots.SaveSnapshot(ctx, second, state.ComputeDiff(&first, second)); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, "GET", "/v1/state/latest", "tok-lead", nil)
	if snap := decode[state.Snapshot](t, rec); snap.SnapshotDate != "2026-10-16" {
		t.Errorf("expected latest 2026-10-16, got %s", snap.SnapshotDate)
	}
	rec = f.do(t, "GET", "/v1/state/diff", "tok-lead", nil)
	diff := decode[state.Diff](t, rec)
	if diff.FromDate != "2026-10-15" || diff.Deltas["reservationsOpen"].Delta != 4 {
		t.Errorf("unexpected diff %+v", diff)
	}
}

func TestPass_RunOnDemand(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "POST", "/v1/passes", "tok-lead", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[PassResp](t, rec)
	if !resp.Persisted || resp.ElapsedMs != 40 || resp.Drift == nil {
		t.Errorf("unexpected pass response %+v", resp)
	}
}

func TestPass_Failure(t *testing.T) {
	h := NewRouter(&Dependencies{
		Pass:   &stubPass{err: errors.New("source exploded")},
		Auth:   &stubAuth{tokens: map[string]string{"t": "uid"}},
		Logger: zap.NewNop(),
	})
	req := httptest.NewRequest("POST", "/v1/passes", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "exploded") {
		t.Error("internal error detail leaked to client")
	}
}

func TestConnectors_Health(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/v1/connectors/health", "tok-lead", nil)
	var body struct {
		Connectors []connector.HealthResult `json:"connectors"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Connectors) != 1 || body.Connectors[0].ConnectorID != "marketing" {
		t.Errorf("unexpected health %+v", body.Connectors)
	}
}

func TestCapabilities_ListAndLint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/v1/capabilities", "tok-lead", nil)
	var body struct {
		Capabilities []CapabilityResp `json:"capabilities"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range body.Capabilities {
		if c.ID == "marketing.publish_draft" {
			found = true
			if c.Policy == nil || c.Policy.Owner != "marketing" || c.Blocked {
				t.Errorf("unexpected capability %+v", c)
			}
		}
	}
	if !found {
		t.Error("marketing.publish_draft missing from list")
	}

	rec = f.do(t, "GET", "/v1/capabilities/lint", "tok-lead", nil)
	lint := decode[LintResp](t, rec)
	if len(lint.Blocked) != 0 {
		t.Errorf("default catalog should lint clean, blocked %v", lint.Blocked)
	}
}

func TestAnalytics_NotConfigured(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/v1/analytics", "/v1/analytics/events"} {
		if rec := f.do(t, "GET", path, "tok-lead", nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestAnalytics_Events(t *testing.T) {
	stub := &stubAnalytics{}
	h := NewRouter(&Dependencies{
		Reader: stub,
		Auth:   &stubAuth{tokens: map[string]string{"t": "uid"}},
		Logger: zap.NewNop(),
	})
	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer t")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/v1/analytics/events?action=studio_proposal.created&page_size=500&start_time=2026-10-01T00:00:00Z")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.params.Action == nil || *stub.params.Action != "studio_proposal.created" {
		t.Error("action filter not passed through")
	}
	if stub.params.Namespace != nil {
		t.Error("absent namespace should be nil")
	}
	if stub.params.PageSize != 200 {
		t.Errorf("page size should be capped at 200, got %d", stub.params.PageSize)
	}
	if stub.params.StartTime == nil || !stub.params.StartTime.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start time %v", stub.params.StartTime)
	}

	if rec := get("/v1/analytics/events?end_time=yesterday"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad end_time, got %d", rec.Code)
	}

	rec = get("/v1/analytics?days=9000")
	if res := decode[chread.AnalyticsResult](t, rec); res.Summary.Total != 30 {
		t.Errorf("out-of-range days should fall back to 30, got %d", res.Summary.Total)
	}
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/healthz", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected a generated request id")
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-Id", "console-7f3a")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "console-7f3a" {
		t.Errorf("expected caller's request id echoed, got %q", got)
	}
}
