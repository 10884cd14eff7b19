package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubTransport struct {
	calls atomic.Int32
	err   error
	out   map[string]any
	last  map[string]any
}

func (s *stubTransport) transport(_ context.Context, _ string, input map[string]any, _ time.Duration) (map[string]any, error) {
	s.calls.Add(1)
	s.last = input
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func newStubConnector(readOnly bool, st *stubTransport, now func() time.Time) *TransportConnector {
	return NewTransportConnector(TransportConfig{
		Descriptor: Descriptor{ID: "kiln-bridge", Target: "local", Version: "1", ReadOnly: readOnly},
		Transport:  st.transport,
		Breaker:    BreakerConfig{FailureThreshold: 2, BaseBackoff: time.Minute, MaxBackoff: time.Hour},
		Now:        now,
		Logger:     zap.NewNop(),
	})
}

func TestExecute_ReadOnlyViolation(t *testing.T) {
	st := &stubTransport{out: map[string]any{"ok": true}}
	c := newStubConnector(true, st, time.Now)

	_, err := c.Execute(context.Background(), Request{Intent: IntentWrite, Operation: "kiln.schedule_firing"})
	var ce *Error
	if !errors.As(err, &ce) || ce.Code != CodeReadOnlyViolation {
		t.Fatalf("expected READ_ONLY_VIOLATION, got %v", err)
	}
	if ce.Retryable() {
		t.Error("read-only violation must not be retryable")
	}
	if st.calls.Load() != 0 {
		t.Error("transport must not be called for a refused write")
	}
	if c.Breaker().State() != BreakerClosed {
		t.Error("refused write must not affect the breaker")
	}
}

func TestExecute_ReadIntentAllowedOnReadOnly(t *testing.T) {
	st := &stubTransport{out: map[string]any{"count": 3.0}}
	c := newStubConnector(true, st, time.Now)

	resp, err := c.Execute(context.Background(), Request{Intent: IntentRead, Operation: "reservations.read_status"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Payload["count"] != 3.0 {
		t.Errorf("unexpected payload: %v", resp.Payload)
	}
	if resp.InputHash == "" || resp.OutputHash == "" {
		t.Error("expected input and output hashes")
	}
	if st.last["idempotencyKey"] != "" {
		t.Errorf("unexpected idempotency key forwarded: %v", st.last["idempotencyKey"])
	}
}

func TestConnector_OpenBreakerShortCircuits(t *testing.T) {
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	st := &stubTransport{err: errors.New("dial tcp: connection refused")}
	c := newStubConnector(false, st, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.ReadStatus(ctx, map[string]any{"scan": 1})
		if ClassifyError(err) != CodeUnavailable {
			t.Fatalf("expected UNAVAILABLE, got %v", err)
		}
	}
	if st.calls.Load() != 2 {
		t.Fatalf("expected 2 transport calls, got %d", st.calls.Load())
	}

	h := c.Health(ctx)
	if h.OK || h.Availability != AvailabilityDegraded {
		t.Errorf("expected degraded health, got %+v", h)
	}
	_, err := c.Execute(ctx, Request{Intent: IntentWrite, Operation: "x"})
	var ce *Error
	if !errors.As(err, &ce) || ce.Code != CodeUnavailable || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected circuit-open UNAVAILABLE, got %v", err)
	}
	if st.calls.Load() != 2 {
		t.Errorf("open breaker must not call the transport, got %d calls", st.calls.Load())
	}
}

func TestHealth_Success(t *testing.T) {
	st := &stubTransport{out: map[string]any{"status": "ok"}}
	c := newStubConnector(false, st, time.Now)
	h := c.Health(context.Background())
	if !h.OK || h.Availability != AvailabilityHealthy {
		t.Fatalf("expected healthy, got %+v", h)
	}
	if h.InputHash == "" || h.OutputHash == "" {
		t.Error("expected hashes on health result")
	}
}

func TestHealth_FailureClassified(t *testing.T) {
	st := &stubTransport{err: errors.New("unauthorized: http 401")}
	c := newStubConnector(false, st, time.Now)
	h := c.Health(context.Background())
	if h.OK || h.Availability != AvailabilityDown || h.Code != CodeAuth {
		t.Errorf("expected AUTH down, got %+v", h)
	}
}

func TestConnector_TimeoutClassified(t *testing.T) {
	c := NewTransportConnector(TransportConfig{
		Descriptor: Descriptor{ID: "slow"},
		Timeout:    20 * time.Millisecond,
		Transport: func(ctx context.Context, _ string, _ map[string]any, _ time.Duration) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Logger: zap.NewNop(),
	})
	_, err := c.ReadStatus(context.Background(), nil)
	if ClassifyError(err) != CodeTimeout {
		t.Errorf("expected TIMEOUT, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{context.DeadlineExceeded, CodeTimeout},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), CodeTimeout},
		{errors.New("request timed out"), CodeTimeout},
		{errors.New("403 Forbidden"), CodeAuth},
		{errors.New("invalid token"), CodeAuth},
		{errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), CodeUnavailable},
		{errors.New("upstream unavailable: http 503"), CodeUnavailable},
		{errors.New("invalid character '<' looking for beginning of value"), CodeBadResponse},
		{errors.New("something odd"), CodeUnknown},
		{errors.New("read 1403 bytes: EOF"), CodeUnknown},
		{errors.New("listen on port 15030"), CodeUnknown},
		{errors.New("http 502"), CodeUnavailable},
		{errors.New("status=401"), CodeAuth},
		{status.Error(codes.Unauthenticated, "no creds"), CodeAuth},
		{status.Error(codes.Unavailable, "down"), CodeUnavailable},
		{status.Error(codes.DeadlineExceeded, "slow"), CodeTimeout},
		{&Error{Code: CodeReadOnlyViolation, Err: errors.New("x")}, CodeReadOnlyViolation},
	}
	for _, tc := range cases {
		if got := ClassifyError(tc.err); got != tc.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	if ClassifyError(nil) != "" {
		t.Error("nil error should have no code")
	}
}

func TestError_Retryable(t *testing.T) {
	retryable := map[Code]bool{
		CodeTimeout:           true,
		CodeUnavailable:       true,
		CodeUnknown:           true,
		CodeAuth:              false,
		CodeBadResponse:       false,
		CodeReadOnlyViolation: false,
	}
	for code, want := range retryable {
		if got := (&Error{Code: code}).Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", code, got, want)
		}
	}
}

func TestHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"openOrders":12}`))
		case "/broken":
			_, _ = w.Write([]byte(`<html>`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	tr := HTTPTransport(srv.URL, srv.Client(), map[string]string{"Authorization": "Bearer k"})

	out, err := tr(ctx, "/status", map[string]any{"scanLimit": 10}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if out["openOrders"] != 12.0 {
		t.Errorf("unexpected payload: %v", out)
	}

	if _, err := tr(ctx, "/broken", nil, time.Second); ClassifyError(err) != CodeBadResponse {
		t.Errorf("expected BAD_RESPONSE, got %v", err)
	}
	if _, err := tr(ctx, "/down", nil, time.Second); ClassifyError(err) != CodeUnavailable {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}

	noAuth := HTTPTransport(srv.URL, srv.Client(), nil)
	if _, err := noAuth(ctx, "/status", nil, time.Second); ClassifyError(err) != CodeAuth {
		t.Errorf("expected AUTH, got %v", err)
	}
}

type stubConn struct {
	method string
	reply  map[string]any
	err    error
}

func (s *stubConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	s.method = method
	if s.err != nil {
		return s.err
	}
	in := args.(*structpb.Struct)
	out, err := structpb.NewStruct(s.reply)
	if err != nil {
		return err
	}
	out.Fields["echo"] = in.Fields["scanLimit"]
	reply.(*structpb.Struct).Fields = out.Fields
	return nil
}

func (s *stubConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams not supported")
}

func TestGRPCTransport(t *testing.T) {
	conn := &stubConn{reply: map[string]any{"kilnsOffline": 1.0}}
	tr := GRPCTransport(conn, "studio.kiln.v1.KilnBridge")

	out, err := tr(context.Background(), "/status", map[string]any{"scanLimit": 50}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if conn.method != "/studio.kiln.v1.KilnBridge/status" {
		t.Errorf("unexpected method %q", conn.method)
	}
	if out["kilnsOffline"] != 1.0 || out["echo"] != 50.0 {
		t.Errorf("unexpected payload: %v", out)
	}

	conn.err = status.Error(codes.PermissionDenied, "nope")
	if _, err := tr(context.Background(), "/status", nil, time.Second); ClassifyError(err) != CodeAuth {
		t.Errorf("expected AUTH, got %v", err)
	}
}
