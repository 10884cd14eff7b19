package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(ctx context.Context) (*Result, error) {
	r.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("pass context has no deadline")
	}
	return &Result{}, r.err
}

func TestScheduler_RunsImmediatelyAndOnTicks(t *testing.T) {
	r := &countingRunner{}
	s := New(r, 5*time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if r.calls.Load() < 2 {
		t.Errorf("expected the first pass plus ticks, got %d calls", r.calls.Load())
	}
}

func TestScheduler_FailedPassDoesNotStop(t *testing.T) {
	r := &countingRunner{err: errors.New("store down")}
	s := New(r, 5*time.Millisecond, time.Second, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if r.calls.Load() < 2 {
		t.Errorf("scheduler should keep ticking after failures, got %d calls", r.calls.Load())
	}
}

func TestScheduler_StopsOnCancel(t *testing.T) {
	r := &countingRunner{}
	s := New(r, time.Hour, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
