package chread

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func TestBuildFilter_NoFilters(t *testing.T) {
	where, args := buildFilter(ListEventsParams{})
	if where != "1 = 1" || len(args) != 0 {
		t.Errorf("got %q with %d args", where, len(args))
	}
}

func TestBuildFilter_AllFilters(t *testing.T) {
	ns, action, actor, approval := "studio_proposal", "studio_proposal.executed", "staff-1", "approved"
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	where, args := buildFilter(ListEventsParams{
		Namespace: &ns, Action: &action, ActorID: &actor, ApprovalState: &approval,
		StartTime: &start, EndTime: &end,
	})

	for _, cond := range []string{
		"namespace = @namespace", "action = @action", "actor_id = @actor_id",
		"approval_state = @approval_state", "created_at >= @start_time", "created_at <= @end_time",
	} {
		if !strings.Contains(where, cond) {
			t.Errorf("where clause %q missing %q", where, cond)
		}
	}
	if len(args) != 6 {
		t.Fatalf("expected 6 named args, got %d", len(args))
	}
	first, ok := args[0].(driver.NamedValue)
	if !ok || first.Name != "namespace" || first.Value != ns {
		t.Errorf("unexpected first arg %#v", args[0])
	}
}

func TestSafeFloat(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{math.Inf(-1), 0},
		{12.5, 12.5},
	}
	for _, tt := range tests {
		if got := safeFloat(tt.in); got != tt.want {
			t.Errorf("safeFloat(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
