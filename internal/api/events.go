package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/monsoonfire/studio-os/internal/chread"
	"github.com/monsoonfire/studio-os/internal/events"
	"go.uber.org/zap"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// handleListEvents returns the newest ledger records. An action filter is
// applied within the window of the last limit records.
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q, "limit", defaultEventLimit)
	if limit < 1 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	recs, err := d.Events.ListRecent(r.Context(), limit)
	if err != nil {
		d.Logger.Error("failed to list events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
		return
	}
	if action := q.Get("action"); action != "" {
		kept := recs[:0]
		for _, rec := range recs {
			if rec.Action == action {
				kept = append(kept, rec)
			}
		}
		recs = kept
	}
	if recs == nil {
		recs = []events.Record{}
	}
	writeJSON(w, http.StatusOK, EventListResp{Events: recs})
}

func (d *Dependencies) handleVerifyEvents(w http.ResponseWriter, r *http.Request) {
	n, err := d.Events.Verify(r.Context())
	if err != nil {
		var ce *events.ChainError
		if !errors.As(err, &ce) {
			d.Logger.Error("failed to verify ledger", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
			return
		}
		d.Logger.Error("ledger chain broken", zap.Int64("seq", ce.Seq), zap.String("reason", ce.Reason))
		writeJSON(w, http.StatusOK, VerifyResp{OK: false, Verified: n, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, VerifyResp{OK: true, Verified: n})
}

// --- Analytics (ClickHouse mirror) ---

func (d *Dependencies) handleAnalyticsEvents(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListEventsParams{
		Namespace:     optStr(q, "namespace"),
		Action:        optStr(q, "action"),
		ActorID:       optStr(q, "actor_id"),
		ApprovalState: optStr(q, "approval_state"),
		Page:          queryInt(q, "page", 1),
		PageSize:      queryInt(q, "page_size", 50),
	}
	if params.PageSize > 200 {
		params.PageSize = 200
	}
	var err error
	if params.StartTime, err = optTime(q, "start_time"); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if params.EndTime, err = optTime(q, "end_time"); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}

	rows, total, err := d.Reader.ListEvents(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list analytics events", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
		return
	}
	if rows == nil {
		rows = []chread.EventRow{}
	}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	writeJSON(w, http.StatusOK, AnalyticsEventListResp{
		Events:   rows,
		Total:    total,
		Page:     params.Page,
		PageSize: params.PageSize,
	})
}

func (d *Dependencies) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.Reader == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 30)
	if days < 1 || days > 365 {
		days = 30
	}

	result, err := d.Reader.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func queryInt(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func optStr(q url.Values, key string) *string {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	return &v
}

func optTime(q url.Values, key string) (*time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339: %w", key, err)
	}
	return &t, nil
}
