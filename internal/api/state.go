package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/monsoonfire/studio-os/internal/state"
	"go.uber.org/zap"
)

func (d *Dependencies) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := d.Snapshots.LatestSnapshot(r.Context())
	if err != nil {
		d.Logger.Error("failed to load snapshot", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No snapshot persisted yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d *Dependencies) handleLatestDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := d.Snapshots.LatestDiff(r.Context())
	if err != nil {
		d.Logger.Error("failed to load diff", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
		return
	}
	if diff == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "No diff recorded yet"})
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// handleRunPass runs one compute pass on demand. The pass serializes with
// the scheduler's own runs.
func (d *Dependencies) handleRunPass(w http.ResponseWriter, r *http.Request) {
	res, err := d.Pass.Run(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSON(w, http.StatusGatewayTimeout, ErrorResp{Detail: "Pass did not complete"})
			return
		}
		d.Logger.Error("on-demand pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
		return
	}
	drift := res.Drift
	if drift == nil {
		drift = []state.DriftRow{}
	}
	writeJSON(w, http.StatusOK, PassResp{
		Snapshot:  res.Snapshot,
		Drift:     drift,
		Drafts:    res.Drafts(),
		Persisted: res.Persisted,
		ElapsedMs: res.Duration.Milliseconds(),
	})
}
