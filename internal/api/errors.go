package api

import (
	"errors"
	"net/http"

	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/proposal"
	"go.uber.org/zap"
)

// writeLifecycleError maps a proposal.Service error onto a status code.
// The service has already audited refusals; unexpected errors are logged
// here and hidden from the caller.
func (d *Dependencies) writeLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		blocked *capability.BlockedError
		connErr *connector.Error
	)
	switch {
	case errors.Is(err, proposal.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Proposal not found"})
	case errors.Is(err, proposal.ErrDisabled):
		writeJSON(w, http.StatusLocked, ErrorResp{Detail: err.Error(), Code: "KILL_SWITCH"})
	case errors.Is(err, proposal.ErrBusy):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error(), Code: "BUSY"})
	case errors.Is(err, proposal.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: err.Error(), Code: "INVALID_TRANSITION"})
	case errors.Is(err, proposal.ErrRationaleRequired),
		errors.Is(err, proposal.ErrRollbackReasonTooShort),
		errors.Is(err, proposal.ErrIdempotencyKeyTooShort),
		errors.Is(err, capability.ErrUnknownCapability):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, ErrorResp{Detail: err.Error(), Code: "POLICY_BLOCKED"})
	case errors.Is(err, capability.ErrInvalidInput):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
	case errors.As(err, &connErr):
		d.Logger.Warn("connector effect failed",
			zap.String("path", r.URL.Path),
			zap.String("connector", connErr.ConnectorID),
			zap.String("code", string(connErr.Code)),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: err.Error(), Code: string(connErr.Code)})
	default:
		d.Logger.Error("lifecycle call failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal server error"})
	}
}
