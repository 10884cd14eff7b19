package api

import (
	"net/http"
	"strconv"

	"github.com/monsoonfire/studio-os/internal/proposal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (d *Dependencies) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	p, err := d.Proposals.Propose(r.Context(), actor(r), proposal.ProposeRequest{
		CapabilityID: req.CapabilityID,
		OwnerUID:     req.OwnerUID,
		TenantID:     req.TenantID,
		Input:        req.Input,
		Rationale:    req.Rationale,
	})
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (d *Dependencies) handleListProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := proposal.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown status " + strconv.Quote(string(status))})
		return
	}
	limit := queryInt(q, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	list, err := d.Proposals.List(r.Context(), proposal.ListFilter{
		Status:   status,
		TenantID: q.Get("tenant_id"),
		Limit:    limit,
	})
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	if list == nil {
		list = []proposal.Proposal{}
	}
	writeJSON(w, http.StatusOK, ProposalListResp{Proposals: list})
}

func (d *Dependencies) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := d.Proposals.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req RationaleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	p, err := d.Proposals.Approve(r.Context(), actor(r), r.PathValue("id"), req.Rationale)
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d *Dependencies) handleReject(w http.ResponseWriter, r *http.Request) {
	var req RationaleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	p, err := d.Proposals.Reject(r.Context(), actor(r), r.PathValue("id"), req.Rationale)
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := d.Proposals.Execute(r.Context(), actor(r), r.PathValue("id"), req.IdempotencyKey, req.Payload)
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Dependencies) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	res, err := d.Proposals.Rollback(r.Context(), actor(r), r.PathValue("id"), req.IdempotencyKey, req.Reason)
	if err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Kill switch ---

func (d *Dependencies) handleGetKillSwitch(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Proposals.KillSwitch().State())
}

func (d *Dependencies) handleEngageKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req KillSwitchReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if err := d.Proposals.EngageKillSwitch(r.Context(), actor(r), req.Reason); err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Proposals.KillSwitch().State())
}

func (d *Dependencies) handleReleaseKillSwitch(w http.ResponseWriter, r *http.Request) {
	if err := d.Proposals.ReleaseKillSwitch(r.Context(), actor(r)); err != nil {
		d.writeLifecycleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Proposals.KillSwitch().State())
}
