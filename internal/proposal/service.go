package proposal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/monsoonfire/studio-os/internal/canon"
	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/connector"
	"github.com/monsoonfire/studio-os/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "studio_os_proposal_transitions_total",
	Help: "Proposal lifecycle calls by operation and outcome",
}, []string{"operation", "outcome"})

// Policy is the capability surface the lifecycle depends on.
// *capability.Registry implements it.
type Policy interface {
	Get(id string) (capability.Definition, bool)
	Authorize(id string) error
	ValidateInput(id string, payload map[string]any) error
}

// Config configures a Service.
type Config struct {
	Store      Store
	Ledger     events.Appender
	Policy     Policy
	Executor   Executor
	KillSwitch *KillSwitch
	Now        func() time.Time
	Logger     *zap.Logger
}

// Service is the only mutation entry point exposed to the staff console.
type Service struct {
	store    Store
	ledger   events.Appender
	policy   Policy
	executor Executor
	kill     *KillSwitch
	now      func() time.Time
	logger   *zap.Logger

	flight   singleflight.Group
	inflight *inflight
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		policy:   cfg.Policy,
		executor: cfg.Executor,
		kill:     cfg.KillSwitch,
		now:      cfg.Now,
		logger:   cfg.Logger,
		inflight: newInflight(),
	}
	if s.kill == nil {
		s.kill = NewKillSwitch()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// KillSwitch returns the service's kill switch.
func (s *Service) KillSwitch() *KillSwitch { return s.kill }

// ProposeRequest creates a draft.
type ProposeRequest struct {
	CapabilityID string
	OwnerUID     string
	TenantID     string
	Input        map[string]any
	Rationale    string
}

// Propose creates a draft for a known, unblocked capability whose input
// passes the capability's schema.
func (s *Service) Propose(ctx context.Context, actor Actor, req ProposeRequest) (Proposal, error) {
	if err := s.policy.Authorize(req.CapabilityID); err != nil {
		return Proposal{}, s.refuse(ctx, actor, OpPropose, "", "", err)
	}
	if err := s.policy.ValidateInput(req.CapabilityID, req.Input); err != nil {
		return Proposal{}, s.refuse(ctx, actor, OpPropose, "", "", err)
	}

	now := s.now().UTC()
	p := Proposal{
		ID:           uuid.New().String(),
		CapabilityID: req.CapabilityID,
		Status:       StatusDraft,
		OwnerUID:     req.OwnerUID,
		TenantID:     req.TenantID,
		Input:        req.Input,
		Rationale:    strings.TrimSpace(req.Rationale),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.OwnerUID == "" {
		p.OwnerUID = actor.ID
	}
	if err := s.store.Create(ctx, p); err != nil {
		return Proposal{}, fmt.Errorf("Propose: %w", err)
	}
	if _, err := s.appendTransition(ctx, actor, ActionCreated, p, p.Rationale,
		map[string]any{"capabilityId": p.CapabilityID, "input": p.Input},
		map[string]any{"proposalId": p.ID, "status": p.Status},
	); err != nil {
		return Proposal{}, fmt.Errorf("Propose: %w", err)
	}
	transitionsTotal.WithLabelValues(string(OpPropose), "ok").Inc()
	return p, nil
}

// Approve moves a draft to approved.
func (s *Service) Approve(ctx context.Context, actor Actor, id, rationale string) (Proposal, error) {
	rationale = strings.TrimSpace(rationale)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Proposal{}, fmt.Errorf("Approve %s: %w", id, err)
	}
	switch {
	case s.inflight.busy(id):
		return Proposal{}, s.refuse(ctx, actor, OpApprove, id, p.Status, ErrBusy)
	case s.kill.Engaged():
		return Proposal{}, s.refuse(ctx, actor, OpApprove, id, p.Status, ErrDisabled)
	case rationale == "":
		return Proposal{}, s.refuse(ctx, actor, OpApprove, id, p.Status, ErrRationaleRequired)
	case !CanTransition(p.Status, StatusApproved):
		return Proposal{}, s.refuse(ctx, actor, OpApprove, id, p.Status, invalidTransition(p.Status, StatusApproved))
	}
	if err := s.policy.Authorize(p.CapabilityID); err != nil {
		return Proposal{}, s.refuse(ctx, actor, OpApprove, id, p.Status, err)
	}

	next := p
	next.Status = StatusApproved
	next.ApprovalRationale = rationale
	next.ApprovedBy = actor.ID
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Transition(ctx, next, p.Status, nil); err != nil {
		return Proposal{}, s.transitionFailed(ctx, actor, OpApprove, p, err)
	}
	if _, err := s.appendTransition(ctx, actor, ActionApproved, next, rationale,
		map[string]any{"proposalId": id, "rationale": rationale},
		map[string]any{"proposalId": id, "status": next.Status},
	); err != nil {
		return Proposal{}, fmt.Errorf("Approve %s: %w", id, err)
	}
	transitionsTotal.WithLabelValues(string(OpApprove), "ok").Inc()
	return next, nil
}

// Reject moves a draft to rejected.
func (s *Service) Reject(ctx context.Context, actor Actor, id, rationale string) (Proposal, error) {
	rationale = strings.TrimSpace(rationale)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Proposal{}, fmt.Errorf("Reject %s: %w", id, err)
	}
	switch {
	case s.inflight.busy(id):
		return Proposal{}, s.refuse(ctx, actor, OpReject, id, p.Status, ErrBusy)
	case rationale == "":
		return Proposal{}, s.refuse(ctx, actor, OpReject, id, p.Status, ErrRationaleRequired)
	case !CanTransition(p.Status, StatusRejected):
		return Proposal{}, s.refuse(ctx, actor, OpReject, id, p.Status, invalidTransition(p.Status, StatusRejected))
	}

	next := p
	next.Status = StatusRejected
	next.RejectionRationale = rationale
	next.UpdatedAt = s.now().UTC()
	if err := s.store.Transition(ctx, next, p.Status, nil); err != nil {
		return Proposal{}, s.transitionFailed(ctx, actor, OpReject, p, err)
	}
	if _, err := s.appendTransition(ctx, actor, ActionRejected, next, rationale,
		map[string]any{"proposalId": id, "rationale": rationale},
		map[string]any{"proposalId": id, "status": next.Status},
	); err != nil {
		return Proposal{}, fmt.Errorf("Reject %s: %w", id, err)
	}
	transitionsTotal.WithLabelValues(string(OpReject), "ok").Inc()
	return next, nil
}

// DeriveIdempotencyKey returns the key used when an execute call supplies
// none: the id prefix plus the unix second, so repeated clicks within the
// same second collapse to one key.
func DeriveIdempotencyKey(id string, now time.Time) string {
	prefix := id
	if len(prefix) > derivedKeyIDPrefixLen {
		prefix = prefix[:derivedKeyIDPrefixLen]
	}
	return prefix + "-" + strconv.FormatInt(now.Unix(), 10)
}

// Execute performs an approved proposal. A nil payload executes the
// proposal's input. Calls with a key already used for this proposal return
// the stored result; concurrent calls with the same key share one effect.
func (s *Service) Execute(ctx context.Context, actor Actor, id, key string, payload map[string]any) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DeriveIdempotencyKey(id, s.now())
	}
	v, err, _ := s.flight.Do(flightKey(id, OpExecute, key), func() (any, error) {
		return s.execute(ctx, actor, id, key, payload)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Service) execute(ctx context.Context, actor Actor, id, key string, payload map[string]any) (Result, error) {
	token := flightKey(id, OpExecute, key)
	if !s.inflight.acquire(id, token) {
		return Result{}, s.refuse(ctx, actor, OpExecute, id, "", ErrBusy)
	}
	defer s.inflight.release(id, token)

	if prior, err := s.store.Result(ctx, id, OpExecute, key); err != nil {
		return Result{}, fmt.Errorf("Execute %s: %w", id, err)
	} else if prior != nil {
		transitionsTotal.WithLabelValues(string(OpExecute), "replay").Inc()
		s.logger.Info("execute replayed", zap.String("proposal_id", id), zap.String("idempotency_key", key))
		return *prior, nil
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("Execute %s: %w", id, err)
	}
	if s.kill.Engaged() {
		return Result{}, s.refuse(ctx, actor, OpExecute, id, p.Status, ErrDisabled)
	}
	if !CanTransition(p.Status, StatusExecuted) {
		return Result{}, s.refuse(ctx, actor, OpExecute, id, p.Status, invalidTransition(p.Status, StatusExecuted))
	}
	if err := s.policy.Authorize(p.CapabilityID); err != nil {
		return Result{}, s.refuse(ctx, actor, OpExecute, id, p.Status, err)
	}
	if payload == nil {
		payload = p.Input
	}
	if err := s.policy.ValidateInput(p.CapabilityID, payload); err != nil {
		return Result{}, s.refuse(ctx, actor, OpExecute, id, p.Status, err)
	}
	def, _ := s.policy.Get(p.CapabilityID)

	effect, err := s.executor.Execute(ctx, p, def, key, payload)
	if err != nil {
		s.effectFailed(ctx, actor, ActionExecutionFailed, p, key, effect.ConnectorID, err)
		transitionsTotal.WithLabelValues(string(OpExecute), "failed").Inc()
		return Result{}, fmt.Errorf("Execute %s: %w", id, err)
	}

	next := p
	next.Status = StatusExecuted
	next.IdempotencyKey = key
	next.ExecutedPayload = payload
	next.UpdatedAt = s.now().UTC()

	input := map[string]any{
		"proposalId":     id,
		"capabilityId":   p.CapabilityID,
		"idempotencyKey": key,
		"payload":        payload,
	}
	res, err := s.complete(ctx, actor, OpExecute, ActionExecuted, p, next, key, "executed "+p.CapabilityID, input, effect)
	if err != nil {
		return Result{}, fmt.Errorf("Execute %s: %w", id, err)
	}
	return res, nil
}

// Rollback reverses an executed proposal. reason must be at least
// MinRollbackReasonLen characters and key at least MinIdempotencyKeyLen.
func (s *Service) Rollback(ctx context.Context, actor Actor, id, key, reason string) (Result, error) {
	key = strings.TrimSpace(key)
	reason = strings.TrimSpace(reason)
	if len(reason) < MinRollbackReasonLen {
		return Result{}, s.refuse(ctx, actor, OpRollback, id, "", ErrRollbackReasonTooShort)
	}
	if len(key) < MinIdempotencyKeyLen {
		return Result{}, s.refuse(ctx, actor, OpRollback, id, "", ErrIdempotencyKeyTooShort)
	}
	v, err, _ := s.flight.Do(flightKey(id, OpRollback, key), func() (any, error) {
		return s.rollback(ctx, actor, id, key, reason)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Service) rollback(ctx context.Context, actor Actor, id, key, reason string) (Result, error) {
	token := flightKey(id, OpRollback, key)
	if !s.inflight.acquire(id, token) {
		return Result{}, s.refuse(ctx, actor, OpRollback, id, "", ErrBusy)
	}
	defer s.inflight.release(id, token)

	if prior, err := s.store.Result(ctx, id, OpRollback, key); err != nil {
		return Result{}, fmt.Errorf("Rollback %s: %w", id, err)
	} else if prior != nil {
		transitionsTotal.WithLabelValues(string(OpRollback), "replay").Inc()
		return *prior, nil
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("Rollback %s: %w", id, err)
	}
	if !CanTransition(p.Status, StatusRolledBack) {
		return Result{}, s.refuse(ctx, actor, OpRollback, id, p.Status, invalidTransition(p.Status, StatusRolledBack))
	}
	def, ok := s.policy.Get(p.CapabilityID)
	if !ok {
		return Result{}, s.refuse(ctx, actor, OpRollback, id, p.Status, capability.ErrUnknownCapability)
	}

	effect, err := s.executor.Rollback(ctx, p, def, key, reason)
	if err != nil {
		s.effectFailed(ctx, actor, ActionRollbackFailed, p, key, effect.ConnectorID, err)
		transitionsTotal.WithLabelValues(string(OpRollback), "failed").Inc()
		return Result{}, fmt.Errorf("Rollback %s: %w", id, err)
	}

	next := p
	next.Status = StatusRolledBack
	next.RollbackReason = reason
	next.RollbackKey = key
	next.UpdatedAt = s.now().UTC()

	input := map[string]any{"proposalId": id, "idempotencyKey": key, "reason": reason}
	res, err := s.complete(ctx, actor, OpRollback, ActionRolledBack, p, next, key, reason, input, effect)
	if err != nil {
		return Result{}, fmt.Errorf("Rollback %s: %w", id, err)
	}
	return res, nil
}

// complete audits a performed effect and persists the transition with its
// result.
func (s *Service) complete(ctx context.Context, actor Actor, op Operation, action string, prev, next Proposal, key, rationale string, input map[string]any, effect Effect) (Result, error) {
	inHash, err := canon.Hash(input)
	if err != nil {
		return Result{}, err
	}
	outHash, err := canon.Hash(effect.Output)
	if err != nil {
		return Result{}, err
	}
	target := effect.Target
	if target == "" {
		target = events.TargetLocal
	}

	rec, err := s.ledger.Append(ctx, events.Entry{
		ActorType:     actorType(actor),
		ActorID:       actor.ID,
		Action:        action,
		Rationale:     rationale,
		Target:        target,
		ApprovalState: next.Status.ApprovalState(),
		InputHash:     inHash,
		OutputHash:    outHash,
		Metadata: map[string]any{
			"proposalId":     next.ID,
			"capabilityId":   next.CapabilityID,
			"status":         string(next.Status),
			"idempotencyKey": key,
			"connectorId":    effect.ConnectorID,
		},
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		ProposalID:     next.ID,
		Operation:      op,
		IdempotencyKey: key,
		Status:         next.Status,
		ConnectorID:    effect.ConnectorID,
		Output:         effect.Output,
		InputHash:      inHash,
		OutputHash:     outHash,
		EventID:        rec.ID,
		EventSeq:       rec.Seq,
		CompletedAt:    rec.CreatedAt,
	}
	if err := s.store.Transition(ctx, next, prev.Status, &res); err != nil {
		s.logger.Error("transition not persisted after effect",
			zap.String("proposal_id", next.ID),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return Result{}, err
	}
	transitionsTotal.WithLabelValues(string(op), "ok").Inc()
	s.logger.Info("proposal transitioned",
		zap.String("proposal_id", next.ID),
		zap.String("capability_id", next.CapabilityID),
		zap.String("status", string(next.Status)),
		zap.Int64("event_seq", rec.Seq),
	)
	return res, nil
}

// EngageKillSwitch disables approve and execute and audits the change.
func (s *Service) EngageKillSwitch(ctx context.Context, actor Actor, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("EngageKillSwitch: %w", ErrRationaleRequired)
	}
	s.kill.Engage(actor.ID, reason, s.now().UTC())
	_, err := s.ledger.Append(ctx, events.Entry{
		ActorType: actorType(actor),
		ActorID:   actor.ID,
		Action:    ActionKillSwitchEngaged,
		Rationale: reason,
		Input:     map[string]any{"engaged": true, "reason": reason},
		Output:    s.kill.State(),
	})
	if err != nil {
		return fmt.Errorf("EngageKillSwitch: %w", err)
	}
	s.logger.Warn("kill switch engaged", zap.String("by", actor.ID), zap.String("reason", reason))
	return nil
}

// ReleaseKillSwitch re-enables approve and execute and audits the change.
func (s *Service) ReleaseKillSwitch(ctx context.Context, actor Actor) error {
	s.kill.Release()
	_, err := s.ledger.Append(ctx, events.Entry{
		ActorType: actorType(actor),
		ActorID:   actor.ID,
		Action:    ActionKillSwitchReleased,
		Input:     map[string]any{"engaged": false},
		Output:    s.kill.State(),
	})
	if err != nil {
		return fmt.Errorf("ReleaseKillSwitch: %w", err)
	}
	s.logger.Info("kill switch released", zap.String("by", actor.ID))
	return nil
}

// Get returns the proposal with id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Proposal, error) {
	return s.store.Get(ctx, id)
}

// List returns proposals matching f, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Proposal, error) {
	return s.store.List(ctx, f)
}

func (s *Service) appendTransition(ctx context.Context, actor Actor, action string, p Proposal, rationale string, input, output map[string]any) (events.Record, error) {
	return s.ledger.Append(ctx, events.Entry{
		ActorType:     actorType(actor),
		ActorID:       actor.ID,
		Action:        action,
		Rationale:     rationale,
		ApprovalState: p.Status.ApprovalState(),
		Input:         input,
		Output:        output,
		Metadata: map[string]any{
			"proposalId":   p.ID,
			"capabilityId": p.CapabilityID,
			"status":       string(p.Status),
			"tenantId":     p.TenantID,
		},
	})
}

// refuse audits a guard or transition failure and returns it wrapped.
// Nothing else is written.
func (s *Service) refuse(ctx context.Context, actor Actor, op Operation, id string, status Status, cause error) error {
	transitionsTotal.WithLabelValues(string(op), "rejected").Inc()
	meta := map[string]any{
		"proposalId": id,
		"operation":  string(op),
		"reason":     cause.Error(),
	}
	if status != "" {
		meta["status"] = string(status)
	}
	var blocked *capability.BlockedError
	if errors.As(cause, &blocked) {
		meta["capabilityId"] = blocked.CapabilityID
		meta["issues"] = blocked.Issues
	}
	_, err := s.ledger.Append(ctx, events.Entry{
		ActorType:     actorType(actor),
		ActorID:       actor.ID,
		Action:        ActionTransitionRejected,
		Rationale:     cause.Error(),
		ApprovalState: events.ApprovalRejected,
		Input:         map[string]any{"proposalId": id, "operation": string(op)},
		Output:        map[string]any{"error": cause.Error()},
		Metadata:      meta,
	})
	if err != nil {
		s.logger.Error("failed to audit rejected transition",
			zap.String("proposal_id", id),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
	}
	label := string(op)
	if id != "" {
		label += " " + id
	}
	return fmt.Errorf("%s: %w", label, cause)
}

// transitionFailed handles a lost compare-and-set before any effect.
func (s *Service) transitionFailed(ctx context.Context, actor Actor, op Operation, p Proposal, err error) error {
	if errors.Is(err, ErrStaleStatus) {
		return s.refuse(ctx, actor, op, p.ID, p.Status, fmt.Errorf("%w: %v", ErrInvalidTransition, err))
	}
	return fmt.Errorf("%s %s: %w", op, p.ID, err)
}

func (s *Service) effectFailed(ctx context.Context, actor Actor, action string, p Proposal, key, connectorID string, cause error) {
	code := connector.ClassifyError(cause)
	_, err := s.ledger.Append(ctx, events.Entry{
		ActorType:     actorType(actor),
		ActorID:       actor.ID,
		Action:        action,
		Rationale:     cause.Error(),
		ApprovalState: p.Status.ApprovalState(),
		Input:         map[string]any{"proposalId": p.ID, "idempotencyKey": key},
		Output:        map[string]any{"error": cause.Error(), "code": string(code)},
		Metadata: map[string]any{
			"proposalId":   p.ID,
			"capabilityId": p.CapabilityID,
			"connectorId":  connectorID,
			"code":         string(code),
		},
	})
	if err != nil {
		s.logger.Error("failed to audit effect failure", zap.String("proposal_id", p.ID), zap.Error(err))
	}
	s.logger.Warn("proposal effect failed",
		zap.String("proposal_id", p.ID),
		zap.String("action", action),
		zap.String("code", string(code)),
		zap.Error(cause),
	)
}

func invalidTransition(from, to Status) error {
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

func flightKey(id string, op Operation, key string) string {
	return id + "|" + string(op) + "|" + key
}

func actorType(a Actor) events.ActorType {
	if a.Type == "" {
		return events.ActorStaff
	}
	return a.Type
}
