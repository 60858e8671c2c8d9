package conversation

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/PabloGalante/callcore/internal/app/agentflow"
	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/app/session"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// ApologyText is the one response that does not come from the pipeline.
const ApologyText = "I'm sorry, something went wrong on our end. Let me transfer you to someone who can help."

const apologyWriteTimeout = 2 * time.Second

// Router is what the service needs from the intent router.
type Router interface {
	agentflow.Classifier
	RecordOutcome(ctx context.Context, tenant domain.TenantID, served []domain.ServedScenario, outcome domain.CallOutcome)
}

type Service struct {
	tenants  config.TenantSource
	sessions *session.Store
	router   Router
	engine   *policy.Engine
	pipeline *agentflow.Pipeline
	locks    *turnLocks
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewService(
	tenants config.TenantSource,
	sessions *session.Store,
	router Router,
	engine *policy.Engine,
	metrics *observability.Metrics,
) *Service {
	var classifier agentflow.Classifier
	if router != nil {
		classifier = router
	}
	return &Service{
		tenants:  tenants,
		sessions: sessions,
		router:   router,
		engine:   engine,
		pipeline: agentflow.NewDefaultPipeline(classifier, engine),
		locks:    newTurnLocks(),
		metrics:  metrics,
		now:      time.Now,
	}
}

type ProcessTurnInput struct {
	TenantID  domain.TenantID
	CallID    domain.CallID
	CallerID  domain.CallerID
	Utterance string
	// Handle is what the previous turn returned; nil on the first turn.
	Handle *domain.SessionHandle
}

type ProcessTurnOutput struct {
	Action         domain.Action                `json:"action"`
	SpeechText     string                       `json:"speech_text"`
	TransferTarget string                       `json:"transfer_target,omitempty"`
	Handle         domain.SessionHandle         `json:"session_handle"`
	Owner          domain.Owner                 `json:"owner"`
	Lane           domain.Lane                  `json:"lane"`
	Classification *domain.ClassificationResult `json:"classification,omitempty"`
	PolicyVersion  int64                        `json:"policy_version"`
	Degraded       bool                         `json:"degraded,omitempty"`
	Decisions      []domain.StageDecision       `json:"decisions"`
}

// ProcessTurn decides what the agent does after one caller utterance. It
// never fails: anything that prevents an answer ends in the apology and a
// transfer.
func (s *Service) ProcessTurn(ctx context.Context, in ProcessTurnInput) (out ProcessTurnOutput) {
	start := s.now()
	ctx = observability.WithCall(ctx, string(in.TenantID), string(in.CallID))
	log := observability.LoggerFromContext(ctx)
	cfg := s.tenants.Tenant(in.TenantID)
	key := session.Key{TenantID: in.TenantID, CallID: in.CallID}

	ctx, span := observability.StartSpan(ctx, "conversation.turn",
		attribute.String("tenant_id", string(in.TenantID)),
		attribute.String("call_id", string(in.CallID)))
	defer func() {
		span.SetAttributes(
			attribute.String("turn.action", string(out.Action)),
			attribute.String("turn.owner", string(out.Owner)))
		observability.EndSpan(span, nil)
	}()

	turnCtx := ctx
	if cfg.Budgets.Turn > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, cfg.Budgets.Turn)
		defer cancel()
	}

	handle := domain.SessionHandle{CallID: in.CallID}
	if in.Handle != nil {
		handle = *in.Handle
	}

	unlock, err := s.locks.lock(turnCtx, key)
	if err != nil {
		log.Error("turn lock not acquired", "error", err)
		return s.apology(cfg, handle, "turn lock not acquired")
	}
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			out = s.apology(cfg, s.closeAfterApology(ctx, key, in.CallerID, handle), "turn panicked")
		}
	}()

	sess, src := s.sessions.Get(ctx, key, in.CallerID)
	if in.Handle != nil && sess.Version < in.Handle.Version {
		// A cache tier is behind the caller: another replica handled the
		// last turn, or a background write was dropped.
		if fresh, ok := s.sessions.GetDurable(ctx, key); ok && fresh.Version > sess.Version {
			sess, src = fresh, session.SourceDurable
		}
		if sess.Version < in.Handle.Version {
			log.Warn("session behind caller handle",
				"source", src,
				"version", sess.Version,
				"handle_version", in.Handle.Version)
		}
	}
	if sess.CallerID == "" {
		sess.CallerID = in.CallerID
	}
	sess.Turn++
	handle = sess.Handle()

	var art *policy.Artifact
	if s.engine != nil {
		art, _ = s.engine.Artifact(turnCtx, in.TenantID)
	}

	turn := agentflow.NewTurn(in.Utterance, sess, cfg, art)
	if err := s.pipeline.Run(turnCtx, turn); err != nil {
		log.Error("pipeline failed", "error", err)
		return s.apology(cfg, s.closeAfterApology(ctx, key, in.CallerID, handle), "pipeline failed")
	}
	res := turn.Result
	if strings.TrimSpace(res.Response) == "" || !res.Action.Valid() {
		log.Error("turn produced no response",
			"owner", turn.Owner,
			"action", res.Action)
		return s.apology(cfg, s.closeAfterApology(ctx, key, in.CallerID, handle), "turn produced no response")
	}

	switch res.Action {
	case domain.ActionTransfer, domain.ActionTakeMessage, domain.ActionHangup:
		sess.Lane = domain.LaneClosed
	}

	opts := s.writeOptions(cfg, sess, turn)
	sessDecision := domain.StageDecision{
		Stage:     domain.StageSession,
		Attempted: true,
		Outcome:   domain.DecisionApplied,
		Reason:    fmt.Sprintf("read from %s tier", src),
	}
	if opts.Checkpoint {
		sessDecision.Reason += ", checkpointed on " + opts.Reason
	}
	if err := s.sessions.Put(ctx, sess, opts); err != nil {
		log.Warn("session write degraded", "error", err)
		sess.Degraded = true
		sessDecision.Outcome = domain.DecisionFailed
		sessDecision.Reason = err.Error()
	}
	turn.Decisions = append(turn.Decisions, sessDecision)

	elapsed := s.now().Sub(start)
	s.metrics.RecordTurn(string(res.Action), string(turn.Owner), elapsed)
	if cfg.Budgets.Turn > 0 && elapsed > cfg.Budgets.Turn {
		s.metrics.RecordBudgetExceeded(string(domain.StageTurn))
		log.Warn("turn over budget",
			"elapsed_ms", elapsed.Milliseconds(),
			"budget_ms", cfg.Budgets.Turn.Milliseconds())
	}

	log.Info("turn processed",
		"turn", sess.Turn,
		"lane", sess.Lane,
		"owner", turn.Owner,
		"action", res.Action,
		"policy_version", res.Version,
		"elapsed_ms", elapsed.Milliseconds())

	return ProcessTurnOutput{
		Action:         res.Action,
		SpeechText:     res.Response,
		TransferTarget: res.TransferTarget,
		Handle:         sess.Handle(),
		Owner:          turn.Owner,
		Lane:           sess.Lane,
		Classification: turn.Classification,
		PolicyVersion:  res.Version,
		Degraded:       sess.Degraded,
		Decisions:      turn.Decisions,
	}
}

func (s *Service) writeOptions(cfg config.TenantConfig, sess *domain.CallSession, turn *agentflow.Turn) session.WriteOptions {
	switch {
	case turn.HasEvent(agentflow.EventBooking):
		return session.WriteOptions{Checkpoint: true, Reason: "booking"}
	case turn.HasEvent(agentflow.EventTransfer):
		return session.WriteOptions{Checkpoint: true, Reason: "transfer"}
	case cfg.Session.CheckpointEvery > 0 && sess.Turn%cfg.Session.CheckpointEvery == 0:
		return session.WriteOptions{Checkpoint: true, Reason: "interval"}
	}
	return session.WriteOptions{}
}

func (s *Service) apology(cfg config.TenantConfig, handle domain.SessionHandle, reason string) ProcessTurnOutput {
	s.metrics.RecordTurn(string(domain.ActionTransfer), "APOLOGY", 0)
	return ProcessTurnOutput{
		Action:         domain.ActionTransfer,
		SpeechText:     ApologyText,
		TransferTarget: cfg.FallbackTransferTarget,
		Handle:         handle,
		Lane:           domain.LaneClosed,
		Decisions: []domain.StageDecision{{
			Stage:     domain.StageTurn,
			Attempted: true,
			Outcome:   domain.DecisionFailed,
			Reason:    reason,
		}},
	}
}

// closeAfterApology records the closed lane so a later turn on the call does
// not resume the old flow. It runs under the turn lock and is best-effort:
// on failure the original handle is returned.
func (s *Service) closeAfterApology(ctx context.Context, key session.Key, caller domain.CallerID, handle domain.SessionHandle) domain.SessionHandle {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apologyWriteTimeout)
	defer cancel()

	sess, err := s.sessions.Update(ctx, key, caller, func(sess *domain.CallSession) {
		if sess.Turn < handle.Turn {
			sess.Turn = handle.Turn
		}
		sess.Lane = domain.LaneClosed
	}, session.WriteOptions{Checkpoint: true, Reason: "apology"})
	if err != nil {
		observability.LoggerFromContext(ctx).Warn("closed lane not persisted after apology", "error", err)
		if sess == nil {
			return handle
		}
	}
	return sess.Handle()
}

type EndCallInput struct {
	TenantID domain.TenantID
	CallID   domain.CallID
	Outcome  domain.CallOutcome
}

// EndCall archives the session and scores the scenarios it served.
func (s *Service) EndCall(ctx context.Context, in EndCallInput) (*domain.CallSession, error) {
	ctx = observability.WithCall(ctx, string(in.TenantID), string(in.CallID))
	log := observability.LoggerFromContext(ctx)
	key := session.Key{TenantID: in.TenantID, CallID: in.CallID}

	unlock, err := s.locks.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	final, err := s.sessions.Finalize(ctx, key, in.Outcome)
	if final != nil && s.router != nil {
		s.router.RecordOutcome(ctx, in.TenantID, final.Served, in.Outcome)
	}
	if err != nil {
		log.Error("failed to archive call", "error", err)
		return final, err
	}

	log.Info("call ended",
		"outcome", in.Outcome,
		"turns", final.Turn,
		"served", len(final.Served))
	return final, nil
}

// GetCall returns the call's current session, or ErrNotFound when no tier
// knows it.
func (s *Service) GetCall(ctx context.Context, tenant domain.TenantID, call domain.CallID) (*domain.CallSession, error) {
	sess, src := s.sessions.Get(ctx, session.Key{TenantID: tenant, CallID: call}, "")
	if src == session.SourceFresh {
		return nil, fmt.Errorf("call %s: %w", call, domain.ErrNotFound)
	}
	return sess, nil
}
