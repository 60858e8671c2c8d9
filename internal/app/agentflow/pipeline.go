package agentflow

import (
	"context"
	"fmt"
	"time"

	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
	"github.com/PabloGalante/callcore/internal/observability"
)

// Event is something a stage did that the turn handler must persist
// synchronously.
type Event string

const (
	EventTransfer Event = "transfer"
	EventBooking  Event = "booking"
)

// Turn is the state one caller utterance moves through. Stages mutate
// Session, which is the handler's private copy.
type Turn struct {
	Utterance string
	Session   *domain.CallSession
	Config    config.TenantConfig
	Artifact  *policy.Artifact

	// Set by the stages.
	Extracted      map[string]string
	Classification *domain.ClassificationResult
	Draft          policy.Draft
	Owner          domain.Owner
	Result         policy.Result
	Decisions      []domain.StageDecision
	Events         []Event
}

func NewTurn(utterance string, sess *domain.CallSession, cfg config.TenantConfig, art *policy.Artifact) *Turn {
	return &Turn{
		Utterance: utterance,
		Session:   sess,
		Config:    cfg,
		Artifact:  art,
		Extracted: make(map[string]string),
	}
}

// drafted reports whether an earlier stage already owns the turn.
func (t *Turn) drafted() bool { return t.Owner != "" }

func (t *Turn) draft(owner domain.Owner, response string, action domain.Action) {
	t.Owner = owner
	t.Draft = policy.Draft{Response: response, Action: action}
}

func (t *Turn) emit(e Event) {
	for _, have := range t.Events {
		if have == e {
			return
		}
	}
	t.Events = append(t.Events, e)
}

// HasEvent reports whether a stage emitted e during this turn.
func (t *Turn) HasEvent(e Event) bool {
	for _, have := range t.Events {
		if have == e {
			return true
		}
	}
	return false
}

func (t *Turn) sessionContext() domain.SessionContext {
	return domain.SessionContext{
		TenantID: t.Session.TenantID,
		CallID:   t.Session.CallID,
		CallerID: t.Session.CallerID,
		Turn:     t.Session.Turn,
		Lane:     t.Session.Lane,
	}
}

// Stage is one named step of a turn. Run must return a decision even when
// it does nothing.
type Stage interface {
	Name() domain.StageName
	Run(ctx context.Context, t *Turn) (domain.StageDecision, error)
}

// Pipeline runs stages in order.
type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// NewDefaultPipeline wires extract -> triage -> discovery -> booking ->
// closing -> triggers -> policy.
func NewDefaultPipeline(classifier Classifier, engine *policy.Engine) *Pipeline {
	return NewPipeline(
		NewExtractStage(),
		NewTriageStage(classifier),
		NewDiscoveryStage(),
		NewBookingStage(),
		NewClosingStage(),
		NewTriggerStage(),
		NewPolicyStage(engine),
	)
}

// Run executes every stage. A failing stage is recorded and the next one
// still runs.
func (p *Pipeline) Run(ctx context.Context, t *Turn) error {
	if len(p.stages) == 0 {
		return fmt.Errorf("no stages configured in pipeline")
	}

	log := observability.LoggerFromContext(ctx)
	for _, st := range p.stages {
		start := time.Now()

		d, err := st.Run(ctx, t)
		if err != nil {
			log.Error("stage failed",
				"stage", st.Name(),
				"error", err)
			d = domain.StageDecision{
				Stage:     st.Name(),
				Attempted: true,
				Outcome:   domain.DecisionFailed,
				Reason:    err.Error(),
			}
		}
		if d.Stage == "" {
			d.Stage = st.Name()
		}
		d.Latency = time.Since(start)
		t.Decisions = append(t.Decisions, d)

		log.Debug("stage end",
			"stage", st.Name(),
			"outcome", d.Outcome,
			"elapsed_ms", d.Latency.Milliseconds())
	}
	return nil
}
