package agentflow

import (
	"context"
	"fmt"

	"github.com/PabloGalante/callcore/internal/domain"
)

// Classifier is the slice of the intent router triage needs.
type Classifier interface {
	Classify(ctx context.Context, utterance string, sc domain.SessionContext) domain.ClassificationResult
}

// TriageStage answers from the scenario catalog when the router is sure
// enough and the scenario's category may short-circuit discovery.
type TriageStage struct {
	classifier Classifier
}

func NewTriageStage(c Classifier) *TriageStage {
	return &TriageStage{classifier: c}
}

func (s *TriageStage) Name() domain.StageName { return domain.StageTriage }

func (s *TriageStage) Run(ctx context.Context, t *Turn) (domain.StageDecision, error) {
	cfg := t.Config.Triage
	switch {
	case !cfg.Enabled:
		return domain.Skipped(domain.StageTriage, "triage disabled by tenant configuration"), nil
	case t.Session.Lane != domain.LaneDiscovery:
		return domain.Skipped(domain.StageTriage, fmt.Sprintf("lane is %s, triage only runs during discovery", t.Session.Lane)), nil
	case s.classifier == nil:
		return domain.Skipped(domain.StageTriage, "no classifier configured"), nil
	}

	res := s.classifier.Classify(ctx, t.Utterance, t.sessionContext())
	t.Classification = &res

	d := domain.StageDecision{Stage: domain.StageTriage, Attempted: true, Outcome: domain.DecisionNoMatch}
	switch {
	case res.Unknown:
		d.Reason = "classifier returned unknown: " + res.Reason
		return d, nil
	case res.Confidence < cfg.Threshold:
		d.Reason = fmt.Sprintf("confidence %.2f from %s tier below triage threshold %.2f", res.Confidence, res.Tier, cfg.Threshold)
		return d, nil
	case !t.Config.CategoryAllowed(res.Category):
		d.Reason = fmt.Sprintf("category %q not in allowed categories %v", res.Category, cfg.AllowedCategories)
		return d, nil
	case res.Response == "":
		d.Reason = fmt.Sprintf("scenario %q has no response", res.ScenarioID)
		return d, nil
	}

	action := res.Action
	if action == "" {
		action = domain.ActionContinue
	}
	t.draft(domain.OwnerTriage, res.Response, action)
	t.Draft.TransferTarget = res.TransferTarget
	if res.ScenarioID != "" {
		t.Session.Served = append(t.Session.Served, domain.ServedScenario{
			ScenarioID: res.ScenarioID,
			Intent:     res.Intent,
			Category:   res.Category,
		})
	}

	d.Outcome = domain.DecisionMatched
	d.Reason = fmt.Sprintf("scenario %s (%s, %.2f) in allowed category %s", res.ScenarioID, res.Tier, res.Confidence, res.Category)
	return d, nil
}
