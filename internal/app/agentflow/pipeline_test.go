package agentflow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/callcore/internal/app/agentflow"
	"github.com/PabloGalante/callcore/internal/app/policy"
	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
)

const scenarioUtterance = "This is Mrs. Johnson, 123 Market St — AC is down"

type fixedClassifier struct {
	res   domain.ClassificationResult
	calls int
}

func (f *fixedClassifier) Classify(context.Context, string, domain.SessionContext) domain.ClassificationResult {
	f.calls++
	return f.res
}

var acDown = domain.ClassificationResult{
	Tier:       domain.TierSemantic,
	ScenarioID: "ac-down",
	Intent:     "ac_repair",
	Category:   "TROUBLESHOOT",
	Confidence: 0.89,
	Response:   "Sorry to hear that. Is your thermostat set to cool?",
	Action:     domain.ActionContinue,
}

func tenantConfig() config.TenantConfig {
	cfg := config.DefaultTenantConfig("acme")
	cfg.Triage.AllowedCategories = []string{"TROUBLESHOOT"}
	return cfg
}

func buildArtifact(t *testing.T, doc string) *policy.Artifact {
	t.Helper()
	rs, err := policy.ParseRuleSet([]byte(doc))
	require.NoError(t, err)
	art, _, err := policy.Build(rs, time.Now())
	require.NoError(t, err)
	return art
}

func newSession() *domain.CallSession {
	return domain.NewCallSession("acme", "call-1", "+15551234567", time.Now())
}

func runTurn(t *testing.T, p *agentflow.Pipeline, sess *domain.CallSession, cfg config.TenantConfig, art *policy.Artifact, utterance string) *agentflow.Turn {
	t.Helper()
	sess.Turn++
	turn := agentflow.NewTurn(utterance, sess, cfg, art)
	require.NoError(t, p.Run(context.Background(), turn))
	return turn
}

func decision(t *testing.T, turn *agentflow.Turn, stage domain.StageName) domain.StageDecision {
	t.Helper()
	for _, d := range turn.Decisions {
		if d.Stage == stage {
			return d
		}
	}
	t.Fatalf("no decision recorded for stage %s", stage)
	return domain.StageDecision{}
}

func TestTriageAnswersFromScenario(t *testing.T) {
	cls := &fixedClassifier{res: acDown}
	p := agentflow.NewDefaultPipeline(cls, nil)
	sess := newSession()

	turn := runTurn(t, p, sess, tenantConfig(), nil, scenarioUtterance)

	assert.Equal(t, domain.OwnerTriage, turn.Owner)
	assert.Equal(t, domain.ActionContinue, turn.Result.Action)
	assert.Equal(t, acDown.Response, turn.Result.Response)

	for _, slot := range []string{"name", "address", "reason"} {
		assert.True(t, sess.Slots.IsPending(slot), slot)
		assert.False(t, sess.Slots.IsConfirmed(slot), slot)
	}
	v, _ := sess.Slots.Value("address")
	assert.Equal(t, "123 Market St", v)

	tri := decision(t, turn, domain.StageTriage)
	assert.True(t, tri.Attempted)
	assert.Equal(t, domain.DecisionMatched, tri.Outcome)
	assert.Equal(t, domain.DecisionSkipped, decision(t, turn, domain.StageDialog).Outcome)
	require.Len(t, sess.Served, 1)
	assert.Equal(t, domain.ScenarioID("ac-down"), sess.Served[0].ScenarioID)
}

func TestTriageDisabledFallsThroughToDiscovery(t *testing.T) {
	cls := &fixedClassifier{res: acDown}
	p := agentflow.NewDefaultPipeline(cls, nil)
	cfg := tenantConfig()
	cfg.Triage.Enabled = false

	turn := runTurn(t, p, newSession(), cfg, nil, scenarioUtterance)

	tri := decision(t, turn, domain.StageTriage)
	assert.False(t, tri.Attempted)
	assert.Equal(t, domain.DecisionSkipped, tri.Outcome)
	assert.Equal(t, "triage disabled by tenant configuration", tri.Reason)
	assert.Zero(t, cls.calls)

	assert.Equal(t, domain.OwnerDiscovery, turn.Owner)
	assert.Equal(t, "Just to confirm, your name is Mrs. Johnson?", turn.Result.Response)
}

func TestTriageRejectsDisallowedCategory(t *testing.T) {
	res := acDown
	res.Category = "SALES"
	res.Confidence = 0.97
	p := agentflow.NewDefaultPipeline(&fixedClassifier{res: res}, nil)

	turn := runTurn(t, p, newSession(), tenantConfig(), nil, scenarioUtterance)

	tri := decision(t, turn, domain.StageTriage)
	assert.Equal(t, domain.DecisionNoMatch, tri.Outcome)
	assert.Contains(t, tri.Reason, "not in allowed categories")
	assert.Equal(t, domain.OwnerDiscovery, turn.Owner)
}

func TestTriageRejectsLowConfidence(t *testing.T) {
	res := acDown
	res.Confidence = 0.6
	p := agentflow.NewDefaultPipeline(&fixedClassifier{res: res}, nil)

	turn := runTurn(t, p, newSession(), tenantConfig(), nil, scenarioUtterance)

	tri := decision(t, turn, domain.StageTriage)
	assert.Equal(t, domain.DecisionNoMatch, tri.Outcome)
	assert.Contains(t, tri.Reason, "below triage threshold")
}

func TestTransferRuleOverridesDraft(t *testing.T) {
	art := buildArtifact(t, `
tenant_id: acme
allowed_actions: [CONTINUE, TRANSFER, TAKE_MESSAGE, HANGUP]
transfer_targets:
  manager: "+15550001111"
rules:
  - id: manager
    kind: transfer
    priority: 10
    patterns: ["manager"]
    target: manager
`)
	p := agentflow.NewDefaultPipeline(&fixedClassifier{res: domain.UnknownResult("no tier matched")}, nil)

	turn := runTurn(t, p, newSession(), tenantConfig(), art, "I want to speak to a manager")

	assert.Equal(t, domain.ActionTransfer, turn.Result.Action)
	assert.Equal(t, "+15550001111", turn.Result.TransferTarget)
	assert.Equal(t, domain.OwnerPolicy, turn.Owner)
	assert.True(t, turn.HasEvent(agentflow.EventTransfer))
	assert.Equal(t, []domain.RuleID{"manager"}, decision(t, turn, domain.StagePolicy).RuleIDs)
}

func TestDiscoveryConfirmsEachSlotThenSummarizes(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	turn := runTurn(t, p, sess, cfg, nil, scenarioUtterance)
	assert.Equal(t, "Just to confirm, your name is Mrs. Johnson?", turn.Result.Response)
	assert.False(t, sess.Slots.IsConfirmed("name"))

	turn = runTurn(t, p, sess, cfg, nil, "yes")
	assert.True(t, sess.Slots.IsConfirmed("name"))
	assert.Equal(t, "I have the address as 123 Market St. Is that right?", turn.Result.Response)

	turn = runTurn(t, p, sess, cfg, nil, "yep")
	assert.True(t, sess.Slots.IsConfirmed("address"))
	assert.False(t, sess.Slots.IsConfirmed("reason"), "reason is only confirmed by the summary")
	assert.Equal(t,
		"Let me make sure I have this right: name Mrs. Johnson, address 123 Market St, reason AC is down. Is that correct?",
		turn.Result.Response)
	assert.Equal(t, domain.SummaryConfirmation, sess.AwaitingConfirm)

	turn = runTurn(t, p, sess, cfg, nil, "that's right")
	assert.True(t, sess.Slots.IsConfirmed("reason"))
	assert.Equal(t, domain.ActionTakeMessage, turn.Result.Action)
	assert.Equal(t, cfg.Messages.Completion, turn.Result.Response)
	assert.Equal(t, domain.LaneClosed, sess.Lane)

	turn = runTurn(t, p, sess, cfg, nil, "thanks, bye")
	assert.Equal(t, domain.OwnerClosing, turn.Owner)
	assert.Equal(t, domain.ActionHangup, turn.Result.Action)
	assert.Equal(t, domain.DecisionSkipped, decision(t, turn, domain.StageExtract).Outcome)
}

func TestAffirmativeWithNewValueReadsItBack(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, scenarioUtterance)
	turn := runTurn(t, p, sess, cfg, nil, "yes")
	require.Equal(t, "I have the address as 123 Market St. Is that right?", turn.Result.Response)

	turn = runTurn(t, p, sess, cfg, nil, "yeah it's 456 Oak Ave")
	v, _ := sess.Slots.Value("address")
	assert.Equal(t, "456 Oak Ave", v)
	assert.False(t, sess.Slots.IsConfirmed("address"), "a value the caller never heard back stays pending")
	assert.Equal(t, "I have the address as 456 Oak Ave. Is that right?", turn.Result.Response)

	runTurn(t, p, sess, cfg, nil, "yes")
	assert.True(t, sess.Slots.IsConfirmed("address"))
}

func TestSummaryAffirmativeKeepsNewValuesPending(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, scenarioUtterance)
	runTurn(t, p, sess, cfg, nil, "yes")
	runTurn(t, p, sess, cfg, nil, "yes")
	require.Equal(t, domain.SummaryConfirmation, sess.AwaitingConfirm)

	turn := runTurn(t, p, sess, cfg, nil, "yeah it's 456 Oak Ave")
	assert.True(t, sess.Slots.IsConfirmed("name"))
	assert.False(t, sess.Slots.IsConfirmed("address"))
	assert.Contains(t, turn.Result.Response, "456 Oak Ave")
	assert.NotEqual(t, domain.LaneClosed, sess.Lane)
}

func TestRejectedConfirmationReasksAndTakesFreeText(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, "Hi, this is Mrs. Jonson")
	turn := runTurn(t, p, sess, cfg, nil, "no")
	assert.False(t, sess.Slots.Has("name"))
	assert.Equal(t, "Can I get your name, please?", turn.Result.Response)

	turn = runTurn(t, p, sess, cfg, nil, "It's Johnson.")
	v, _ := sess.Slots.Value("name")
	assert.Equal(t, "Johnson", v)
	assert.False(t, sess.Slots.IsConfirmed("name"))
	assert.Equal(t, "Just to confirm, your name is Johnson?", turn.Result.Response)
}

func TestSummaryRejectionAsksForCorrection(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, scenarioUtterance)
	runTurn(t, p, sess, cfg, nil, "yes")
	runTurn(t, p, sess, cfg, nil, "yes")

	turn := runTurn(t, p, sess, cfg, nil, "no")
	assert.Equal(t, cfg.Discovery.CorrectionPrompt, turn.Result.Response)
	assert.False(t, sess.Slots.IsConfirmed("reason"))

	turn = runTurn(t, p, sess, cfg, nil, "the furnace is broken")
	v, _ := sess.Slots.Value("reason")
	assert.Equal(t, "the furnace is broken", v)
	assert.Contains(t, turn.Result.Response, "reason the furnace is broken")
}

func TestSlotsBehindFrontierAreNotReasked(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, "this is Mrs. Johnson")
	turn := runTurn(t, p, sess, cfg, nil, "yes")
	assert.Equal(t, "What's the address for the service?", turn.Result.Response)

	// A different name un-confirms the slot, but the dialog moves on.
	turn = runTurn(t, p, sess, cfg, nil, "123 Market St, and this is Mrs. Jonson")
	assert.True(t, sess.Slots.IsPending("name"))
	assert.Equal(t, "I have the address as 123 Market St. Is that right?", turn.Result.Response)

	turn = runTurn(t, p, sess, cfg, nil, "yes")
	assert.Equal(t, "What can we help you with today?", turn.Result.Response)

	turn = runTurn(t, p, sess, cfg, nil, "the heater won't turn on")
	assert.Contains(t, turn.Result.Response, "name Mrs. Jonson")
	assert.Equal(t, domain.SummaryConfirmation, sess.AwaitingConfirm)
}

func loopConfig(policy config.LoopPolicy) config.TenantConfig {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	cfg.Discovery.Steps = []config.SlotStep{
		{Slot: "phone", Prompt: "What's the best number to reach you?", AltPrompt: "Could you give me a callback number?", Required: true},
	}
	cfg.Discovery.MaxReprompts = 1
	cfg.Discovery.LoopPolicy = policy
	return cfg
}

func TestLoopGuardEscalatesToFallbackTarget(t *testing.T) {
	cfg := loopConfig(config.LoopEscalate)
	cfg.FallbackTransferTarget = "front-desk"
	art := buildArtifact(t, `
tenant_id: acme
allowed_actions: [CONTINUE, TRANSFER, TAKE_MESSAGE, HANGUP]
transfer_targets:
  front-desk: "+15550002222"
`)
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	assert.Equal(t, "What's the best number to reach you?", runTurn(t, p, sess, cfg, art, "hello").Result.Response)
	assert.Equal(t, "What's the best number to reach you?", runTurn(t, p, sess, cfg, art, "hmm").Result.Response)

	turn := runTurn(t, p, sess, cfg, art, "what")
	assert.Equal(t, domain.ActionTransfer, turn.Result.Action)
	assert.Equal(t, "+15550002222", turn.Result.TransferTarget)
	assert.Equal(t, cfg.Messages.Escalation, turn.Result.Response)
	assert.Equal(t, domain.LaneClosed, sess.Lane)
}

func TestLoopGuardRephrasesOnceThenTakesMessage(t *testing.T) {
	cfg := loopConfig(config.LoopRephrase)
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, "hello")
	runTurn(t, p, sess, cfg, nil, "hmm")
	assert.Equal(t, "Could you give me a callback number?", runTurn(t, p, sess, cfg, nil, "what").Result.Response)

	turn := runTurn(t, p, sess, cfg, nil, "huh")
	assert.Equal(t, domain.ActionTakeMessage, turn.Result.Action)
	assert.Contains(t, decision(t, turn, domain.StageDialog).Reason, "re-prompt limit reached for phone")
}

func TestLoopGuardSkipsSlot(t *testing.T) {
	cfg := loopConfig(config.LoopSkip)
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, "hello")
	runTurn(t, p, sess, cfg, nil, "hmm")
	turn := runTurn(t, p, sess, cfg, nil, "what")

	assert.True(t, sess.IsSkipped("phone"))
	assert.Equal(t, domain.ActionTakeMessage, turn.Result.Action)
	assert.Equal(t, cfg.Messages.Completion, turn.Result.Response)
}

func TestBookingConfirmsAppointment(t *testing.T) {
	cfg := tenantConfig()
	cfg.Triage.Enabled = false
	cfg.Booking.Enabled = true
	p := agentflow.NewDefaultPipeline(nil, nil)
	sess := newSession()

	runTurn(t, p, sess, cfg, nil, scenarioUtterance)
	runTurn(t, p, sess, cfg, nil, "yes")
	runTurn(t, p, sess, cfg, nil, "yes")

	turn := runTurn(t, p, sess, cfg, nil, "yes")
	assert.Equal(t, domain.LaneBooking, sess.Lane)
	assert.Equal(t, domain.OwnerBooking, turn.Owner)
	assert.Equal(t, "When would you like us to come out?", turn.Result.Response)

	turn = runTurn(t, p, sess, cfg, nil, "tomorrow at 3pm")
	assert.Equal(t, "I can book you for tomorrow at 3pm. Shall I go ahead?", turn.Result.Response)
	assert.False(t, sess.Slots.IsConfirmed("appointment_time"))

	turn = runTurn(t, p, sess, cfg, nil, "yes please")
	assert.True(t, sess.Slots.IsConfirmed("appointment_time"))
	assert.Equal(t, "You're all set for tomorrow at 3pm. We'll see you then.", turn.Result.Response)
	assert.Equal(t, domain.ActionContinue, turn.Result.Action)
	assert.Equal(t, domain.LaneClosed, sess.Lane)
	assert.True(t, turn.HasEvent(agentflow.EventBooking))
}

func TestEveryStageLeavesADecision(t *testing.T) {
	p := agentflow.NewDefaultPipeline(&fixedClassifier{res: acDown}, nil)
	turn := runTurn(t, p, newSession(), tenantConfig(), nil, scenarioUtterance)

	for _, stage := range []domain.StageName{
		domain.StageExtract, domain.StageTriage, domain.StageDialog, domain.StageBooking,
		domain.StageClosing, domain.StageTrigger, domain.StagePolicy, domain.StagePolicyAllowlist,
	} {
		d := decision(t, turn, stage)
		assert.NotEmpty(t, d.Reason, stage)
	}
}

type failingStage struct{}

func (failingStage) Name() domain.StageName { return domain.StageTrigger }

func (failingStage) Run(context.Context, *agentflow.Turn) (domain.StageDecision, error) {
	return domain.StageDecision{}, errors.New("boom")
}

func TestFailedStageIsRecordedAndPipelineContinues(t *testing.T) {
	p := agentflow.NewPipeline(failingStage{}, agentflow.NewPolicyStage(nil))
	turn := runTurn(t, p, newSession(), tenantConfig(), nil, "hello")

	d := decision(t, turn, domain.StageTrigger)
	assert.Equal(t, domain.DecisionFailed, d.Outcome)
	assert.Equal(t, "boom", d.Reason)
	assert.Equal(t, domain.OwnerFallback, turn.Owner)
	assert.Equal(t, agentflow.FallbackPrompt, turn.Result.Response)
}

func TestActionAlwaysInClosedSet(t *testing.T) {
	utterances := []string{
		"", "   ", "yes", "no", "I want to speak to a manager", "$$$ 555-123-4567",
		"this is ridiculous, are you a robot?", scenarioUtterance, "tomorrow at 9am", "¿hola?",
	}
	cfg := tenantConfig()
	cfg.Booking.Enabled = true
	p := agentflow.NewDefaultPipeline(&fixedClassifier{res: acDown}, nil)
	sess := newSession()

	for _, u := range utterances {
		turn := runTurn(t, p, sess, cfg, nil, u)
		assert.True(t, turn.Result.Action.Valid(), "utterance %q", u)
		assert.NotEmpty(t, turn.Result.Response, "utterance %q", u)
	}
}

func TestDetectFlags(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		previous  string
		want      []domain.BehaviorFlag
	}{
		{name: "calm", utterance: "my AC is down", want: nil},
		{name: "frustration", utterance: "This is ridiculous!", want: []domain.BehaviorFlag{domain.FlagFrustration}},
		{name: "distrust", utterance: "Are you a robot?", want: []domain.BehaviorFlag{domain.FlagDistrust}},
		{name: "refusal", utterance: "I'd rather not say", want: []domain.BehaviorFlag{domain.FlagRefusal}},
		{name: "repeat", utterance: "My AC is down.", previous: "my ac is down", want: []domain.BehaviorFlag{domain.FlagRepeat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agentflow.DetectFlags(tt.utterance, tt.previous))
		})
	}
}

func TestExtract(t *testing.T) {
	all := []string{"name", "address", "phone", "reason", "appointment_time"}
	values := func(slots []domain.Slot) map[string]string {
		out := map[string]string{}
		for _, s := range slots {
			out[s.Name] = s.Value
		}
		return out
	}

	tests := []struct {
		name      string
		utterance string
		allowed   []string
		want      map[string]string
	}{
		{
			name:      "scenario utterance",
			utterance: scenarioUtterance,
			allowed:   all,
			want:      map[string]string{"name": "Mrs. Johnson", "address": "123 Market St", "reason": "AC is down"},
		},
		{
			name:      "phone and time",
			utterance: "call me at 555-123-4567, next Tuesday morning works",
			allowed:   all,
			want:      map[string]string{"phone": "555-123-4567", "appointment_time": "next Tuesday morning"},
		},
		{
			name:      "restricted to tenant slots",
			utterance: scenarioUtterance,
			allowed:   []string{"name"},
			want:      map[string]string{"name": "Mrs. Johnson"},
		},
		{
			name:      "lowercase words are not names",
			utterance: "I'm not sure",
			allowed:   all,
			want:      map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := agentflow.Extract(tt.utterance, 1, tt.allowed)
			assert.Equal(t, tt.want, values(got))
			for _, s := range got {
				assert.Equal(t, "extract", s.Source)
			}
		})
	}
}
