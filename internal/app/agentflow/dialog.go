package agentflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PabloGalante/callcore/internal/config"
	"github.com/PabloGalante/callcore/internal/domain"
)

var fillerRe = regexp.MustCompile(`(?i)^(?:it's|its|it is|that's|thats|sure|yes|yeah|um+|uh+|well|so|my \w+ is)[,\s]+`)

// reply is what one pass of a slot flow decided.
type reply struct {
	text     string
	action   domain.Action
	reason   string
	complete bool
}

// slotFlow walks an ordered list of slot steps for one lane. The session
// keeps the bookkeeping: AwaitingConfirm, LastAsked, Progress (the
// frontier), Asks and Skipped.
type slotFlow struct {
	t       *Turn
	steps   []config.SlotStep
	summary bool
}

func (f *slotFlow) run() reply {
	sess := f.t.Session
	if slot := sess.AwaitingConfirm; slot != "" {
		if r, ok := f.confirmation(slot); ok {
			return r
		}
	} else if sess.LastAsked != "" {
		f.freeText(sess.LastAsked)
	}
	return f.next()
}

// confirmation handles the answer to a confirm prompt. It returns ok when
// the answer itself decides the reply.
func (f *slotFlow) confirmation(slot string) (reply, bool) {
	sess := f.t.Session
	yes := isAffirmative(f.t.Utterance)
	no := isNegative(f.t.Utterance)

	if slot == domain.SummaryConfirmation {
		sess.AwaitingConfirm = ""
		switch {
		case yes:
			// Values given in this same answer were never read back; they
			// stay pending and the summary is asked again.
			for _, st := range f.steps {
				if _, fresh := f.t.Extracted[st.Slot]; !fresh {
					sess.Slots.Confirm(st.Slot)
				}
			}
		case no && len(f.t.Extracted) == 0:
			return f.ask(-1, domain.SummaryConfirmation, f.t.Config.Discovery.CorrectionPrompt, "summary rejected, asking for the correction"), true
		}
		return reply{}, false
	}

	_, fresh := f.t.Extracted[slot]
	switch {
	case fresh:
		// A new value, even after a "yes"; next() reads it back.
	case yes:
		sess.Slots.Confirm(slot)
		sess.AwaitingConfirm = ""
	case no:
		sess.Slots.Reject(slot)
		sess.AwaitingConfirm = ""
		sess.LastAsked = slot
	}
	return reply{}, false
}

// freeText stores the utterance as the answer to the last question when the
// extractor found nothing for it.
func (f *slotFlow) freeText(slot string) {
	if _, ok := f.t.Extracted[slot]; ok {
		return
	}
	st, ok := f.step(slot)
	if !ok || !st.FreeText || isRefusal(f.t.Utterance) {
		return
	}

	text := f.t.Utterance
	for _, v := range f.t.Extracted {
		text = strings.Replace(text, v, " ", 1)
	}
	text = strings.TrimSpace(text)
	for {
		trimmed := fillerRe.ReplaceAllString(text, "")
		if trimmed == text {
			break
		}
		text = strings.TrimSpace(trimmed)
	}
	text = strings.Trim(text, " .,;!?")
	if text == "" {
		return
	}
	f.t.Session.Slots.SetPending(domain.Slot{Name: slot, Value: text, Turn: f.t.Session.Turn, Source: "answer"})
	f.t.Extracted[slot] = text
}

// next picks the next question. Pending slots behind the frontier are left
// for the summary instead of being asked again.
func (f *slotFlow) next() reply {
	sess := f.t.Session
	for i, st := range f.steps {
		if sess.Slots.IsConfirmed(st.Slot) || sess.IsSkipped(st.Slot) {
			continue
		}
		if sess.Slots.IsPending(st.Slot) {
			if !st.Confirm || i < sess.Progress {
				continue
			}
			value, _ := sess.Slots.Value(st.Slot)
			prompt := render(st.ConfirmPrompt, map[string]string{"value": value})
			return f.ask(i, "confirm:"+st.Slot, prompt, "confirming "+st.Slot)
		}
		if !st.Required {
			continue
		}
		return f.ask(i, st.Slot, st.Prompt, "asking for "+st.Slot)
	}

	if f.summary && f.hasPending() {
		prompt := render(f.t.Config.Discovery.SummaryPrompt, map[string]string{"summary": f.summaryText()})
		return f.ask(-1, domain.SummaryConfirmation, prompt, "summary confirmation")
	}
	return reply{complete: true, reason: "all slots collected"}
}

// ask records the question and applies the loop guard.
func (f *slotFlow) ask(index int, key, prompt, reason string) reply {
	sess := f.t.Session
	cfg := f.t.Config.Discovery
	if sess.Asks == nil {
		sess.Asks = make(map[string]int)
	}
	sess.Asks[key]++
	reprompts := sess.Asks[key] - 1

	if reprompts > cfg.MaxReprompts {
		slot := strings.TrimPrefix(key, "confirm:")
		switch cfg.LoopPolicy {
		case config.LoopSkip:
			sess.AwaitingConfirm = ""
			sess.LastAsked = ""
			if key == domain.SummaryConfirmation {
				return reply{complete: true, reason: "summary re-prompt limit reached, skipping"}
			}
			sess.Skipped = append(sess.Skipped, slot)
			return f.next()
		case config.LoopRephrase:
			st, ok := f.step(slot)
			if reprompts == cfg.MaxReprompts+1 && ok && st.AltPrompt != "" && key == slot {
				prompt = st.AltPrompt
				reason = "rephrasing " + slot
				break
			}
			return f.escalate(slot)
		default:
			return f.escalate(slot)
		}
	}

	if index > sess.Progress {
		sess.Progress = index
	}
	switch {
	case key == domain.SummaryConfirmation && strings.HasPrefix(reason, "summary rejected"):
		sess.AwaitingConfirm = ""
		sess.LastAsked = ""
	case key == domain.SummaryConfirmation:
		sess.AwaitingConfirm = domain.SummaryConfirmation
		sess.LastAsked = ""
	case strings.HasPrefix(key, "confirm:"):
		sess.AwaitingConfirm = strings.TrimPrefix(key, "confirm:")
		sess.LastAsked = ""
	default:
		sess.AwaitingConfirm = ""
		sess.LastAsked = key
	}
	return reply{text: prompt, action: domain.ActionContinue, reason: reason}
}

func (f *slotFlow) escalate(slot string) reply {
	sess := f.t.Session
	sess.AwaitingConfirm = ""
	sess.LastAsked = ""
	sess.Lane = domain.LaneClosed

	r := reply{
		text:   f.t.Config.Messages.Escalation,
		action: domain.ActionTakeMessage,
		reason: fmt.Sprintf("re-prompt limit reached for %s, escalating", slot),
	}
	if target := f.t.Config.FallbackTransferTarget; target != "" {
		r.action = domain.ActionTransfer
		f.t.Draft.TransferTarget = target
	}
	return r
}

func (f *slotFlow) step(slot string) (config.SlotStep, bool) {
	for _, st := range f.steps {
		if st.Slot == slot {
			return st, true
		}
	}
	return config.SlotStep{}, false
}

func (f *slotFlow) hasPending() bool {
	for _, st := range f.steps {
		if f.t.Session.Slots.IsPending(st.Slot) {
			return true
		}
	}
	return false
}

func (f *slotFlow) summaryText() string {
	var parts []string
	for _, st := range f.steps {
		if v, ok := f.t.Session.Slots.Value(st.Slot); ok {
			parts = append(parts, strings.ReplaceAll(st.Slot, "_", " ")+" "+v)
		}
	}
	return strings.Join(parts, ", ")
}

// render fills {key} placeholders.
func render(tpl string, values map[string]string) string {
	for k, v := range values {
		tpl = strings.ReplaceAll(tpl, "{"+k+"}", v)
	}
	return tpl
}

func slotValues(s domain.SlotSet) map[string]string {
	out := make(map[string]string, len(s.Confirmed)+len(s.Pending))
	for k, v := range s.Confirmed {
		out[k] = v.Value
	}
	for k, v := range s.Pending {
		out[k] = v.Value
	}
	return out
}

// finish turns a flow reply into the turn's draft.
func finish(t *Turn, stage domain.StageName, owner domain.Owner, r reply) domain.StageDecision {
	action := r.action
	if action == "" {
		action = domain.ActionContinue
	}
	target := t.Draft.TransferTarget
	t.draft(owner, r.text, action)
	t.Draft.TransferTarget = target
	return domain.StageDecision{Stage: stage, Attempted: true, Outcome: domain.DecisionApplied, Reason: r.reason}
}

// DiscoveryStage collects the tenant's discovery slots.
type DiscoveryStage struct{}

func NewDiscoveryStage() *DiscoveryStage { return &DiscoveryStage{} }

func (s *DiscoveryStage) Name() domain.StageName { return domain.StageDialog }

func (s *DiscoveryStage) Run(_ context.Context, t *Turn) (domain.StageDecision, error) {
	if t.drafted() {
		return domain.Skipped(domain.StageDialog, fmt.Sprintf("turn already answered by %s", t.Owner)), nil
	}
	if t.Session.Lane != domain.LaneDiscovery {
		return domain.Skipped(domain.StageDialog, fmt.Sprintf("lane is %s", t.Session.Lane)), nil
	}

	flow := &slotFlow{t: t, steps: t.Config.Discovery.Steps, summary: true}
	r := flow.run()
	if !r.complete {
		return finish(t, domain.StageDialog, domain.OwnerDiscovery, r), nil
	}

	sess := t.Session
	sess.AwaitingConfirm = ""
	sess.LastAsked = ""
	sess.Progress = 0
	if t.Config.Booking.Enabled && len(t.Config.Booking.Steps) > 0 {
		sess.Lane = domain.LaneBooking
		return domain.StageDecision{
			Stage:     domain.StageDialog,
			Attempted: true,
			Outcome:   domain.DecisionApplied,
			Reason:    "discovery complete, moving to booking",
		}, nil
	}

	sess.Lane = domain.LaneClosed
	return finish(t, domain.StageDialog, domain.OwnerDiscovery, reply{
		text:   t.Config.Messages.Completion,
		action: domain.ActionTakeMessage,
		reason: "discovery complete, taking a message",
	}), nil
}

// BookingStage collects the appointment and books it.
type BookingStage struct{}

func NewBookingStage() *BookingStage { return &BookingStage{} }

func (s *BookingStage) Name() domain.StageName { return domain.StageBooking }

func (s *BookingStage) Run(_ context.Context, t *Turn) (domain.StageDecision, error) {
	if t.drafted() {
		return domain.Skipped(domain.StageBooking, fmt.Sprintf("turn already answered by %s", t.Owner)), nil
	}
	if t.Session.Lane != domain.LaneBooking {
		return domain.Skipped(domain.StageBooking, fmt.Sprintf("lane is %s", t.Session.Lane)), nil
	}

	flow := &slotFlow{t: t, steps: t.Config.Booking.Steps}
	r := flow.run()
	if !r.complete {
		return finish(t, domain.StageBooking, domain.OwnerBooking, r), nil
	}

	sess := t.Session
	sess.AwaitingConfirm = ""
	sess.LastAsked = ""
	sess.Lane = domain.LaneClosed
	t.emit(EventBooking)
	return finish(t, domain.StageBooking, domain.OwnerBooking, reply{
		text:   render(t.Config.Booking.BookedMessage, slotValues(sess.Slots)),
		action: domain.ActionContinue,
		reason: "appointment booked",
	}), nil
}

// ClosingStage ends calls whose conversation is over.
type ClosingStage struct{}

func NewClosingStage() *ClosingStage { return &ClosingStage{} }

func (s *ClosingStage) Name() domain.StageName { return domain.StageClosing }

func (s *ClosingStage) Run(_ context.Context, t *Turn) (domain.StageDecision, error) {
	if t.drafted() {
		return domain.Skipped(domain.StageClosing, fmt.Sprintf("turn already answered by %s", t.Owner)), nil
	}
	if t.Session.Lane != domain.LaneClosed {
		return domain.Skipped(domain.StageClosing, fmt.Sprintf("lane is %s", t.Session.Lane)), nil
	}
	t.draft(domain.OwnerClosing, t.Config.Messages.Closing, domain.ActionHangup)
	return domain.StageDecision{
		Stage:     domain.StageClosing,
		Attempted: true,
		Outcome:   domain.DecisionApplied,
		Reason:    "call is closed, hanging up",
	}, nil
}
