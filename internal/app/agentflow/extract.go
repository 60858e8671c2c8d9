package agentflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PabloGalante/callcore/internal/domain"
)

// Slot names the extractor knows how to fill.
const (
	SlotName            = "name"
	SlotAddress         = "address"
	SlotPhone           = "phone"
	SlotReason          = "reason"
	SlotAppointmentTime = "appointment_time"
)

var (
	nameRe = regexp.MustCompile(`(?i:\b(?:this is|my name is|i am|i'm|name is|name's)\s+)((?:(?i:mr|mrs|ms|miss|dr)\.?\s+)?[A-Z][a-z'-]+(?:\s+[A-Z][a-z'-]+)?)`)

	addressRe = regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[a-z0-9.'-]+\s+){0,3}?(?:st|street|ave|avenue|rd|road|blvd|boulevard|dr|drive|ln|lane|ct|court|way|pl|place|pkwy|parkway|ter|terrace|cir|circle|hwy|highway)\b\.?`)

	phoneRe = regexp.MustCompile(`(?:\+?1[\s.-]?)?\(?\b\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)

	timeRe = regexp.MustCompile(`(?i)\b(?:(?:next\s+)?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|today|tomorrow)(?:\s+(?:morning|afternoon|evening))?(?:\s+(?:at\s+)?\d{1,2}(?::\d{2})?\s*(?:am|pm|a\.m\.|p\.m\.)?)?|\bat\s+\d{1,2}(?::\d{2})?\s*(?:am|pm|a\.m\.|p\.m\.)`)

	clauseSplitRe = regexp.MustCompile(`[.,;!?\x{2014}\x{2013}]+|\s-\s|\bbecause\b|\bbut\b`)

	troubleRe = regexp.MustCompile(`(?i)\b(?:down|broken|broke|not working|isn't working|isnt working|won't|wont|stopped|leak|leaking|flooding|clogged|no heat|no hot water|not cooling|not heating|noise|noisy|smell|smells|repair|fix|install|replace|maintenance|tune-up|tune up|service|quote|estimate)\b`)
)

// Extract pulls slot values out of an utterance. Only slots in allowed are
// returned. Values are never confirmed here.
func Extract(utterance string, turn int, allowed []string) []domain.Slot {
	want := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		want[a] = true
	}

	var out []domain.Slot
	add := func(name, value string) {
		value = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(value), ".,;!?"))
		if !want[name] || value == "" {
			return
		}
		out = append(out, domain.Slot{Name: name, Value: value, Turn: turn, Source: "extract"})
	}

	if m := nameRe.FindStringSubmatch(utterance); m != nil {
		add(SlotName, m[1])
	}
	address := addressRe.FindString(utterance)
	add(SlotAddress, address)
	add(SlotPhone, phoneRe.FindString(utterance))
	add(SlotAppointmentTime, timeRe.FindString(utterance))

	for _, clause := range clauseSplitRe.Split(utterance, -1) {
		c := strings.TrimSpace(clause)
		if c == "" || (address != "" && strings.Contains(address, c)) {
			continue
		}
		if troubleRe.MatchString(c) {
			add(SlotReason, c)
			break
		}
	}
	return out
}

// ExtractStage fills pending slots from the utterance.
type ExtractStage struct{}

func NewExtractStage() *ExtractStage { return &ExtractStage{} }

func (s *ExtractStage) Name() domain.StageName { return domain.StageExtract }

func (s *ExtractStage) Run(_ context.Context, t *Turn) (domain.StageDecision, error) {
	if t.Session.Lane == domain.LaneClosed {
		return domain.Skipped(domain.StageExtract, "call is closed"), nil
	}
	if strings.TrimSpace(t.Utterance) == "" {
		return domain.Skipped(domain.StageExtract, "empty utterance"), nil
	}

	slots := Extract(t.Utterance, t.Session.Turn, t.Config.SlotNames())
	d := domain.StageDecision{Stage: domain.StageExtract, Attempted: true}
	if len(slots) == 0 {
		d.Outcome = domain.DecisionNoMatch
		d.Reason = "no slot values found"
		return d, nil
	}

	names := make([]string, 0, len(slots))
	for _, sl := range slots {
		t.Session.Slots.SetPending(sl)
		t.Extracted[sl.Name] = sl.Value
		names = append(names, sl.Name)
	}
	d.Outcome = domain.DecisionMatched
	d.Reason = fmt.Sprintf("pending: %s", strings.Join(names, ", "))
	return d, nil
}
