package domain

import (
	"strings"
	"time"
)

type TenantID string
type CallID string
type CallerID string
type ScenarioID string
type RuleID string
type SuggestionID string

// Action is what the telephony collaborator does after a turn.
type Action string

const (
	ActionContinue    Action = "CONTINUE"
	ActionTransfer    Action = "TRANSFER"
	ActionTakeMessage Action = "TAKE_MESSAGE"
	ActionHangup      Action = "HANGUP"
)

// Actions lists every action the core may return.
func Actions() []Action {
	return []Action{ActionContinue, ActionTransfer, ActionTakeMessage, ActionHangup}
}

func (a Action) Valid() bool {
	switch a {
	case ActionContinue, ActionTransfer, ActionTakeMessage, ActionHangup:
		return true
	}
	return false
}

// ParseAction accepts the wire spelling in any case ("transfer", "TAKE_MESSAGE").
func ParseAction(s string) (Action, bool) {
	a := Action(upper(s))
	return a, a.Valid()
}

// Lane is the conversation state of a call.
type Lane string

const (
	LaneDiscovery Lane = "DISCOVERY"
	LaneBooking   Lane = "BOOKING"
	LaneClosed    Lane = "CLOSED"
)

// Owner records which stage produced the draft response of a turn.
type Owner string

const (
	OwnerTriage    Owner = "TRIAGE"
	OwnerDiscovery Owner = "DISCOVERY"
	OwnerBooking   Owner = "BOOKING"
	OwnerClosing   Owner = "CLOSING"
	OwnerPolicy    Owner = "POLICY"
	OwnerFallback  Owner = "FALLBACK"
)

// CallOutcome is how a call ended, reported by the telephony collaborator.
type CallOutcome string

const (
	OutcomeResolved     CallOutcome = "RESOLVED"
	OutcomeBooked       CallOutcome = "BOOKED"
	OutcomeTransferred  CallOutcome = "TRANSFERRED"
	OutcomeMessageTaken CallOutcome = "MESSAGE_TAKEN"
	OutcomeAbandoned    CallOutcome = "ABANDONED"
)

func (o CallOutcome) Valid() bool {
	switch o {
	case OutcomeResolved, OutcomeBooked, OutcomeTransferred, OutcomeMessageTaken, OutcomeAbandoned:
		return true
	}
	return false
}

// Successful reports whether the caller's need was met without a human.
func (o CallOutcome) Successful() bool {
	return o == OutcomeResolved || o == OutcomeBooked
}

func ParseCallOutcome(s string) (CallOutcome, bool) {
	o := CallOutcome(upper(s))
	switch o {
	case OutcomeResolved, OutcomeBooked, OutcomeTransferred, OutcomeMessageTaken, OutcomeAbandoned:
		return o, true
	}
	return "", false
}

// BehaviorFlag is a caller-state signal consumed by behavior rules.
type BehaviorFlag string

const (
	FlagFrustration BehaviorFlag = "frustration"
	FlagDistrust    BehaviorFlag = "distrust"
	FlagRefusal     BehaviorFlag = "refusal"
	FlagRepeat      BehaviorFlag = "repeat"
)

func (f BehaviorFlag) Valid() bool {
	switch f {
	case FlagFrustration, FlagDistrust, FlagRefusal, FlagRepeat:
		return true
	}
	return false
}

type Timestamp = time.Time

func upper(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
