package domain

import "time"

// Slot is one named piece of information gathered from the caller.
type Slot struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Turn   int    `json:"turn"`
	Source string `json:"source,omitempty"` // "extract" or "answer"
}

// SlotSet separates what was heard from what the caller verified.
// A slot only reaches Confirmed through Confirm, never by being set.
type SlotSet struct {
	Pending   map[string]Slot `json:"pending"`
	Confirmed map[string]Slot `json:"confirmed"`
}

func NewSlotSet() SlotSet {
	return SlotSet{
		Pending:   make(map[string]Slot),
		Confirmed: make(map[string]Slot),
	}
}

// SetPending records an unverified value. Repeating a confirmed value is a
// no-op; a different value un-confirms the slot.
func (s *SlotSet) SetPending(slot Slot) {
	s.ensure()
	if c, ok := s.Confirmed[slot.Name]; ok {
		if c.Value == slot.Value {
			return
		}
		delete(s.Confirmed, slot.Name)
	}
	s.Pending[slot.Name] = slot
}

// Confirm promotes a pending slot. It must only be called from an explicit
// confirmation step.
func (s *SlotSet) Confirm(name string) bool {
	s.ensure()
	p, ok := s.Pending[name]
	if !ok {
		return false
	}
	delete(s.Pending, name)
	s.Confirmed[name] = p
	return true
}

// Reject drops a pending value the caller said was wrong.
func (s *SlotSet) Reject(name string) {
	s.ensure()
	delete(s.Pending, name)
}

func (s SlotSet) IsPending(name string) bool {
	_, ok := s.Pending[name]
	return ok
}

func (s SlotSet) IsConfirmed(name string) bool {
	_, ok := s.Confirmed[name]
	return ok
}

// Has reports whether the slot has any value, verified or not.
func (s SlotSet) Has(name string) bool {
	return s.IsPending(name) || s.IsConfirmed(name)
}

// Value prefers the pending value, which is the most recent thing heard.
func (s SlotSet) Value(name string) (string, bool) {
	if p, ok := s.Pending[name]; ok {
		return p.Value, true
	}
	if c, ok := s.Confirmed[name]; ok {
		return c.Value, true
	}
	return "", false
}

func (s SlotSet) Clone() SlotSet {
	out := NewSlotSet()
	for k, v := range s.Pending {
		out.Pending[k] = v
	}
	for k, v := range s.Confirmed {
		out.Confirmed[k] = v
	}
	return out
}

func (s *SlotSet) ensure() {
	if s.Pending == nil {
		s.Pending = make(map[string]Slot)
	}
	if s.Confirmed == nil {
		s.Confirmed = make(map[string]Slot)
	}
}

// ServedScenario remembers a canned answer given during a call so its
// resolution path can be scored when the call ends.
type ServedScenario struct {
	ScenarioID ScenarioID `json:"scenario_id"`
	Intent     string     `json:"intent"`
	Category   string     `json:"category"`
}

// SummaryConfirmation is the AwaitingConfirm marker for the all-slots summary.
const SummaryConfirmation = "*"

// CallSession is the per-call conversation state. Only the turn handler of
// the call mutates it.
type CallSession struct {
	TenantID TenantID `json:"tenant_id"`
	CallID   CallID   `json:"call_id"`
	CallerID CallerID `json:"caller_id,omitempty"`

	Lane  Lane    `json:"lane"`
	Slots SlotSet `json:"slots"`
	Turn  int     `json:"turn"`

	// Dialog bookkeeping.
	AwaitingConfirm string         `json:"awaiting_confirm,omitempty"`
	LastAsked       string         `json:"last_asked,omitempty"`
	Progress        int            `json:"progress"`
	Asks            map[string]int `json:"asks,omitempty"`
	Skipped         []string       `json:"skipped,omitempty"`

	LastUtterance string           `json:"last_utterance,omitempty"`
	Flags         []BehaviorFlag   `json:"flags,omitempty"`
	Served        []ServedScenario `json:"served,omitempty"`

	Outcome  CallOutcome `json:"outcome,omitempty"`
	Degraded bool        `json:"degraded,omitempty"`
	Version  int64       `json:"version"`

	CreatedAt Timestamp  `json:"created_at"`
	UpdatedAt Timestamp  `json:"updated_at"`
	EndedAt   *Timestamp `json:"ended_at,omitempty"`
}

func NewCallSession(tenant TenantID, call CallID, caller CallerID, now time.Time) *CallSession {
	return &CallSession{
		TenantID:  tenant,
		CallID:    call,
		CallerID:  caller,
		Lane:      LaneDiscovery,
		Slots:     NewSlotSet(),
		Asks:      make(map[string]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Slots = s.Slots.Clone()
	out.Asks = make(map[string]int, len(s.Asks))
	for k, v := range s.Asks {
		out.Asks[k] = v
	}
	out.Skipped = append([]string(nil), s.Skipped...)
	out.Flags = append([]BehaviorFlag(nil), s.Flags...)
	out.Served = append([]ServedScenario(nil), s.Served...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func (s *CallSession) IsSkipped(slot string) bool {
	for _, v := range s.Skipped {
		if v == slot {
			return true
		}
	}
	return false
}

// SessionHandle is the opaque token returned to the telephony collaborator
// and echoed back on the next turn.
type SessionHandle struct {
	CallID  CallID `json:"call_id"`
	Turn    int    `json:"turn"`
	Version int64  `json:"version"`
}

func (s *CallSession) Handle() SessionHandle {
	return SessionHandle{CallID: s.CallID, Turn: s.Turn, Version: s.Version}
}
