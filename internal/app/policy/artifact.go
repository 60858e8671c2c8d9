package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PabloGalante/callcore/internal/domain"
)

const defaultSafeMessage = "I'm sorry, I can't help with that over the phone. Is there anything else I can do for you?"

// Artifact is a compiled rule set. It is never mutated after Build returns;
// a new version is a new Artifact.
type Artifact struct {
	TenantID   domain.TenantID
	Version    int64
	Checksum   string
	CompiledAt time.Time

	allowed     map[domain.Action]bool
	targets     map[string]string
	variables   map[string]string
	safeMessage string

	edgeCases  []compiledRule
	transfers  []compiledRule
	guardrails []compiledRule
	behaviors  []compiledRule

	document Document
}

type compiledRule struct {
	rule     domain.Rule
	meta     domain.RuleMeta
	patterns []pattern
	order    int
	demoted  bool
}

// Conflict is an overlap resolved by demoting the later rule.
type Conflict struct {
	Kind     domain.RuleKind `json:"kind"`
	Priority int             `json:"priority"`
	Kept     domain.RuleID   `json:"kept"`
	Demoted  domain.RuleID   `json:"demoted"`
	Patterns [2]string       `json:"patterns"`
}

// Report describes a compilation for operators.
type Report struct {
	TenantID  domain.TenantID `json:"tenant_id"`
	Version   int64           `json:"version"`
	Checksum  string          `json:"checksum"`
	Rules     int             `json:"rules"`
	Disabled  []domain.RuleID `json:"disabled,omitempty"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`
}

// AllowedActions returns the allowlist in canonical order.
func (a *Artifact) AllowedActions() []domain.Action {
	var out []domain.Action
	for _, act := range domain.Actions() {
		if a.allowed[act] {
			out = append(out, act)
		}
	}
	return out
}

func (a *Artifact) Allows(act domain.Action) bool { return a.allowed[act] }

func (a *Artifact) SafeMessage() string { return a.safeMessage }

// Document returns the normalized source of the artifact.
func (a *Artifact) Document() Document { return a.document }

// RuleIDs lists the enabled rules in evaluation order.
func (a *Artifact) RuleIDs() []domain.RuleID {
	var out []domain.RuleID
	for _, group := range [][]compiledRule{a.edgeCases, a.transfers, a.guardrails, a.behaviors} {
		for _, cr := range group {
			out = append(out, cr.meta.ID)
		}
	}
	return out
}

// Build validates and compiles a rule set. It has no side effects: the same
// rule set always yields the same rule order and checksum.
func Build(rs domain.RuleSet, now time.Time) (*Artifact, Report, error) {
	if err := validate(rs); err != nil {
		return nil, Report{}, err
	}

	norm := normalize(rs)
	doc := DocumentFor(norm)
	doc.Version = 0
	sum, err := checksum(doc)
	if err != nil {
		return nil, Report{}, err
	}
	doc.Version = norm.Version

	art := &Artifact{
		TenantID:    norm.TenantID,
		Version:     norm.Version,
		Checksum:    sum,
		CompiledAt:  now.UTC(),
		allowed:     make(map[domain.Action]bool),
		targets:     norm.TransferTargets,
		variables:   norm.Variables,
		safeMessage: norm.SafeMessage,
		document:    doc,
	}
	for _, act := range norm.AllowedActions {
		art.allowed[act] = true
	}

	report := Report{TenantID: norm.TenantID, Version: norm.Version, Checksum: sum}
	byKind := make(map[domain.RuleKind][]compiledRule)
	for i, r := range norm.Rules {
		m := r.Meta()
		if !m.Enabled {
			report.Disabled = append(report.Disabled, m.ID)
			continue
		}
		ps, err := compilePatterns(m.Patterns)
		if err != nil {
			// validate already compiled every pattern.
			return nil, Report{}, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidRuleSet, m.ID, err)
		}
		byKind[r.Kind()] = append(byKind[r.Kind()], compiledRule{rule: r, meta: m, patterns: ps, order: i})
		report.Rules++
	}

	for _, kind := range domain.RuleKinds() {
		rules := byKind[kind]
		report.Conflicts = append(report.Conflicts, demoteOverlaps(kind, rules)...)
		sortRules(rules)
		switch kind {
		case domain.KindEdgeCase:
			art.edgeCases = rules
		case domain.KindTransfer:
			art.transfers = rules
		case domain.KindGuardrail:
			art.guardrails = rules
		case domain.KindBehavior:
			art.behaviors = rules
		}
	}
	return art, report, nil
}

// demoteOverlaps marks the later-defined rule of every overlapping pair with
// equal priority. rules is in definition order.
func demoteOverlaps(kind domain.RuleKind, rules []compiledRule) []Conflict {
	var out []Conflict
	for j := range rules {
		for i := 0; i < j; i++ {
			if rules[i].meta.Priority != rules[j].meta.Priority {
				continue
			}
			a, b, ok := firstOverlap(rules[i].patterns, rules[j].patterns)
			if !ok {
				continue
			}
			rules[j].demoted = true
			out = append(out, Conflict{
				Kind:     kind,
				Priority: rules[j].meta.Priority,
				Kept:     rules[i].meta.ID,
				Demoted:  rules[j].meta.ID,
				Patterns: [2]string{a.source, b.source},
			})
			break
		}
	}
	return out
}

func firstOverlap(as, bs []pattern) (pattern, pattern, bool) {
	for _, a := range as {
		for _, b := range bs {
			if overlaps(a, b) {
				return a, b, true
			}
		}
	}
	return pattern{}, pattern{}, false
}

// sortRules orders by priority (higher first), then non-demoted before
// demoted, then definition order.
func sortRules(rules []compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.meta.Priority != b.meta.Priority {
			return a.meta.Priority > b.meta.Priority
		}
		if a.demoted != b.demoted {
			return !a.demoted
		}
		return a.order < b.order
	})
}

func validate(rs domain.RuleSet) error {
	var errs []error
	if strings.TrimSpace(string(rs.TenantID)) == "" {
		errs = append(errs, errors.New("tenant_id is required"))
	}
	if rs.Version < 0 {
		errs = append(errs, errors.New("version must not be negative"))
	}
	for _, a := range rs.AllowedActions {
		if !a.Valid() {
			errs = append(errs, fmt.Errorf("allowed_actions: unknown action %q", a))
		}
	}

	seen := make(map[domain.RuleID]bool)
	for i, r := range rs.Rules {
		if r == nil {
			errs = append(errs, fmt.Errorf("rules[%d]: nil rule", i))
			continue
		}
		m := r.Meta()
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
		} else if seen[m.ID] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true

		if _, err := compilePatterns(m.Patterns); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", m.ID, err))
		}
		if err := validateRule(r, rs); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", m.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRuleSet, err)
	}
	return nil
}

func validateRule(r domain.Rule, rs domain.RuleSet) error {
	m := r.Meta()
	switch v := r.(type) {
	case domain.EdgeCaseRule:
		if len(m.Patterns) == 0 {
			return errors.New("edge case needs at least one pattern")
		}
		if v.Response == "" && v.Action == "" {
			return errors.New("edge case needs a response or an action")
		}
		if v.Action != "" && !v.Action.Valid() {
			return fmt.Errorf("unknown action %q", v.Action)
		}
		if v.Action == domain.ActionTransfer && v.TransferTarget == "" {
			return errors.New("edge case transferring the call needs a transfer_target")
		}
	case domain.TransferRule:
		if len(m.Patterns) == 0 {
			return errors.New("transfer rule needs at least one pattern")
		}
		if strings.TrimSpace(v.Target) == "" {
			return errors.New("transfer rule needs a target")
		}
		if v.Action != "" && !v.Action.Valid() {
			return fmt.Errorf("unknown action %q", v.Action)
		}
	case domain.GuardrailRule:
		if len(m.Patterns) == 0 {
			return errors.New("guardrail needs at least one pattern")
		}
	case domain.BehaviorRule:
		if len(m.Patterns) == 0 && len(v.Flags) == 0 {
			return errors.New("behavior rule needs patterns or flags")
		}
		if v.Prefix == "" && v.Suffix == "" {
			return errors.New("behavior rule needs a prefix or a suffix")
		}
		for _, f := range v.Flags {
			if !f.Valid() {
				return fmt.Errorf("unknown behavior flag %q", f)
			}
		}
	default:
		return fmt.Errorf("unsupported rule type %T", r)
	}
	return nil
}

// normalize fills defaults so equivalent rule sets share a checksum.
func normalize(rs domain.RuleSet) domain.RuleSet {
	out := rs
	out.Variables = copyMap(rs.Variables)
	out.TransferTargets = copyMap(rs.TransferTargets)
	if strings.TrimSpace(out.SafeMessage) == "" {
		out.SafeMessage = defaultSafeMessage
	}

	// CONTINUE is always allowed: it is what a rejected action downgrades to.
	allowed := map[domain.Action]bool{domain.ActionContinue: true}
	for _, a := range rs.AllowedActions {
		allowed[a] = true
	}
	out.AllowedActions = nil
	for _, a := range domain.Actions() {
		if allowed[a] {
			out.AllowedActions = append(out.AllowedActions, a)
		}
	}

	out.Rules = make([]domain.Rule, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		switch v := r.(type) {
		case domain.TransferRule:
			if v.Action == "" {
				v.Action = domain.ActionTransfer
			}
			out.Rules = append(out.Rules, v)
		case domain.EdgeCaseRule:
			if v.Action == "" {
				v.Action = domain.ActionContinue
			}
			out.Rules = append(out.Rules, v)
		default:
			out.Rules = append(out.Rules, r)
		}
	}
	return out
}

// checksum hashes the canonical JSON of doc. encoding/json writes struct
// fields in declaration order and map keys sorted, so the bytes are stable.
func checksum(doc Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode rule set: %w", err)
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// resolveTarget maps a transfer target name through the configured table;
// unknown names are used as given.
func (a *Artifact) resolveTarget(name string) string {
	if t, ok := a.targets[name]; ok {
		return t
	}
	return name
}
