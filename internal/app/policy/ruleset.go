package policy

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/PabloGalante/callcore/internal/domain"
)

// Document is the operator-authored rule file. JSON documents decode through
// the same path since JSON is valid YAML.
type Document struct {
	TenantID        domain.TenantID   `yaml:"tenant_id" json:"tenant_id" stage:"policy"`
	Version         int64             `yaml:"version,omitempty" json:"version,omitempty" stage:"policy"`
	Variables       map[string]string `yaml:"variables,omitempty" json:"variables,omitempty" stage:"policy.guardrail"`
	AllowedActions  []domain.Action   `yaml:"allowed_actions,omitempty" json:"allowed_actions,omitempty" stage:"policy.transfer,policy.allowlist"`
	TransferTargets map[string]string `yaml:"transfer_targets,omitempty" json:"transfer_targets,omitempty" stage:"policy.transfer,policy.edge_case"`
	SafeMessage     string            `yaml:"safe_message,omitempty" json:"safe_message,omitempty" stage:"policy.transfer,policy.allowlist"`
	Rules           []RuleDocument    `yaml:"rules" json:"rules"`
}

// RuleDocument is one rule of any kind. Fields a kind does not use are
// rejected by toRule.
type RuleDocument struct {
	ID       domain.RuleID   `yaml:"id" json:"id" stage:"policy"`
	Kind     domain.RuleKind `yaml:"kind" json:"kind" stage:"policy"`
	Priority int             `yaml:"priority,omitempty" json:"priority,omitempty" stage:"policy"`
	Enabled  *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty" stage:"policy"`
	Patterns []string        `yaml:"patterns,omitempty" json:"patterns,omitempty" stage:"policy.edge_case,policy.transfer,policy.guardrail,policy.behavior"`

	Response       string                `yaml:"response,omitempty" json:"response,omitempty" stage:"policy.edge_case,policy.transfer"`
	Action         domain.Action         `yaml:"action,omitempty" json:"action,omitempty" stage:"policy.edge_case,policy.transfer"`
	TransferTarget string                `yaml:"transfer_target,omitempty" json:"transfer_target,omitempty" stage:"policy.edge_case"`
	Target         string                `yaml:"target,omitempty" json:"target,omitempty" stage:"policy.transfer"`
	Replacement    string                `yaml:"replacement,omitempty" json:"replacement,omitempty" stage:"policy.guardrail"`
	Flags          []domain.BehaviorFlag `yaml:"flags,omitempty" json:"flags,omitempty" stage:"policy.behavior"`
	Prefix         string                `yaml:"prefix,omitempty" json:"prefix,omitempty" stage:"policy.behavior"`
	Suffix         string                `yaml:"suffix,omitempty" json:"suffix,omitempty" stage:"policy.behavior"`
}

// ParseRuleSet decodes a rule file strictly: unknown keys, unknown kinds and
// fields that the rule's kind never reads are all errors.
func ParseRuleSet(data []byte) (domain.RuleSet, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return domain.RuleSet{}, fmt.Errorf("%w: decode: %v", domain.ErrInvalidRuleSet, err)
	}
	return doc.RuleSet()
}

// RuleSet converts the document to the typed rule set.
func (d Document) RuleSet() (domain.RuleSet, error) {
	rs := domain.RuleSet{
		TenantID:        d.TenantID,
		Version:         d.Version,
		Variables:       d.Variables,
		TransferTargets: d.TransferTargets,
		SafeMessage:     d.SafeMessage,
	}

	var errs []error
	for _, a := range d.AllowedActions {
		parsed, ok := domain.ParseAction(string(a))
		if !ok {
			errs = append(errs, fmt.Errorf("allowed_actions: unknown action %q", a))
			continue
		}
		rs.AllowedActions = append(rs.AllowedActions, parsed)
	}
	for i, rd := range d.Rules {
		r, err := rd.toRule()
		if err != nil {
			errs = append(errs, fmt.Errorf("rules[%d] (%s): %w", i, rd.ID, err))
			continue
		}
		rs.Rules = append(rs.Rules, r)
	}
	if err := errors.Join(errs...); err != nil {
		return domain.RuleSet{}, fmt.Errorf("%w: %w", domain.ErrInvalidRuleSet, err)
	}
	return rs, nil
}

func (rd RuleDocument) toRule() (domain.Rule, error) {
	enabled := true
	if rd.Enabled != nil {
		enabled = *rd.Enabled
	}
	meta := domain.RuleMeta{
		ID:       rd.ID,
		Priority: rd.Priority,
		Enabled:  enabled,
		Patterns: rd.Patterns,
	}

	var action domain.Action
	if rd.Action != "" {
		a, ok := domain.ParseAction(string(rd.Action))
		if !ok {
			return nil, fmt.Errorf("unknown action %q", rd.Action)
		}
		action = a
	}

	switch domain.RuleKind(strings.ToLower(string(rd.Kind))) {
	case domain.KindEdgeCase:
		if err := rd.unused("target", "replacement", "flags", "prefix", "suffix"); err != nil {
			return nil, err
		}
		return domain.EdgeCaseRule{RuleMeta: meta, Response: rd.Response, Action: action, TransferTarget: rd.TransferTarget}, nil
	case domain.KindTransfer:
		if err := rd.unused("transfer_target", "replacement", "flags", "prefix", "suffix"); err != nil {
			return nil, err
		}
		return domain.TransferRule{RuleMeta: meta, Target: rd.Target, Response: rd.Response, Action: action}, nil
	case domain.KindGuardrail:
		if err := rd.unused("response", "action", "transfer_target", "target", "flags", "prefix", "suffix"); err != nil {
			return nil, err
		}
		return domain.GuardrailRule{RuleMeta: meta, Replacement: rd.Replacement}, nil
	case domain.KindBehavior:
		if err := rd.unused("response", "action", "transfer_target", "target", "replacement"); err != nil {
			return nil, err
		}
		return domain.BehaviorRule{RuleMeta: meta, Flags: rd.Flags, Prefix: rd.Prefix, Suffix: rd.Suffix}, nil
	case "":
		return nil, errors.New("kind is required")
	default:
		return nil, fmt.Errorf("unknown kind %q", rd.Kind)
	}
}

// unused fails when a field the kind ignores was set.
func (rd RuleDocument) unused(fields ...string) error {
	set := map[string]bool{
		"response":        rd.Response != "",
		"action":          rd.Action != "",
		"transfer_target": rd.TransferTarget != "",
		"target":          rd.Target != "",
		"replacement":     rd.Replacement != "",
		"flags":           len(rd.Flags) > 0,
		"prefix":          rd.Prefix != "",
		"suffix":          rd.Suffix != "",
	}
	var bad []string
	for _, f := range fields {
		if set[f] {
			bad = append(bad, f)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("kind %s does not use %s", rd.Kind, strings.Join(bad, ", "))
}

// DocumentFor is the inverse of Document.RuleSet.
func DocumentFor(rs domain.RuleSet) Document {
	doc := Document{
		TenantID:        rs.TenantID,
		Version:         rs.Version,
		Variables:       rs.Variables,
		AllowedActions:  rs.AllowedActions,
		TransferTargets: rs.TransferTargets,
		SafeMessage:     rs.SafeMessage,
		Rules:           make([]RuleDocument, 0, len(rs.Rules)),
	}
	for _, r := range rs.Rules {
		m := r.Meta()
		enabled := m.Enabled
		rd := RuleDocument{
			ID:       m.ID,
			Kind:     r.Kind(),
			Priority: m.Priority,
			Enabled:  &enabled,
			Patterns: m.Patterns,
		}
		switch v := r.(type) {
		case domain.EdgeCaseRule:
			rd.Response, rd.Action, rd.TransferTarget = v.Response, v.Action, v.TransferTarget
		case domain.TransferRule:
			rd.Target, rd.Response, rd.Action = v.Target, v.Response, v.Action
		case domain.GuardrailRule:
			rd.Replacement = v.Replacement
		case domain.BehaviorRule:
			rd.Flags, rd.Prefix, rd.Suffix = v.Flags, v.Prefix, v.Suffix
		}
		doc.Rules = append(doc.Rules, rd)
	}
	return doc
}
