package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PabloGalante/callcore/internal/domain"
)

// LoopPolicy is what the dialog does when a slot keeps being re-asked.
type LoopPolicy string

const (
	LoopSkip     LoopPolicy = "skip"
	LoopRephrase LoopPolicy = "rephrase"
	LoopEscalate LoopPolicy = "escalate"
)

// TenantConfig is the operator-owned behavior of one tenant. It is edited by
// an external collaborator and read-only here. Every field names the stages
// that consume it; see CheckWiring.
type TenantConfig struct {
	TenantID domain.TenantID `yaml:"tenant_id" stage:"turn"`

	Thresholds Thresholds        `yaml:"thresholds"`
	Tiers      TierToggles       `yaml:"tiers"`
	Triage     TriageConfig      `yaml:"triage"`
	Memory     MemoryConfig      `yaml:"memory"`
	Scenarios  []domain.Scenario `yaml:"scenarios" stage:"router,triage"`
	Discovery  DiscoveryConfig   `yaml:"discovery"`
	Booking    BookingConfig     `yaml:"booking"`
	Session    SessionConfig     `yaml:"session"`
	Budgets    Budgets           `yaml:"budgets"`
	Messages   Messages          `yaml:"messages"`

	FallbackTransferTarget string `yaml:"fallback_transfer_target" stage:"dialog,turn"`
}

type Thresholds struct {
	Rule       float64 `yaml:"rule" stage:"router.rule"`
	Semantic   float64 `yaml:"semantic" stage:"router.semantic"`
	Generative float64 `yaml:"generative" stage:"router.generative"`
}

type TierToggles struct {
	Rule       bool `yaml:"rule" stage:"router.rule"`
	Semantic   bool `yaml:"semantic" stage:"router.semantic"`
	Generative bool `yaml:"generative" stage:"router.generative"`
}

type TriageConfig struct {
	Enabled           bool     `yaml:"enabled" stage:"triage"`
	Threshold         float64  `yaml:"threshold" stage:"triage"`
	AllowedCategories []string `yaml:"allowed_categories" stage:"triage"`
}

type MemoryConfig struct {
	Enabled              bool    `yaml:"enabled" stage:"router.memory"`
	CacheEnabled         bool    `yaml:"cache_enabled" stage:"router.cache"`
	MinCallerSuccesses   int64   `yaml:"min_caller_successes" stage:"router.memory"`
	MinResolutionRate    float64 `yaml:"min_resolution_rate" stage:"router.memory"`
	MinResolutionSamples int64   `yaml:"min_resolution_samples" stage:"router.memory"`
}

// SlotStep is one question of a discovery or booking flow.
type SlotStep struct {
	Slot          string `yaml:"slot" stage:"dialog,extract"`
	Prompt        string `yaml:"prompt" stage:"dialog"`
	AltPrompt     string `yaml:"alt_prompt" stage:"dialog"`
	ConfirmPrompt string `yaml:"confirm_prompt" stage:"dialog"`
	Required      bool   `yaml:"required" stage:"dialog"`
	Confirm       bool   `yaml:"confirm" stage:"dialog"`
	FreeText      bool   `yaml:"free_text" stage:"dialog"`
}

type DiscoveryConfig struct {
	Steps            []SlotStep `yaml:"steps" stage:"dialog"`
	MaxReprompts     int        `yaml:"max_reprompts" stage:"dialog"`
	LoopPolicy       LoopPolicy `yaml:"loop_policy" stage:"dialog"`
	SummaryPrompt    string     `yaml:"summary_prompt" stage:"dialog"`
	CorrectionPrompt string     `yaml:"correction_prompt" stage:"dialog"`
}

type BookingConfig struct {
	Enabled       bool       `yaml:"enabled" stage:"dialog"`
	Steps         []SlotStep `yaml:"steps" stage:"booking"`
	BookedMessage string     `yaml:"booked_message" stage:"booking"`
}

type SessionConfig struct {
	CheckpointEvery int `yaml:"checkpoint_every" stage:"session"`
}

// Budgets are latency budgets. Overruns are logged, never fatal.
type Budgets struct {
	Turn           time.Duration `yaml:"turn" stage:"turn"`
	Classification time.Duration `yaml:"classification" stage:"router"`
	RuleTier       time.Duration `yaml:"rule_tier" stage:"router.rule"`
	SemanticTier   time.Duration `yaml:"semantic_tier" stage:"router.semantic"`
	GenerativeTier time.Duration `yaml:"generative_tier" stage:"router.generative"`
	Policy         time.Duration `yaml:"policy" stage:"policy"`
}

type Messages struct {
	Closing    string `yaml:"closing" stage:"closing"`
	Completion string `yaml:"completion" stage:"dialog"`
	Escalation string `yaml:"escalation" stage:"dialog"`
}

// DefaultTenantConfig is what a tenant without a file gets, and the base
// every tenant file is decoded onto.
func DefaultTenantConfig(id domain.TenantID) TenantConfig {
	return TenantConfig{
		TenantID: id,
		Thresholds: Thresholds{
			Rule:       0.8,
			Semantic:   0.7,
			Generative: 0.5,
		},
		Tiers: TierToggles{
			Rule:       true,
			Semantic:   true,
			Generative: false,
		},
		Triage: TriageConfig{
			Enabled:   true,
			Threshold: 0.75,
		},
		Memory: MemoryConfig{
			Enabled:              true,
			CacheEnabled:         true,
			MinCallerSuccesses:   3,
			MinResolutionRate:    0.6,
			MinResolutionSamples: 5,
		},
		Discovery: DiscoveryConfig{
			Steps: []SlotStep{
				{Slot: "name", Prompt: "Can I get your name, please?", AltPrompt: "Who am I speaking with today?", ConfirmPrompt: "Just to confirm, your name is {value}?", Required: true, Confirm: true, FreeText: true},
				{Slot: "address", Prompt: "What's the address for the service?", AltPrompt: "Could you tell me the street address where you need help?", ConfirmPrompt: "I have the address as {value}. Is that right?", Required: true, Confirm: true, FreeText: true},
				{Slot: "reason", Prompt: "What can we help you with today?", AltPrompt: "Could you describe the problem in a few words?", Required: true, FreeText: true},
				{Slot: "phone", Prompt: "What's the best number to reach you?", Required: false},
			},
			MaxReprompts:     2,
			LoopPolicy:       LoopRephrase,
			SummaryPrompt:    "Let me make sure I have this right: {summary}. Is that correct?",
			CorrectionPrompt: "Sorry about that. What should I change?",
		},
		Booking: BookingConfig{
			Enabled: false,
			Steps: []SlotStep{
				{Slot: "appointment_time", Prompt: "When would you like us to come out?", AltPrompt: "What day and time work best for you?", ConfirmPrompt: "I can book you for {value}. Shall I go ahead?", Required: true, Confirm: true},
			},
			BookedMessage: "You're all set for {appointment_time}. We'll see you then.",
		},
		Session: SessionConfig{
			CheckpointEvery: 3,
		},
		Budgets: Budgets{
			Turn:           1500 * time.Millisecond,
			Classification: 1200 * time.Millisecond,
			RuleTier:       100 * time.Millisecond,
			SemanticTier:   400 * time.Millisecond,
			GenerativeTier: 1000 * time.Millisecond,
			Policy:         10 * time.Millisecond,
		},
		Messages: Messages{
			Closing:    "Thanks for calling. Goodbye!",
			Completion: "Thanks, I have everything I need. Someone from our team will call you back shortly.",
			Escalation: "Let me get someone who can help you with that.",
		},
	}
}

// ParseTenantConfig decodes a tenant file onto the defaults. Unknown keys are
// rejected: a field nothing consumes must not be silently accepted.
func ParseTenantConfig(data []byte) (TenantConfig, error) {
	var head struct {
		TenantID domain.TenantID `yaml:"tenant_id"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return TenantConfig{}, fmt.Errorf("decode tenant config: %w", err)
	}
	if head.TenantID == "" {
		return TenantConfig{}, errors.New("tenant config: tenant_id is required")
	}

	cfg := DefaultTenantConfig(head.TenantID)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return TenantConfig{}, fmt.Errorf("decode tenant config %s: %w", head.TenantID, err)
	}
	if err := cfg.Validate(); err != nil {
		return TenantConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the stages cannot honor.
func (c TenantConfig) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"thresholds.rule":            c.Thresholds.Rule,
		"thresholds.semantic":        c.Thresholds.Semantic,
		"thresholds.generative":      c.Thresholds.Generative,
		"triage.threshold":           c.Triage.Threshold,
		"memory.min_resolution_rate": c.Memory.MinResolutionRate,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}

	seen := make(map[domain.ScenarioID]bool)
	for i, s := range c.Scenarios {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("scenarios[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("scenarios[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		if strings.TrimSpace(s.Response) == "" {
			errs = append(errs, fmt.Errorf("scenario %s: response is required", s.ID))
		}
		if s.Action != "" && !s.Action.Valid() {
			errs = append(errs, fmt.Errorf("scenario %s: invalid action %q", s.ID, s.Action))
		}
	}

	errs = append(errs, validateSteps("discovery", c.Discovery.Steps)...)
	if c.Booking.Enabled {
		errs = append(errs, validateSteps("booking", c.Booking.Steps)...)
	}

	switch c.Discovery.LoopPolicy {
	case LoopSkip, LoopRephrase, LoopEscalate:
	default:
		errs = append(errs, fmt.Errorf("discovery.loop_policy: unsupported value %q", c.Discovery.LoopPolicy))
	}
	if c.Discovery.MaxReprompts < 0 {
		errs = append(errs, errors.New("discovery.max_reprompts must not be negative"))
	}
	if c.Session.CheckpointEvery < 0 {
		errs = append(errs, errors.New("session.checkpoint_every must not be negative"))
	}
	return errors.Join(errs...)
}

func validateSteps(flow string, steps []SlotStep) []error {
	var errs []error
	seen := make(map[string]bool)
	for i, st := range steps {
		if st.Slot == "" {
			errs = append(errs, fmt.Errorf("%s.steps[%d]: slot is required", flow, i))
			continue
		}
		if seen[st.Slot] {
			errs = append(errs, fmt.Errorf("%s.steps[%d]: duplicate slot %q", flow, i, st.Slot))
		}
		seen[st.Slot] = true
		if st.Prompt == "" {
			errs = append(errs, fmt.Errorf("%s.steps[%d]: prompt is required", flow, i))
		}
		if st.Confirm && st.ConfirmPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.steps[%d]: confirm_prompt is required when confirm is set", flow, i))
		}
	}
	return errs
}

// Scenario returns the catalog entry with the given id.
func (c TenantConfig) Scenario(id domain.ScenarioID) (domain.Scenario, bool) {
	for _, s := range c.Scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return domain.Scenario{}, false
}

// CategoryAllowed reports whether triage may short-circuit for category.
func (c TenantConfig) CategoryAllowed(category string) bool {
	for _, a := range c.Triage.AllowedCategories {
		if strings.EqualFold(a, category) {
			return true
		}
	}
	return false
}

// SlotNames lists every slot any flow of the tenant collects.
func (c TenantConfig) SlotNames() []string {
	var out []string
	seen := make(map[string]bool)
	for _, steps := range [][]SlotStep{c.Discovery.Steps, c.Booking.Steps} {
		for _, st := range steps {
			if !seen[st.Slot] {
				seen[st.Slot] = true
				out = append(out, st.Slot)
			}
		}
	}
	return out
}

// TenantSource hands out tenant configuration.
type TenantSource interface {
	Tenant(id domain.TenantID) TenantConfig
}

// TenantRegistry is an in-process TenantSource loaded from files.
type TenantRegistry struct {
	mu      sync.RWMutex
	tenants map[domain.TenantID]TenantConfig
}

func NewTenantRegistry(cfgs ...TenantConfig) *TenantRegistry {
	r := &TenantRegistry{tenants: make(map[domain.TenantID]TenantConfig)}
	for _, c := range cfgs {
		r.tenants[c.TenantID] = c
	}
	return r
}

// Tenant returns the tenant's config, or the defaults for unknown tenants.
func (r *TenantRegistry) Tenant(id domain.TenantID) TenantConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.tenants[id]; ok {
		return c
	}
	return DefaultTenantConfig(id)
}

func (r *TenantRegistry) Put(cfg TenantConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[cfg.TenantID] = cfg
}

func (r *TenantRegistry) IDs() []domain.TenantID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.TenantID, 0, len(r.tenants))
	for id := range r.tenants {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoadTenantDir loads every *.yaml / *.yml file in dir. A missing directory
// yields an empty registry.
func LoadTenantDir(dir string) (*TenantRegistry, error) {
	r := NewTenantRegistry()
	files, err := YAMLFiles(dir)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", f, err))
			continue
		}
		cfg, err := ParseTenantConfig(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		r.Put(cfg)
	}
	return r, errors.Join(errs...)
}

// YAMLFiles lists YAML files in dir, sorted. A missing dir is not an error.
func YAMLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
