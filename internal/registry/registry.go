// Package registry loads and validates per-state economic nexus rules.
package registry

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/rules"
)

//go:embed states.yaml
var defaultRules []byte

// defaultKey names the shared-defaults entry that is never a state.
const defaultKey = "DEFAULT"

// maxTaxRate guards against rates entered as percentages (7.25 for 7.25%).
var maxTaxRate = decimal.RequireFromString("0.15")

// requiredFields must be present on every state entry; thresholds may be null.
var requiredFields = []string{"lookback_rule", "sales_threshold", "transaction_threshold", "tax_rate"}

// Registry is an immutable, validated set of state rules.
type Registry struct {
	rules    map[string]domain.StateRule
	triggers map[string]*rules.Trigger
}

// Summary counts configured states by threshold kind.
type Summary struct {
	TotalStates                 int `json:"totalStates"`
	StatesWithSalesThreshold    int `json:"statesWithSalesThreshold"`
	StatesWithTransactionThresh int `json:"statesWithTransactionThreshold"`
}

// record mirrors one state entry of a rules file.
type record struct {
	SalesThreshold                *float64 `yaml:"sales_threshold"`
	TransactionThreshold          *int64   `yaml:"transaction_threshold"`
	LookbackRule                  string   `yaml:"lookback_rule"`
	MarketplaceThresholdInclusion *bool    `yaml:"marketplace_threshold_inclusion"`
	FiscalYearStartMonth          int      `yaml:"fiscal_year_start_month"`
	TaxRate                       *float64 `yaml:"tax_rate"`
	StandardPenaltyRate           *float64 `yaml:"standard_penalty_rate"`
	InterestRate                  *float64 `yaml:"interest_rate"`
	VDALookbackCap                *int     `yaml:"vda_lookback_cap"`
	VDAPenaltyWaived              *bool    `yaml:"vda_penalty_waived"`
	VDAInterestRule               *string  `yaml:"vda_interest_rule"`
	EffectiveDate                 string   `yaml:"effective_date"`
	TriggerExpression             string   `yaml:"trigger_expression"`
	Notes                         string   `yaml:"notes"`
}

// Default loads the embedded rule set.
func Default() (*Registry, error) {
	return LoadBytes(defaultRules)
}

// LoadFile loads rules from a YAML or JSON file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("read rules file: %v", err)}
	}
	return LoadBytes(data)
}

// Load reads rules from r. JSON input is accepted since it is valid YAML.
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("read rules: %v", err)}
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates a rules document. Validation happens once,
// here; a registry that loads is fully valid.
func LoadBytes(data []byte) (*Registry, error) {
	var doc map[string]yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, &domain.ConfigError{Reason: "rules document is empty"}
		}
		return nil, &domain.ConfigError{Reason: fmt.Sprintf("parse rules: %v", err)}
	}

	codes := make([]string, 0, len(doc))
	for code := range doc {
		if strings.EqualFold(code, defaultKey) {
			continue
		}
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parsed := make([]domain.StateRule, 0, len(codes))
	for _, code := range codes {
		node := doc[code]
		rule, err := parseState(code, &node)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, rule)
	}

	return New(parsed...)
}

// New builds a registry from already-typed rules, applying the same
// validation as file loading.
func New(stateRules ...domain.StateRule) (*Registry, error) {
	if len(stateRules) == 0 {
		return nil, &domain.ConfigError{Reason: "no states configured"}
	}

	engine, err := rules.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trigger engine: %w", err)
	}

	reg := &Registry{
		rules:    make(map[string]domain.StateRule, len(stateRules)),
		triggers: make(map[string]*rules.Trigger),
	}

	for _, rule := range stateRules {
		rule.StateCode = strings.ToUpper(strings.TrimSpace(rule.StateCode))
		if err := Validate(rule); err != nil {
			return nil, err
		}
		if _, dup := reg.rules[rule.StateCode]; dup {
			return nil, &domain.ConfigError{StateCode: rule.StateCode, Reason: "state configured twice"}
		}

		if rule.TriggerExpression != "" {
			trig, err := engine.Compile(rule.TriggerExpression)
			if err != nil {
				return nil, &domain.ConfigError{StateCode: rule.StateCode, Field: "trigger_expression", Reason: err.Error()}
			}
			reg.triggers[rule.StateCode] = trig
		}

		reg.rules[rule.StateCode] = rule
	}

	return reg, nil
}

// Validate checks a single rule.
func Validate(rule domain.StateRule) error {
	code := rule.StateCode
	if !isStateCode(code) {
		return &domain.ConfigError{StateCode: code, Reason: "state code must be two letters"}
	}

	if !rule.HasSalesThreshold() && !rule.HasTransactionThreshold() {
		return &domain.ConfigError{StateCode: code, Reason: "neither sales_threshold nor transaction_threshold is set"}
	}
	if rule.SalesThreshold != nil && rule.SalesThreshold.IsNegative() {
		return &domain.ConfigError{StateCode: code, Field: "sales_threshold", Reason: "must not be negative"}
	}
	if rule.TransactionThreshold != nil && *rule.TransactionThreshold < 0 {
		return &domain.ConfigError{StateCode: code, Field: "transaction_threshold", Reason: "must not be negative"}
	}

	if !rule.LookbackRule.Valid() {
		return &domain.ConfigError{StateCode: code, Field: "lookback_rule", Reason: fmt.Sprintf("unrecognized value %q", rule.LookbackRule)}
	}

	rates := []struct {
		field string
		value decimal.Decimal
	}{
		{"tax_rate", rule.TaxRate},
		{"standard_penalty_rate", rule.StandardPenaltyRate},
		{"interest_rate", rule.InterestRate},
	}
	for _, r := range rates {
		if r.value.IsNegative() {
			return &domain.ConfigError{StateCode: code, Field: r.field, Reason: "must not be negative"}
		}
	}
	if rule.TaxRate.GreaterThan(maxTaxRate) {
		return &domain.ConfigError{StateCode: code, Field: "tax_rate", Reason: fmt.Sprintf("%s exceeds %s, expected a fraction", rule.TaxRate, maxTaxRate)}
	}

	if rule.VDALookbackCap != nil && *rule.VDALookbackCap < 0 {
		return &domain.ConfigError{StateCode: code, Field: "vda_lookback_cap", Reason: "must not be negative"}
	}

	if m := rule.FiscalYearStartMonth; m != 0 && (m < time.January || m > time.December) {
		return &domain.ConfigError{StateCode: code, Field: "fiscal_year_start_month", Reason: fmt.Sprintf("month %d out of range", m)}
	}

	return nil
}

func parseState(code string, node *yaml.Node) (domain.StateRule, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	if node.Kind != yaml.MappingNode {
		return domain.StateRule{}, &domain.ConfigError{StateCode: code, Reason: "entry must be a mapping"}
	}

	keys := mappingKeys(node)
	for _, field := range requiredFields {
		if !keys[field] {
			return domain.StateRule{}, &domain.ConfigError{StateCode: code, Field: field, Reason: "missing required field"}
		}
	}

	var rec record
	if err := node.Decode(&rec); err != nil {
		return domain.StateRule{}, &domain.ConfigError{StateCode: code, Reason: fmt.Sprintf("decode: %v", err)}
	}

	return rec.toRule(code)
}

func (rec record) toRule(code string) (domain.StateRule, error) {
	rule := domain.StateRule{
		StateCode:                     code,
		LookbackRule:                  domain.LookbackRule(strings.TrimSpace(rec.LookbackRule)),
		TransactionThreshold:          rec.TransactionThreshold,
		MarketplaceThresholdInclusion: true,
		StandardPenaltyRate:           domain.DefaultPenaltyRate,
		InterestRate:                  decimal.Zero,
		VDALookbackCap:                rec.VDALookbackCap,
		VDAPenaltyWaived:              rec.VDAPenaltyWaived,
		VDAInterestRule:               rec.VDAInterestRule,
		TriggerExpression:             strings.TrimSpace(rec.TriggerExpression),
		Notes:                         strings.TrimSpace(rec.Notes),
	}

	if rec.SalesThreshold != nil {
		v := decimal.NewFromFloat(*rec.SalesThreshold)
		rule.SalesThreshold = &v
	}
	if rec.TaxRate != nil {
		rule.TaxRate = decimal.NewFromFloat(*rec.TaxRate)
	}
	if rec.StandardPenaltyRate != nil {
		rule.StandardPenaltyRate = decimal.NewFromFloat(*rec.StandardPenaltyRate)
	}
	if rec.InterestRate != nil {
		rule.InterestRate = decimal.NewFromFloat(*rec.InterestRate)
	}
	if rec.MarketplaceThresholdInclusion != nil {
		rule.MarketplaceThresholdInclusion = *rec.MarketplaceThresholdInclusion
	}

	if rec.FiscalYearStartMonth != 0 {
		rule.FiscalYearStartMonth = time.Month(rec.FiscalYearStartMonth)
	} else {
		rule.FiscalYearStartMonth = rule.FiscalStart()
	}

	if s := strings.TrimSpace(rec.EffectiveDate); s != "" {
		d, err := domain.ParseDate(s)
		if err != nil {
			return domain.StateRule{}, &domain.ConfigError{StateCode: code, Field: "effective_date", Reason: err.Error()}
		}
		rule.EffectiveDate = d
	}

	return rule, nil
}

// mappingKeys collects the keys of a mapping node, following YAML merge keys.
func mappingKeys(node *yaml.Node) map[string]bool {
	keys := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Value != "<<" {
			keys[k.Value] = true
			continue
		}
		if v.Kind == yaml.AliasNode {
			v = v.Alias
		}
		if v != nil && v.Kind == yaml.MappingNode {
			for mk := range mappingKeys(v) {
				keys[mk] = true
			}
		}
	}
	return keys
}

func isStateCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Get returns the rule for a state. ok is false when the state has no rule,
// which callers treat as "no nexus rule configured".
func (r *Registry) Get(state string) (domain.StateRule, bool) {
	rule, ok := r.rules[strings.ToUpper(strings.TrimSpace(state))]
	return rule, ok
}

// Trigger returns the compiled trigger expression for a state, or nil.
func (r *Registry) Trigger(state string) *rules.Trigger {
	return r.triggers[strings.ToUpper(strings.TrimSpace(state))]
}

// States returns the configured state codes in sorted order.
func (r *Registry) States() []string {
	codes := make([]string, 0, len(r.rules))
	for code := range r.rules {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Rules returns all rules sorted by state code.
func (r *Registry) Rules() []domain.StateRule {
	out := make([]domain.StateRule, 0, len(r.rules))
	for _, code := range r.States() {
		out = append(out, r.rules[code])
	}
	return out
}

// Len returns the number of configured states.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Summary counts configured states by threshold kind.
func (r *Registry) Summary() Summary {
	s := Summary{TotalStates: len(r.rules)}
	for _, rule := range r.rules {
		if rule.HasSalesThreshold() {
			s.StatesWithSalesThreshold++
		}
		if rule.HasTransactionThreshold() {
			s.StatesWithTransactionThresh++
		}
	}
	return s
}
