package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfig          = errors.New("config error")
	ErrValidation      = errors.New("validation error")
	ErrUnsupportedRule = errors.New("unsupported lookback rule")
	ErrNoData          = errors.New("no usable transactions")
)

// ConfigError reports a bad or missing state rule field. Fatal for the run.
type ConfigError struct {
	StateCode string
	Field     string
	Reason    string
}

func (e *ConfigError) Error() string {
	switch {
	case e.StateCode != "" && e.Field != "":
		return fmt.Sprintf("config error: %s.%s: %s", e.StateCode, e.Field, e.Reason)
	case e.StateCode != "":
		return fmt.Sprintf("config error: %s: %s", e.StateCode, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
	default:
		return "config error: " + e.Reason
	}
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ValidationError reports one rejected ledger row.
type ValidationError struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("row %d: %s %q: %s", e.Row, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// ValidationErrors aggregates every rejected row of a batch.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("%d rows rejected: %s", len(errs), strings.Join(msgs, "; "))
}

func (errs ValidationErrors) Is(target error) bool { return target == ErrValidation }

// UnsupportedRuleError is returned for a lookback rule without a handler.
// Fatal for the affected state only.
type UnsupportedRuleError struct {
	StateCode string
	Rule      LookbackRule
}

func (e *UnsupportedRuleError) Error() string {
	if e.StateCode == "" {
		return fmt.Sprintf("unsupported lookback rule %q", e.Rule)
	}
	return fmt.Sprintf("%s: unsupported lookback rule %q", e.StateCode, e.Rule)
}

func (e *UnsupportedRuleError) Is(target error) bool { return target == ErrUnsupportedRule }

// NoDataError is returned when no valid transactions remain.
type NoDataError struct {
	Rejected int
}

func (e *NoDataError) Error() string {
	if e.Rejected > 0 {
		return fmt.Sprintf("no usable transactions: all %d rows rejected", e.Rejected)
	}
	return "no usable transactions"
}

func (e *NoDataError) Is(target error) bool { return target == ErrNoData }
