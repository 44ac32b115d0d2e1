// Package rules provides the CEL-Go based trigger expression engine.
//
// Most states cross nexus when sales OR transactions reach a threshold. A
// few historically required both (New York before 2022, for example); such
// states carry a trigger expression that replaces the default test.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"
)

// Engine compiles and caches trigger expressions.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*Trigger
}

// Trigger is a pre-compiled CEL program that decides whether a period's
// totals cross the threshold.
type Trigger struct {
	Expression string
	program    cel.Program
}

// Input holds the period totals and thresholds exposed to an expression.
type Input struct {
	State                string
	Sales                decimal.Decimal
	Transactions         int64
	SalesThreshold       *decimal.Decimal
	TransactionThreshold *int64
}

// NewEngine creates a trigger engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.StringType),
		cel.Variable("sales", cel.DoubleType),
		cel.Variable("transactions", cel.IntType),
		cel.Variable("sales_threshold", cel.DoubleType),
		cel.Variable("transaction_threshold", cel.IntType),
		cel.Variable("has_sales_threshold", cel.BoolType),
		cel.Variable("has_transaction_threshold", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:      env,
		compiled: make(map[string]*Trigger),
	}, nil
}

// Compile compiles an expression, reusing an earlier compilation of the
// same source.
func (e *Engine) Compile(expression string) (*Trigger, error) {
	e.mu.RLock()
	t, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return t, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile trigger %q: %w", expression, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("trigger %q must return bool, got %s", expression, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for trigger %q: %w", expression, err)
	}

	t = &Trigger{Expression: expression, program: program}

	e.mu.Lock()
	e.compiled[expression] = t
	e.mu.Unlock()

	return t, nil
}

// CompiledCount returns the number of distinct compiled expressions.
func (e *Engine) CompiledCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Crossed evaluates the trigger against period totals.
func (t *Trigger) Crossed(in Input) (bool, error) {
	activation := map[string]any{
		"state":                     in.State,
		"sales":                     in.Sales.InexactFloat64(),
		"transactions":              in.Transactions,
		"sales_threshold":           0.0,
		"transaction_threshold":     int64(0),
		"has_sales_threshold":       in.SalesThreshold != nil,
		"has_transaction_threshold": in.TransactionThreshold != nil,
	}
	if in.SalesThreshold != nil {
		activation["sales_threshold"] = in.SalesThreshold.InexactFloat64()
	}
	if in.TransactionThreshold != nil {
		activation["transaction_threshold"] = *in.TransactionThreshold
	}

	out, _, err := t.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("trigger %q returned %s, want bool", t.Expression, out.Type())
	}
	return bool(b), nil
}
