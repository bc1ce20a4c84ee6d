// Package gate turns quality, provenance and budget checks into binary verdicts
// that transition guards read back from the record.
package gate

import (
	"strings"

	"folioline/internal/domain"
)

// Verdict is the only outcome a gate may produce.
type Verdict struct {
	Passed      bool     `json:"passed"`
	Diagnostics []string `json:"diagnostics"`
}

func Pass(diagnostics ...string) Verdict {
	return Verdict{Passed: true, Diagnostics: diagnostics}
}

func Fail(diagnostics ...string) Verdict {
	return Verdict{Passed: false, Diagnostics: diagnostics}
}

func (v Verdict) String() string {
	status := "FAILED"
	if v.Passed {
		status = "PASSED"
	}
	if len(v.Diagnostics) == 0 {
		return status
	}
	return status + ": " + strings.Join(v.Diagnostics, "; ")
}

// Result converts the verdict into the persisted field form.
func (v Verdict) Result(gateName, evaluatedAt string) *domain.GateResult {
	diags := append([]string(nil), v.Diagnostics...)
	return &domain.GateResult{
		Gate:        gateName,
		Passed:      v.Passed,
		Diagnostics: diags,
		EvaluatedAt: evaluatedAt,
	}
}

// Inputs carries the record subset and external artifacts a gate inspects.
type Inputs struct {
	Source string
	Output string
	Costs  domain.Costs
	Budget *domain.Budget
}

// Gate is a pure, deterministic check. It never touches the record.
type Gate interface {
	Name() string
	Evaluate(in Inputs) Verdict
}

// Func adapts a function to Gate.
type Func struct {
	GateName string
	Fn       func(Inputs) Verdict
}

func (f Func) Name() string               { return f.GateName }
func (f Func) Evaluate(in Inputs) Verdict { return f.Fn(in) }
