package gate

import "fmt"

// Budget fails once cumulative spend passes the ceiling, unless a human
// override is recorded on the record.
type Budget struct {
	Ceiling  float64
	Currency string
}

func (b Budget) Name() string { return "budget" }

func (b Budget) Evaluate(in Inputs) Verdict {
	total := in.Costs.Total
	if b.Ceiling <= 0 {
		return Pass("budget ceiling disabled")
	}
	if total <= b.Ceiling {
		return Pass(fmt.Sprintf("costs.total %.2f within budget ceiling %.2f %s", total, b.Ceiling, b.Currency))
	}
	o := in.Budget
	if o == nil || o.OverrideBy == "" {
		return Fail(fmt.Sprintf("costs.total %.2f exceeds budget ceiling %.2f %s and budget.override is unset", total, b.Ceiling, b.Currency))
	}
	if o.OverrideCeiling > 0 && total > o.OverrideCeiling {
		return Fail(fmt.Sprintf("costs.total %.2f exceeds override ceiling %.2f %s granted by %s", total, o.OverrideCeiling, b.Currency, o.OverrideBy))
	}
	return Pass(fmt.Sprintf("costs.total %.2f exceeds budget ceiling %.2f %s; override by %s", total, b.Ceiling, b.Currency, o.OverrideBy))
}
