package gate

import (
	"math/rand"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"folioline/internal/domain"
)

// randomSource builds an already-normalized text with no repeated 50-character runs.
func randomSource(seed int64, words int) string {
	rng := rand.New(rand.NewSource(seed))
	var b strings.Builder
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		n := 3 + rng.Intn(7)
		for j := 0; j < n; j++ {
			b.WriteByte(byte('a' + rng.Intn(26)))
		}
	}
	return b.String()
}

func TestCoverageTailNearEndPasses(t *testing.T) {
	src := randomSource(1, 600)
	end := len(src) - 300
	out := "preceding translated material " + src[end-100:end]
	v := Coverage{}.Evaluate(Inputs{Source: src, Output: out})
	if !v.Passed {
		t.Fatalf("expected pass, got %s", v)
	}
}

func TestCoverageTailFarFromEndFails(t *testing.T) {
	src := randomSource(2, 600)
	end := len(src) - 800
	out := src[end-100 : end]
	v := Coverage{}.Evaluate(Inputs{Source: src, Output: out})
	if v.Passed {
		t.Fatalf("expected failure, got %s", v)
	}
	if !strings.Contains(v.String(), "incomplete") {
		t.Fatalf("diagnostics should explain the remainder: %s", v)
	}
}

func TestCoverageTailAbsentFailsClosed(t *testing.T) {
	src := randomSource(3, 600)
	out := randomSource(99, 40)
	v := Coverage{}.Evaluate(Inputs{Source: src, Output: out})
	if v.Passed {
		t.Fatalf("expected failure")
	}
	if !strings.HasPrefix(v.Diagnostics[0], "not located") {
		t.Fatalf("expected hard not-located failure, got %s", v)
	}
}

func TestCoverageNormalizesCaseAndDiacritics(t *testing.T) {
	src := "Incipit liber. " + randomSource(4, 200) + " Et sic finitur opus, laus Deo. Amen."
	out := strings.ToUpper("sic finitur opus, laus Deo.") + "   Amén."
	v := Coverage{}.Evaluate(Inputs{Source: src, Output: out})
	if !v.Passed {
		t.Fatalf("expected pass after normalization, got %s", v)
	}
}

func TestCoverageFallbackTail(t *testing.T) {
	src := randomSource(5, 400)
	tail := src[len(src)-60:]
	out := "garbled prefix that never appears in the source at all, truly nowhere " + tail
	v := Coverage{}.Evaluate(Inputs{Source: src, Output: out})
	if !v.Passed {
		t.Fatalf("expected pass via fallback, got %s", v)
	}
	if !strings.Contains(v.String(), "fallback") {
		t.Fatalf("expected fallback diagnostic: %s", v)
	}
}

func TestCoveragePercentTolerance(t *testing.T) {
	src := randomSource(6, 2000)
	end := len(src) - 900
	out := src[end-100 : end]
	if (Coverage{}).Evaluate(Inputs{Source: src, Output: out}).Passed {
		t.Fatalf("expected failure with the fixed tolerance")
	}
	v := Coverage{TolerancePercent: 10}.Evaluate(Inputs{Source: src, Output: out})
	if !v.Passed {
		t.Fatalf("expected pass with 10%% tolerance: %s", v)
	}
}

func TestCoverageIncompleteEnding(t *testing.T) {
	src := "in principio erat verbum, et verbum erat apud deum, et deus erat verbum et"
	c := Coverage{
		IncompleteEndings: []Ending{{Pattern: regexp.MustCompile(`\bet\s*$`), Message: `ends with "et"`}},
		ClosingMarkers:    []string{"amen", "."},
	}
	v := c.Evaluate(Inputs{Source: src, Output: "et deus erat verbum et"})
	if v.Passed {
		t.Fatalf("expected incomplete ending failure")
	}
	joined := v.String()
	if !strings.Contains(joined, `ends with "et"`) || !strings.Contains(joined, "warning") {
		t.Fatalf("unexpected diagnostics: %s", joined)
	}
}

func TestCoverageDeterministic(t *testing.T) {
	src := randomSource(7, 500)
	out := src[len(src)-250 : len(src)-120]
	first := Coverage{}.Evaluate(Inputs{Source: src, Output: out})
	for i := 0; i < 5; i++ {
		if again := (Coverage{}).Evaluate(Inputs{Source: src, Output: out}); !reflect.DeepEqual(first, again) {
			t.Fatalf("verdict changed between runs: %v vs %v", first, again)
		}
	}
}

func TestCoverageEmptyInputs(t *testing.T) {
	if (Coverage{}).Evaluate(Inputs{Source: "", Output: "x"}).Passed {
		t.Fatalf("empty source must fail")
	}
	if (Coverage{}).Evaluate(Inputs{Source: "x", Output: "  "}).Passed {
		t.Fatalf("empty output must fail")
	}
}

func TestBudget(t *testing.T) {
	b := Budget{Ceiling: 10, Currency: "USD"}
	under := domain.Costs{Total: 9.5}
	over := domain.Costs{Total: 12.4}
	if !b.Evaluate(Inputs{Costs: under}).Passed {
		t.Fatalf("under ceiling must pass")
	}
	v := b.Evaluate(Inputs{Costs: over})
	if v.Passed {
		t.Fatalf("over ceiling must fail")
	}
	if !strings.Contains(v.Diagnostics[0], "budget.override is unset") {
		t.Fatalf("diagnostic should name the override field: %s", v)
	}
	if !b.Evaluate(Inputs{Costs: over, Budget: &domain.Budget{OverrideBy: "editor"}}).Passed {
		t.Fatalf("override must pass")
	}
	if b.Evaluate(Inputs{Costs: over, Budget: &domain.Budget{OverrideBy: "editor", OverrideCeiling: 12}}).Passed {
		t.Fatalf("override ceiling below total must fail")
	}
	if !(Budget{}).Evaluate(Inputs{Costs: over}).Passed {
		t.Fatalf("disabled ceiling must pass")
	}
}

func TestVerdictResultCopiesDiagnostics(t *testing.T) {
	v := Fail("a", "b")
	r := v.Result("coverage", "2024-01-01T00:00:00Z")
	v.Diagnostics[0] = "changed"
	if r.Diagnostics[0] != "a" || r.Passed || r.Gate != "coverage" {
		t.Fatalf("unexpected result: %+v", r)
	}
}
