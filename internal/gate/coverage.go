package gate

import (
	"fmt"
	"regexp"
	"strings"

	"folioline/internal/textnorm"
)

const (
	DefaultTailChars         = 100
	DefaultFallbackTailChars = 50
	DefaultToleranceChars    = 500
)

// Ending flags a last output unit that stops mid-sentence.
type Ending struct {
	Pattern *regexp.Regexp
	Message string
}

// Coverage checks that the last unit of generated output maps onto the end of
// the source document. A tail that cannot be located at all fails closed.
type Coverage struct {
	TailChars         int
	FallbackTailChars int
	ToleranceChars    int
	// TolerancePercent widens the tolerance to a share of the normalized source length.
	TolerancePercent  float64
	IncompleteEndings []Ending
	// ClosingMarkers produce a warning, never a failure, when none matches.
	ClosingMarkers []string
}

func (c Coverage) Name() string { return "coverage" }

func (c Coverage) withDefaults() Coverage {
	if c.TailChars <= 0 {
		c.TailChars = DefaultTailChars
	}
	if c.FallbackTailChars <= 0 {
		c.FallbackTailChars = DefaultFallbackTailChars
	}
	if c.ToleranceChars <= 0 {
		c.ToleranceChars = DefaultToleranceChars
	}
	return c
}

func (c Coverage) tolerance(sourceLen int) int {
	tol := c.ToleranceChars
	if c.TolerancePercent > 0 {
		if pct := int(c.TolerancePercent / 100 * float64(sourceLen)); pct > tol {
			tol = pct
		}
	}
	return tol
}

// Evaluate reads in.Source as the source document and in.Output as the last output unit.
func (c Coverage) Evaluate(in Inputs) Verdict {
	c = c.withDefaults()
	src := textnorm.Normalize(in.Source)
	chunk := textnorm.Normalize(in.Output)
	if src == "" {
		return Fail("source text is empty after normalization")
	}
	if chunk == "" {
		return Fail("last output unit is empty after normalization")
	}
	srcLen := textnorm.Len(src)

	pos, matched, fallback := c.locate(src, chunk)
	if pos < 0 {
		return Fail(
			fmt.Sprintf("not located: the last %d characters of the last output unit do not occur in the source; the output may come from a different source", textnorm.Len(textnorm.Tail(chunk, c.TailChars))),
			fmt.Sprintf("source_length=%d chunk_length=%d", srcLen, textnorm.Len(chunk)),
		)
	}
	end := pos + len(matched)
	remaining := textnorm.Len(src[end:])
	pct := float64(remaining) / float64(srcLen) * 100
	tol := c.tolerance(srcLen)

	var diags []string
	metrics := fmt.Sprintf("source_length=%d position=%d remaining_chars=%d remaining_pct=%.1f tolerance_chars=%d",
		srcLen, textnorm.Len(src[:pos]), remaining, pct, tol)
	if fallback {
		diags = append(diags, fmt.Sprintf("located with the %d-character fallback tail", c.FallbackTailChars))
	}
	passed := true
	if remaining > tol {
		passed = false
		diags = append(diags, fmt.Sprintf("incomplete: output ends %.1f%% through the source; %d characters remain after the last output unit, tolerance is %d", 100-pct, remaining, tol))
	}
	for _, e := range c.IncompleteEndings {
		if e.Pattern != nil && e.Pattern.MatchString(chunk) {
			passed = false
			diags = append(diags, "incomplete ending: "+e.Message)
		}
	}
	if len(c.ClosingMarkers) > 0 && !hasClosingMarker(chunk, c.ClosingMarkers) {
		diags = append(diags, "warning: last output unit does not end with a closing marker ("+strings.Join(c.ClosingMarkers, ", ")+")")
	}
	diags = append(diags, metrics)
	if passed {
		return Pass(diags...)
	}
	return Fail(diags...)
}

// locate returns the byte offset of the last occurrence of the chunk tail in
// src, trying the configured tail length first and the shorter fallback second.
func (c Coverage) locate(src, chunk string) (int, string, bool) {
	primary := textnorm.Tail(chunk, c.TailChars)
	if pos := strings.LastIndex(src, primary); pos >= 0 {
		return pos, primary, false
	}
	if textnorm.Len(chunk) > c.FallbackTailChars && c.FallbackTailChars < c.TailChars {
		fb := textnorm.Tail(chunk, c.FallbackTailChars)
		if pos := strings.LastIndex(src, fb); pos >= 0 {
			return pos, fb, true
		}
	}
	return -1, "", false
}

func hasClosingMarker(chunk string, markers []string) bool {
	trimmed := strings.TrimSpace(chunk)
	for _, m := range markers {
		if strings.HasSuffix(trimmed, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
