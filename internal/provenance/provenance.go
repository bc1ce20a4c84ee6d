// Package provenance detects derived documents that were fabricated or
// summarized instead of extracted from their source, by measuring literal overlap.
package provenance

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"folioline/internal/gate"
	"folioline/internal/textnorm"
)

const (
	DefaultMinCitationRatio = 0.5
	DefaultMinPhraseWords   = 5
	DefaultMaxPhraseSamples = 40
	DefaultMaxFillerMatches = 5
	minContentWords         = 3
)

// Options configures a Validator. Zero values take the defaults.
type Options struct {
	MinCitationRatio float64
	MinPhraseWords   int
	MaxPhraseSamples int
	MaxFillerMatches int
	CitationPatterns []string
	FillerPatterns   []string
	GenericPhrases   []string
	Stopwords        []string
}

type Validator struct {
	minRatio   float64
	phraseLen  int
	maxSamples int
	maxFiller  int
	citations  []*regexp.Regexp
	fillers    []filler
	generic    []string
	stopwords  map[string]bool
}

type filler struct {
	source string
	re     *regexp.Regexp
}

// New compiles the configured patterns. An invalid pattern is a configuration error.
func New(opts Options) (*Validator, error) {
	v := &Validator{
		minRatio:   opts.MinCitationRatio,
		phraseLen:  opts.MinPhraseWords,
		maxSamples: opts.MaxPhraseSamples,
		maxFiller:  opts.MaxFillerMatches,
		stopwords:  map[string]bool{},
	}
	if v.minRatio <= 0 {
		v.minRatio = DefaultMinCitationRatio
	}
	if v.phraseLen <= 0 {
		v.phraseLen = DefaultMinPhraseWords
	}
	if v.maxSamples <= 0 {
		v.maxSamples = DefaultMaxPhraseSamples
	}
	if v.maxFiller <= 0 {
		v.maxFiller = DefaultMaxFillerMatches
	}
	citations := opts.CitationPatterns
	if len(citations) == 0 {
		citations = DefaultCitationPatterns
	}
	for _, p := range citations {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("citation pattern %q: %w", p, err)
		}
		v.citations = append(v.citations, re)
	}
	fillers := opts.FillerPatterns
	if len(fillers) == 0 {
		fillers = DefaultFillerPatterns
	}
	for _, p := range fillers {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("filler pattern %q: %w", p, err)
		}
		v.fillers = append(v.fillers, filler{source: p, re: re})
	}
	generic := opts.GenericPhrases
	if len(generic) == 0 {
		generic = DefaultGenericPhrases
	}
	for _, g := range generic {
		if w := words(g); len(w) > 0 {
			v.generic = append(v.generic, " "+strings.Join(w, " ")+" ")
		}
	}
	stop := opts.Stopwords
	if len(stop) == 0 {
		stop = DefaultStopwords
	}
	for _, s := range stop {
		v.stopwords[textnorm.Normalize(s)] = true
	}
	return v, nil
}

// Default returns a Validator with the default calibration.
func Default() *Validator {
	v, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Validator) Name() string { return "provenance" }

func (v *Validator) Evaluate(in gate.Inputs) gate.Verdict {
	return v.Validate(in.Source, in.Output)
}

// Validate runs the citation, distinctive-phrase and filler checks
// independently. The verdict fails when any of them fails.
func (v *Validator) Validate(source, derived string) gate.Verdict {
	var diags []string
	passed := true
	for _, check := range []func(string, string) (bool, string){
		v.checkCitations,
		v.checkPhrases,
		v.checkFiller,
	} {
		ok, msg := check(source, derived)
		if !ok {
			passed = false
		}
		diags = append(diags, msg)
	}
	if passed {
		return gate.Pass(diags...)
	}
	return gate.Fail(diags...)
}

// Citations returns the distinct citation tokens of text in order of first appearance.
func (v *Validator) Citations(text string) []string {
	type hit struct {
		pos   int
		token string
	}
	var hits []hit
	seen := map[string]bool{}
	for _, re := range v.citations {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			tok := textnorm.CollapseSpace(text[loc[0]:loc[1]])
			if tok == "" || seen[tok] {
				continue
			}
			seen[tok] = true
			hits = append(hits, hit{pos: loc[0], token: tok})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.token)
	}
	return out
}

func (v *Validator) checkCitations(source, derived string) (bool, string) {
	tokens := v.Citations(source)
	if len(tokens) == 0 {
		return true, "citations: source has no citation tokens; check skipped"
	}
	flat := textnorm.CollapseSpace(derived)
	var missing []string
	found := 0
	for _, tok := range tokens {
		if strings.Contains(flat, tok) {
			found++
		} else {
			missing = append(missing, tok)
		}
	}
	ratio := float64(found) / float64(len(tokens))
	if ratio < v.minRatio {
		msg := fmt.Sprintf("citations failed: %d of %d source citations preserved (ratio %.2f < %.2f)", found, len(tokens), ratio, v.minRatio)
		if len(missing) > 0 {
			msg += "; missing: " + strings.Join(limit(missing, 8), ", ")
		}
		return false, msg
	}
	return true, fmt.Sprintf("citations: %d of %d source citations preserved (ratio %.2f)", found, len(tokens), ratio)
}

// Phrases returns the deterministic sample of distinctive source phrases.
func (v *Validator) Phrases(source string) []string {
	var candidates []string
	seen := map[string]bool{}
	for _, sentence := range sentences(source) {
		w := words(sentence)
		for i := 0; i+v.phraseLen <= len(w); i++ {
			window := w[i : i+v.phraseLen]
			if !v.distinctive(window) {
				continue
			}
			phrase := strings.Join(window, " ")
			if seen[phrase] {
				continue
			}
			seen[phrase] = true
			candidates = append(candidates, phrase)
		}
	}
	if len(candidates) <= v.maxSamples {
		return candidates
	}
	sample := make([]string, 0, v.maxSamples)
	for i := 0; i < v.maxSamples; i++ {
		sample = append(sample, candidates[i*len(candidates)/v.maxSamples])
	}
	return sample
}

func (v *Validator) distinctive(window []string) bool {
	content := 0
	for _, w := range window {
		if !v.stopwords[w] && len([]rune(w)) > 2 {
			content++
		}
	}
	if content < minContentWords {
		return false
	}
	padded := " " + strings.Join(window, " ") + " "
	for _, g := range v.generic {
		if strings.Contains(padded, g) {
			return false
		}
	}
	return true
}

func (v *Validator) checkPhrases(source, derived string) (bool, string) {
	phrases := v.Phrases(source)
	if len(phrases) == 0 {
		return false, fmt.Sprintf("phrases failed: source yields no distinctive %d-word phrases to verify extraction", v.phraseLen)
	}
	haystack := " " + strings.Join(words(derived), " ") + " "
	found := 0
	for _, p := range phrases {
		if strings.Contains(haystack, " "+p+" ") {
			found++
		}
	}
	if found == 0 {
		return false, fmt.Sprintf("phrases failed: 0 of %d sampled distinctive source phrases occur in the derived text; it reads as summarized or fabricated rather than extracted", len(phrases))
	}
	return true, fmt.Sprintf("phrases: %d of %d sampled distinctive source phrases found", found, len(phrases))
}

func (v *Validator) checkFiller(_, derived string) (bool, string) {
	total := 0
	var parts []string
	for _, f := range v.fillers {
		n := len(f.re.FindAllStringIndex(derived, -1))
		if n == 0 {
			continue
		}
		total += n
		parts = append(parts, fmt.Sprintf("%s x%d", f.source, n))
	}
	if total > v.maxFiller {
		return false, fmt.Sprintf("filler failed: %d generic summarization phrases exceed the ceiling of %d (%s)", total, v.maxFiller, strings.Join(parts, ", "))
	}
	return true, fmt.Sprintf("filler: %d generic summarization phrases (ceiling %d)", total, v.maxFiller)
}

var sentenceBreak = regexp.MustCompile(`[.!?;:\n]+`)

func sentences(text string) []string {
	return sentenceBreak.Split(text, -1)
}

// words returns the normalized word tokens of text.
func words(text string) []string {
	norm := textnorm.Normalize(text)
	return strings.FieldsFunc(norm, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func limit(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	out := append([]string(nil), items[:n]...)
	return append(out, fmt.Sprintf("(+%d more)", len(items)-n))
}
