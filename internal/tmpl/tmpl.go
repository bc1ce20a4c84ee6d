// Package tmpl fills fixed templates with named values. The placeholder set is
// read from the template itself, and output keeps the template structure exactly.
package tmpl

import (
	"fmt"
	"regexp"
	"strings"

	"folioline/internal/gate"
)

// SyntaxError reports a malformed template.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Offset, e.Msg)
}

// MissingValuesError lists placeholders with no value, in order of first appearance.
type MissingValuesError struct {
	Names []string
}

func (e *MissingValuesError) Error() string {
	return "missing template values: " + strings.Join(e.Names, ", ")
}

type segment struct {
	literal string
	name    string
}

// Template is a parsed template. Literal braces are written as {{ and }}.
type Template struct {
	src      string
	segments []segment
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

func Parse(src string) (*Template, error) {
	t := &Template{src: src}
	var lit strings.Builder
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '{' && i+1 < len(src) && src[i+1] == '{':
			lit.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(src) && src[i+1] == '}':
			lit.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(src[i+1:], '}')
			if end < 0 {
				return nil, &SyntaxError{Offset: i, Msg: "unclosed placeholder"}
			}
			name := src[i+1 : i+1+end]
			if !namePattern.MatchString(name) {
				return nil, &SyntaxError{Offset: i, Msg: fmt.Sprintf("invalid placeholder name %q", name)}
			}
			if lit.Len() > 0 {
				t.segments = append(t.segments, segment{literal: lit.String()})
				lit.Reset()
			}
			t.segments = append(t.segments, segment{name: name})
			i += end + 2
		case c == '}':
			return nil, &SyntaxError{Offset: i, Msg: "unmatched }"}
		default:
			lit.WriteByte(c)
			i++
		}
	}
	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{literal: lit.String()})
	}
	return t, nil
}

// Placeholders returns the distinct placeholder names in order of first appearance.
func (t *Template) Placeholders() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range t.segments {
		if s.name != "" && !seen[s.name] {
			seen[s.name] = true
			out = append(out, s.name)
		}
	}
	return out
}

// Execute substitutes values literally. Values are never parsed as template
// text, and values without a placeholder are ignored.
func (t *Template) Execute(values map[string]string) (string, error) {
	var missing []string
	for _, name := range t.Placeholders() {
		if _, ok := values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", &MissingValuesError{Names: missing}
	}
	var b strings.Builder
	for _, s := range t.segments {
		if s.name != "" {
			b.WriteString(values[s.name])
			continue
		}
		b.WriteString(s.literal)
	}
	return b.String(), nil
}

// Render parses src and executes it with values.
func Render(src string, values map[string]string) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.Execute(values)
}

// Placeholders parses src and lists its placeholder names.
func Placeholders(src string) ([]string, error) {
	t, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return t.Placeholders(), nil
}

// ValidateStructure rejects text containing any forbidden marker, such as an
// unauthorized section header. Patterns are regular expressions matched per line.
func ValidateStructure(text string, forbidden []string) (gate.Verdict, error) {
	res := make([]*regexp.Regexp, 0, len(forbidden))
	for _, p := range forbidden {
		re, err := regexp.Compile(p)
		if err != nil {
			return gate.Verdict{}, fmt.Errorf("forbidden pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return checkStructure(text, forbidden, res), nil
}

func checkStructure(text string, sources []string, res []*regexp.Regexp) gate.Verdict {
	var diags []string
	for n, line := range strings.Split(text, "\n") {
		for i, re := range res {
			if re.MatchString(line) {
				diags = append(diags, fmt.Sprintf("line %d matches forbidden pattern %q: %s", n+1, sources[i], strings.TrimSpace(line)))
			}
		}
	}
	if len(diags) > 0 {
		return gate.Fail(diags...)
	}
	return gate.Pass(fmt.Sprintf("no forbidden markers among %d patterns", len(res)))
}

// StructureGate is ValidateStructure with precompiled patterns. The text under test is Inputs.Output.
type StructureGate struct {
	sources []string
	res     []*regexp.Regexp
}

func NewStructureGate(forbidden []string) (*StructureGate, error) {
	g := &StructureGate{}
	for _, p := range forbidden {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("forbidden pattern %q: %w", p, err)
		}
		g.sources = append(g.sources, p)
		g.res = append(g.res, re)
	}
	return g, nil
}

func (g *StructureGate) Name() string { return "structure" }

func (g *StructureGate) Evaluate(in gate.Inputs) gate.Verdict {
	return checkStructure(in.Output, g.sources, g.res)
}
