package tmpl

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"folioline/internal/gate"
)

func TestRenderExact(t *testing.T) {
	got, err := Render("{a} {b}", map[string]string{"a": "x", "b": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "x y" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderMissingNamesValue(t *testing.T) {
	_, err := Render("{a} {b}", map[string]string{"a": "x"})
	var missing *MissingValuesError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingValuesError, got %v", err)
	}
	if !reflect.DeepEqual(missing.Names, []string{"b"}) {
		t.Fatalf("missing = %v", missing.Names)
	}
	if !strings.Contains(err.Error(), "b") {
		t.Fatalf("error should name b: %v", err)
	}
}

func TestRenderExtraValuesIgnored(t *testing.T) {
	got, err := Render("Title: {title}", map[string]string{"title": "De gradibus", "unused": "## Injected"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Title: De gradibus" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderValuesAreLiteral(t *testing.T) {
	got, err := Render("{a}|{b}", map[string]string{"a": "{b}", "b": "z"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "{b}|z" {
		t.Fatalf("values must not be re-expanded: %q", got)
	}
}

func TestEscapedBraces(t *testing.T) {
	got, err := Render("{{literal}} {x}", map[string]string{"x": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "{literal} 1" {
		t.Fatalf("got %q", got)
	}
}

func TestPlaceholdersOrderAndDedup(t *testing.T) {
	names, err := Placeholders("{b} {a} {b} {source.title}")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"b", "a", "source.title"}) {
		t.Fatalf("names = %v", names)
	}
}

func TestSyntaxErrors(t *testing.T) {
	for _, src := range []string{"{open", "close}", "{bad name}", "{}"} {
		_, err := Parse(src)
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Fatalf("%q: expected SyntaxError, got %v", src, err)
		}
	}
}

func TestValidateStructure(t *testing.T) {
	text := "# Title\nBody line\n## Summary\nmore"
	v, err := ValidateStructure(text, []string{`^## Summary`, `(?i)^#+\s*key takeaways`})
	if err != nil {
		t.Fatal(err)
	}
	if v.Passed {
		t.Fatalf("expected failure")
	}
	if len(v.Diagnostics) != 1 || !strings.Contains(v.Diagnostics[0], "line 3") {
		t.Fatalf("diagnostics: %v", v.Diagnostics)
	}
	ok, err := ValidateStructure("# Title\nBody", []string{`^## Summary`})
	if err != nil || !ok.Passed {
		t.Fatalf("expected pass, got %v %v", ok, err)
	}
	if _, err := ValidateStructure("x", []string{"("}); err == nil {
		t.Fatalf("expected pattern error")
	}
}

func TestStructureGateMatchesFunction(t *testing.T) {
	patterns := []string{`^## Summary`}
	g, err := NewStructureGate(patterns)
	if err != nil {
		t.Fatal(err)
	}
	text := "intro\n## Summary"
	want, _ := ValidateStructure(text, patterns)
	if got := g.Evaluate(gate.Inputs{Output: text}); !reflect.DeepEqual(got, want) {
		t.Fatalf("gate %v != function %v", got, want)
	}
}
