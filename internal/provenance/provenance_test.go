package provenance

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

const source = `Bernard of Clairvaux wrote that the soul ascends by degrees of humility toward truth [1].
The twelve steps of pride mirror the ladder that Jacob beheld in his dream (Gen. 28:12).
Migne prints the treatise in PL 182, col. 941 with variant readings later weighed by Leclercq (Leclercq, 1957).`

func TestExtractionPasses(t *testing.T) {
	derived := `Bernard of Clairvaux wrote that the soul ascends by degrees of humility toward truth [1].
The twelve steps of pride mirror the ladder that Jacob beheld in his dream (Gen. 28:12).
Readings were weighed by Leclercq (Leclercq, 1957).`
	v := Default().Validate(source, derived)
	if !v.Passed {
		t.Fatalf("expected pass: %s", v)
	}
}

func TestSummaryFailsCitationsAndPhrases(t *testing.T) {
	derived := "In summary, this text discusses humility and pride. Overall, the author argues that monks should be humble."
	v := Default().Validate(source, derived)
	if v.Passed {
		t.Fatalf("summary must fail")
	}
	joined := strings.Join(v.Diagnostics, "\n")
	for _, want := range []string{"citations failed", "phrases failed", "filler: 4"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in diagnostics:\n%s", want, joined)
		}
	}
}

func TestFillerCeiling(t *testing.T) {
	derived := `Bernard of Clairvaux wrote that the soul ascends by degrees of humility toward truth [1].
(Gen. 28:12) (Leclercq, 1957). In summary, in conclusion, to summarize: overall, in essence it is worth noting
that this passage explores a rich tapestry.`
	v := Default().Validate(source, derived)
	if v.Passed {
		t.Fatalf("filler-heavy text must fail")
	}
	joined := strings.Join(v.Diagnostics, "\n")
	if !strings.Contains(joined, "filler failed") {
		t.Fatalf("expected filler failure: %s", joined)
	}
	if strings.Contains(joined, "citations failed") || strings.Contains(joined, "phrases failed") {
		t.Fatalf("only the filler check should fail: %s", joined)
	}
}

func TestCitationRatioBelowThreshold(t *testing.T) {
	derived := "Bernard of Clairvaux wrote that the soul ascends by degrees of humility toward truth [1]."
	v := Default().Validate(source, derived)
	if v.Passed {
		t.Fatalf("1 of 4 citations must fail")
	}
	if !strings.HasPrefix(v.Diagnostics[0], "citations failed: 1 of 4") {
		t.Fatalf("unexpected citation diagnostic: %s", v.Diagnostics[0])
	}
	if !strings.Contains(v.Diagnostics[0], "(Gen. 28:12)") && !strings.Contains(v.Diagnostics[0], "Gen. 28:12") {
		t.Fatalf("missing citations should be listed: %s", v.Diagnostics[0])
	}
}

func TestSourceWithoutCitationsSkipsRatio(t *testing.T) {
	src := "The abbot walked through frozen cloisters before vespers every winter evening."
	v := Default().Validate(src, "He said the abbot walked through frozen cloisters before vespers.")
	if !v.Passed {
		t.Fatalf("expected pass: %s", v)
	}
	if !strings.Contains(v.Diagnostics[0], "skipped") {
		t.Fatalf("expected skipped citation check: %s", v.Diagnostics[0])
	}
}

func TestNoPhrasesNoCitationsAlwaysFails(t *testing.T) {
	val := Default()
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		var b strings.Builder
		n := 5 + rng.Intn(400)
		for j := 0; j < n; j++ {
			b.WriteString("zq")
			for k := 0; k < 1+rng.Intn(6); k++ {
				b.WriteByte(byte('a' + rng.Intn(26)))
			}
			b.WriteByte(' ')
		}
		if v := val.Validate(source, b.String()); v.Passed {
			t.Fatalf("derived document of %d words without phrases or citations passed: %s", n, v)
		}
	}
}

func TestPhrasesDeterministicSample(t *testing.T) {
	val, err := New(Options{MaxPhraseSamples: 3})
	if err != nil {
		t.Fatal(err)
	}
	first := val.Phrases(source)
	if len(first) != 3 {
		t.Fatalf("expected 3 samples, got %v", first)
	}
	if again := val.Phrases(source); !reflect.DeepEqual(first, again) {
		t.Fatalf("sample not deterministic")
	}
	a := val.Validate(source, "anything at all")
	b := val.Validate(source, "anything at all")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("verdict not deterministic")
	}
}

func TestGenericPhrasesExcluded(t *testing.T) {
	val := Default()
	for _, p := range val.Phrases("On the other hand we walked in order to rest as well as pray.") {
		if strings.Contains(p, "in order to") || strings.Contains(p, "on the other hand") {
			t.Fatalf("generic phrase sampled: %q", p)
		}
	}
}

func TestCitationsExtraction(t *testing.T) {
	got := Default().Citations(source)
	want := []string{"[1]", "Gen. 28:12", "PL 182, col. 941", "(Leclercq, 1957)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("citations = %q, want %q", got, want)
	}
}

func TestInvalidPattern(t *testing.T) {
	if _, err := New(Options{CitationPatterns: []string{"("}}); err == nil {
		t.Fatalf("expected compile error")
	}
}
