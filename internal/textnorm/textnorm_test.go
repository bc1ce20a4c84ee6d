package textnorm

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Hello\n\tWorld  ", "hello world"},
		{"Café Crème", "cafe creme"},
		{"«Ave»  [Col. 0700D] Maria", `"ave" maria`},
		{"It’s", "it's"},
		{"Ἐν ἀρχῇ", "εν αρχη"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Fatalf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestTail(t *testing.T) {
	if got := Tail("abcdef", 3); got != "def" {
		t.Fatalf("tail: %q", got)
	}
	if got := Tail("ab", 3); got != "ab" {
		t.Fatalf("short tail: %q", got)
	}
	if got := Tail("żółw", 2); got != "łw" {
		t.Fatalf("rune tail: %q", got)
	}
	if got := Tail("abc", 0); got != "" {
		t.Fatalf("zero tail: %q", got)
	}
}
