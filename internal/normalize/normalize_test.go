package normalize

import (
	"strings"
	"testing"
)

func TestCanonicalForms(t *testing.T) {
	ascii, uni, err := CanonicalForms("Café")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ascii != "xn--caf-dma" {
		t.Fatalf("ascii=%q; want %q", ascii, "xn--caf-dma")
	}
	if strings.ToLower(uni) != "café" {
		t.Fatalf("unicode=%q; want lowercase %q", uni, "café")
	}

	// Punycode input canonicalizes to the same pair.
	ascii2, uni2, err := CanonicalForms("XN--CAF-DMA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ascii2 != ascii || strings.ToLower(uni2) != strings.ToLower(uni) {
		t.Fatalf("punycode input diverged: %q/%q vs %q/%q", ascii2, uni2, ascii, uni)
	}

	// LDH violations
	for _, bad := range []string{"", "bad-", "-bad", "exa/mple", "exa mple", "a.b"} {
		if _, _, err := CanonicalForms(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSecondLevelLabel(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Example.com.", "example"},
		{"example.com", "example"},
		{" foo.com. ", "foo"},
		{"Café.com.", "xn--caf-dma"},
	}
	for _, tc := range cases {
		got, err := SecondLevelLabel(tc.in, "com")
		if err != nil {
			t.Fatalf("SecondLevelLabel(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("SecondLevelLabel(%q)=%q; want %q", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"com.", "a.b.com.", "example.net.", "example"} {
		if _, err := SecondLevelLabel(bad, "com"); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
