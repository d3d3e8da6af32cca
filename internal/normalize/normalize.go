// Package normalize canonicalizes DNS labels and domain names. Block-list
// entries arrive as either Unicode or Punycode labels; everything is reduced
// to a lowercase canonical pair before validity checks or lookups.
package normalize

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrInvalidLabel indicates the provided string is not a valid DNS label.
	ErrInvalidLabel = errors.New("invalid DNS label")
)

var (
	ldhRe = regexp.MustCompile(`^[a-z0-9-]{1,63}$`)
)

// ToASCII converts a single label to its ASCII (Punycode) form using the IDNA
// Lookup profile. DNS is case-insensitive; the result is lowercase canonical.
func ToASCII(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ErrInvalidLabel
	}
	ascii, err := idna.Lookup.ToASCII(label)
	if err != nil {
		return "", ErrInvalidLabel
	}
	return strings.ToLower(ascii), nil
}

// ToUnicode converts an ASCII label (possibly punycoded) to Unicode.
func ToUnicode(ascii string) (string, error) {
	unicode, err := idna.Lookup.ToUnicode(ascii)
	if err != nil {
		return "", ErrInvalidLabel
	}
	return unicode, nil
}

// ValidateLDH asserts the ASCII label is LDH and within length constraints
// with no leading/trailing hyphen.
func ValidateLDH(ascii string) error {
	if !ldhRe.MatchString(ascii) {
		return ErrInvalidLabel
	}
	if strings.HasPrefix(ascii, "-") || strings.HasSuffix(ascii, "-") {
		return ErrInvalidLabel
	}
	return nil
}

// CanonicalForms returns the lowercase ASCII and Unicode forms of a label
// that may arrive in either representation.
func CanonicalForms(label string) (ascii string, unicode string, err error) {
	ascii, err = ToASCII(label)
	if err != nil {
		return "", "", err
	}
	if err = ValidateLDH(ascii); err != nil {
		return "", "", err
	}
	unicode, err = ToUnicode(ascii)
	if err != nil {
		return "", "", err
	}
	return ascii, unicode, nil
}

// SecondLevelLabel extracts the label directly under tld from a zone owner
// name. It rejects the TLD apex and anything deeper than second level.
//
//	SecondLevelLabel("Example.com.", "com") -> "example"
//	SecondLevelLabel("a.b.com.", "com")     -> error
func SecondLevelLabel(owner string, tld string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(owner), "."))
	suffix := "." + strings.ToLower(tld)
	if !strings.HasSuffix(name, suffix) {
		return "", ErrInvalidLabel
	}
	label := strings.TrimSuffix(name, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", ErrInvalidLabel
	}
	ascii, _, err := CanonicalForms(label)
	if err != nil {
		return "", err
	}
	return ascii, nil
}
