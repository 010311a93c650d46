// Package normalizers provides the string normalizers applied to contact signals
// before they are stored or compared
package normalizers

import (
	"fmt"
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = map[string]Normalizer{
	"lowercase":         Lowercase,
	"trim":              Trim,
	"email":             NormalizeEmail,
	"digits_only":       DigitsOnly,
	"remove_whitespace": RemoveWhitespace,
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Chain composes the named normalizers, applied left to right. Unknown names are an
// error so a typo in configuration fails at startup instead of silently matching less.
func Chain(names ...string) (Normalizer, error) {
	fns := make([]Normalizer, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		fn, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown normalizer %q", name)
		}
		fns = append(fns, fn)
	}

	return func(s string) string {
		for _, fn := range fns {
			s = fn(s)
		}
		return s
	}, nil
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone trims a phone number. Formatting inside the number is preserved, so
// "+1 555" and "+1555" are distinct signals.
func NormalizePhone(s string) string {
	return strings.TrimSpace(s)
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
