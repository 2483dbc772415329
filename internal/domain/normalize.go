package domain

import (
	"golang.org/x/text/cases"
)

// NormalizeKey folds the given key so that two keys which only differ in letter case compare equal.
// Unicode simple case folding is used, so the result does not depend on any locale or database collation.
// It must be applied before every lookup, comparison and uniqueness check on user names, emails and role names.
func NormalizeKey(key string) string {
	if key == "" {
		return ""
	}

	// a Caser keeps internal state, so a new one is created for each call
	return cases.Fold().String(key)
}

// KeysEqual reports whether a and b are equal after normalization.
func KeysEqual(a, b string) bool {
	return NormalizeKey(a) == NormalizeKey(b)
}
