// Package normalize cleans text and numeric strings pulled out of lot pages.
package normalize

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var zeroWidth = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
)

// Text strips zero-width characters, applies NFKC, collapses whitespace runs to one space and trims the ends.
// Text is idempotent.
func Text(s string) string {
	if s == "" {
		return ""
	}
	s = zeroWidth.Replace(s)
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}
