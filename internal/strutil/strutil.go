package strutil

import "unicode/utf8"

// Truncate shortens s to at most max runes. When s is cut and ellipsis is not
// empty, the result ends with ellipsis and still fits in max runes.
func Truncate(s string, max int, ellipsis string) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(ellipsis)
	if keep <= 0 {
		keep = max
		ellipsis = ""
	}
	n := 0
	for i := range s {
		if n == keep {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}
