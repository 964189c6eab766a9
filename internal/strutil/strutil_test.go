package strutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	testcases := []struct {
		name     string
		s        string
		max      int
		ellipsis string
		want     string
	}{
		{name: "short enough", s: "hello", max: 5, want: "hello"},
		{name: "cut without ellipsis", s: "hello world", max: 5, want: "hello"},
		{name: "cut with ellipsis", s: "hello world", max: 6, ellipsis: "…", want: "hello…"},
		{name: "multibyte runes", s: "héllo wörld", max: 4, want: "héll"},
		{name: "ellipsis longer than max", s: "hello", max: 2, ellipsis: "...", want: "he"},
		{name: "zero max", s: "hello", max: 0, want: ""},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Truncate(tc.s, tc.max, tc.ellipsis))
		})
	}
}
