package agent

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; a cut at byte 2 would split the second one.
	got := truncate("aé"+strings.Repeat("é", 5), 2)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "a...", got)

	got = truncate(strings.Repeat("日本", 50), 200)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 203)
}
