package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	long := strings.Repeat("x", 250)
	tests := []struct {
		name   string
		result string
		output string
		want   string
	}{
		{"marker in output", "", "working\nSummary: fixed the race\nbye\n", "fixed the race"},
		{"result marker", "", "Result : all tests pass", "all tests pass"},
		{"done marker case-insensitive", "", "DONE: shipped", "shipped"},
		{"first marker wins", "", "done: one\nsummary: two", "one"},
		{"result text preferred", "Refactored the parser.", "summary: from output", "Refactored the parser."},
		{"marker inside result text", "Intro\nSummary: short version", "", "short version"},
		{"last non-empty line", "", "first\nsecond\n\n  \n", "second"},
		{"truncated", "", long, strings.Repeat("x", 197) + "..."},
		{"fallback", "", "\n\n", fallbackSummary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.result, tt.output))
		})
	}
}
