package router

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxSummaryLen   = 200
	fallbackSummary = "Task finished (no summary available)"
)

var summaryMarkerRe = regexp.MustCompile(`(?im)^\s*(?:summary|result|done)\s*:\s*(.+?)\s*$`)

// Summarize extracts a one-line summary. The tool's own result text is used
// when present, otherwise the raw output. Within the chosen text the first
// "summary:", "result:" or "done:" line wins, then the last non-empty line.
func Summarize(resultText, output string) string {
	text := output
	if strings.TrimSpace(resultText) != "" {
		text = resultText
	}
	if m := summaryMarkerRe.FindStringSubmatch(text); m != nil {
		return truncate(m[1])
	}
	if line := lastLine(text); line != "" {
		return truncate(line)
	}
	return fallbackSummary
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxSummaryLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxSummaryLen-3]) + "..."
}
