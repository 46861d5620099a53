package provider

import (
	"bytes"
	"encoding/json"
)

// Byte patterns for field extraction.
var (
	typeKey       = []byte(`"type"`)
	patSessionID1 = []byte(`"session_id":"`)
	patSessionID2 = []byte(`"session_id": "`)
)

// streamResult is the final "result" event of a stream-json run.
type streamResult struct {
	Subtype      string       `json:"subtype"`
	IsError      bool         `json:"is_error"`
	Result       string       `json:"result"`
	SessionID    string       `json:"session_id"`
	TotalCostUSD *float64     `json:"total_cost_usd"`
	Usage        *streamUsage `json:"usage"`
}

type streamUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// parseStreamLine extracts signals from one stream-json event.
// ok is false when the line is not a recognised event.
//
// Routing by top-level "type":
//   - "system"    → byte-level session_id extraction
//   - "result"    → full JSON parse (usage, cost, result text)
//   - "assistant", "user" → session_id only; usage is taken from the
//     result event so per-message usage is not double counted
func parseStreamLine(line []byte) (ParseResult, bool) {
	var r ParseResult
	switch extractTopLevelType(line) {
	case "system", "assistant", "user":
		r.NativeSessionID = extractSessionIDBytes(line)
		return r, true

	case "result":
		var ev streamResult
		if err := json.Unmarshal(line, &ev); err != nil {
			return r, false
		}
		r.NativeSessionID = ev.SessionID
		r.ResultText = ev.Result
		r.Cost = ev.TotalCostUSD
		if u := ev.Usage; u != nil {
			r.Tokens = &Tokens{
				In:  u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
				Out: u.OutputTokens,
			}
		}
		if ev.IsError && rateLimitRe.MatchString(ev.Result) {
			r.RateLimited = true
		}
		return r, true
	}
	return r, false
}

// extractTopLevelType finds the top-level "type" field in a JSON line.
// Tracks brace depth and string boundaries so nested "type" keys are ignored.
func extractTopLevelType(line []byte) string {
	depth := 0
	for i := 0; i < len(line); {
		switch line[i] {
		case '"':
			if depth == 1 && bytes.HasPrefix(line[i:], typeKey) {
				val, isKey := classifyType(line, i+len(typeKey))
				if isKey {
					return val
				}
			}
			i = skipJSONString(line, i)
		case '{':
			depth++
			i++
		case '}':
			depth--
			i++
		default:
			i++
		}
	}
	return ""
}

// classifyType checks whether pos follows a JSON key and returns its value.
// isKey=false means "type" appeared as a value and scanning should continue.
func classifyType(line []byte, pos int) (val string, isKey bool) {
	i := skipSpaces(line, pos)
	if i >= len(line) || line[i] != ':' {
		return "", false
	}
	i = skipSpaces(line, i+1)
	if i >= len(line) || line[i] != '"' {
		return "", true
	}
	i++

	end := bytes.IndexByte(line[i:], '"')
	if end < 0 || end > 20 {
		return "", true
	}
	v := string(line[i : i+end])
	switch v {
	case "system", "assistant", "user", "result":
		return v, true
	}
	return "", true
}

// skipJSONString advances past a JSON string starting at the opening quote.
func skipJSONString(line []byte, i int) int {
	i++
	for i < len(line) {
		switch line[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipSpaces(line []byte, i int) int {
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return i
}

// extractSessionIDBytes extracts the session_id field via byte scanning.
func extractSessionIDBytes(line []byte) string {
	for _, pat := range [][]byte{patSessionID1, patSessionID2} {
		idx := bytes.Index(line, pat)
		if idx < 0 {
			continue
		}
		start := idx + len(pat)
		end := bytes.IndexByte(line[start:], '"')
		if end <= 0 || end > 128 {
			continue
		}
		return string(line[start : start+end])
	}
	return ""
}
