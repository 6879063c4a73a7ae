package worker

import (
	"encoding/json"
	"strings"
)

type resultLine struct {
	Type   string `json:"type"`
	Result string `json:"result"`
}

// extractWorkResult scans output's lines in reverse for the agent's
// last substantive textual reply before any sentinel. It first looks
// for a structured {"type":"result", "result": "..."} record with a
// non-empty, non-sentinel trimmed result; failing that, it falls back
// to the last non-empty line that isn't itself JSON-shaped and
// carries no sentinel. Returns nil if nothing qualifies.
func extractWorkResult(output string) *string {
	lines := strings.Split(output, "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		var rec resultLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Type != "result" {
			continue
		}
		trimmed := strings.TrimSpace(rec.Result)
		if trimmed == "" || containsSentinel(trimmed) {
			continue
		}
		return &trimmed
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") || strings.Contains(line, `"type"`) {
			continue
		}
		if containsSentinel(line) {
			continue
		}
		return &line
	}

	return nil
}

func containsSentinel(s string) bool {
	return strings.Contains(s, successSentinel) || strings.Contains(s, failedSentinel)
}
