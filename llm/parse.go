package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the outermost JSON object or array out of a completion.
// Models wrap output in code fences or prose often enough that call sites
// should never unmarshal raw completions directly.
func ExtractJSON(content string) (string, bool) {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
		content = strings.TrimSpace(content)
	}

	objStart := strings.Index(content, "{")
	arrStart := strings.Index(content, "[")

	start, closer := objStart, "}"
	if objStart < 0 || (arrStart >= 0 && arrStart < objStart) {
		start, closer = arrStart, "]"
	}
	if start < 0 {
		return "", false
	}
	end := strings.LastIndex(content, closer)
	if end <= start {
		return "", false
	}
	return content[start : end+1], true
}

// Decode extracts and unmarshals a JSON value from a completion into v.
// A false return means "no signal": the caller must fall back to its
// no-match / abort path, never error out.
func Decode(content string, v interface{}) bool {
	raw, ok := ExtractJSON(content)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}
