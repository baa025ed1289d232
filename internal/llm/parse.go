package llm

import (
	"encoding/json"
	"strings"

	"github.com/stratoforge/quantra/internal/errkind"
)

// ParseJSON decodes a model reply into dst. Models wrap JSON in markdown
// fences or preamble despite instructions, so after the verbatim text the
// decoder tries the first fenced block, then the outermost braces, then
// the outermost brackets.
func ParseJSON(reply string, dst interface{}) error {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return errkind.New(errkind.Validation, "empty model reply")
	}
	for _, candidate := range jsonCandidates(trimmed) {
		if json.Unmarshal([]byte(candidate), dst) == nil {
			return nil
		}
	}
	return errkind.Newf(errkind.Validation, "model reply is not valid JSON: %s", snippet(trimmed))
}

func jsonCandidates(s string) []string {
	candidates := []string{s}
	if block := fencedBlock(s); block != "" {
		candidates = append(candidates, block)
	}
	if obj := spanBetween(s, '{', '}'); obj != "" {
		candidates = append(candidates, obj)
	}
	if arr := spanBetween(s, '[', ']'); arr != "" {
		candidates = append(candidates, arr)
	}
	return candidates
}

// fencedBlock returns the body of the first ``` fence, with the info
// string ("json") stripped.
func fencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func spanBetween(s string, opening, closing byte) string {
	start := strings.IndexByte(s, opening)
	end := strings.LastIndexByte(s, closing)
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
