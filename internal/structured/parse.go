// Package structured recovers JSON values from model output and drives
// schema-constrained JSON generation.
package structured

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// Kind is the top-level JSON shape a caller expects.
type Kind int

const (
	KindAny Kind = iota
	KindArray
	KindObject
)

// Step records which stage of the repair pipeline produced a value.
type Step int

const (
	StepNone Step = iota
	StepDirect
	StepBracket
	StepSanitized
	StepModelRepair
)

func (s Step) String() string {
	switch s {
	case StepDirect:
		return "direct"
	case StepBracket:
		return "bracket"
	case StepSanitized:
		return "sanitized"
	case StepModelRepair:
		return "model_repair"
	default:
		return "none"
	}
}

var (
	codeFenceRe     = regexp.MustCompile("(?is)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,(\s*[\]}])`)
	quoteReplacer   = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// StripCodeFence returns the body of the first Markdown code fence in s, or
// s trimmed when there is none.
func StripCodeFence(s string) string {
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// Sanitize applies the minimal textual fixes models commonly need:
// typographic quotes become ASCII quotes and trailing commas before a
// closing bracket are dropped.
func Sanitize(s string) string {
	s = quoteReplacer.Replace(StripCodeFence(s))
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

// Parse runs the local repair steps over raw: direct parse after fence
// stripping, outermost bracket substring, then the same two after
// sanitizing. It reports the step that succeeded.
func Parse(raw string, kind Kind) (any, Step, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, StepNone, false
	}
	if v, step, ok := parseOnce(raw, kind); ok {
		return v, step, true
	}
	if v, _, ok := parseOnce(Sanitize(raw), kind); ok {
		return v, StepSanitized, true
	}
	return nil, StepNone, false
}

// ParseList is Parse for callers that need a JSON array.
func ParseList(raw string) ([]any, Step, bool) {
	v, step, ok := Parse(raw, KindArray)
	if !ok {
		return nil, StepNone, false
	}
	return v.([]any), step, true
}

func parseOnce(raw string, kind Kind) (any, Step, bool) {
	s := StripCodeFence(raw)
	if v, ok := decode(s, kind); ok {
		return v, StepDirect, true
	}
	for _, pair := range bracketsFor(kind) {
		sub, ok := outermost(s, pair[0], pair[1])
		if !ok {
			continue
		}
		if v, ok := decode(sub, kind); ok {
			return v, StepBracket, true
		}
	}
	return nil, StepNone, false
}

func bracketsFor(kind Kind) [][2]byte {
	switch kind {
	case KindArray:
		return [][2]byte{{'[', ']'}}
	case KindObject:
		return [][2]byte{{'{', '}'}}
	default:
		return [][2]byte{{'[', ']'}, {'{', '}'}}
	}
}

// outermost returns the substring from the first left to the last right.
func outermost(s string, left, right byte) (string, bool) {
	l := strings.IndexByte(s, left)
	r := strings.LastIndexByte(s, right)
	if l < 0 || r <= l {
		return "", false
	}
	return s[l : r+1], true
}

func decode(s string, kind Kind) (any, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch kind {
	case KindArray:
		if _, ok := v.([]any); !ok {
			return nil, false
		}
	case KindObject:
		if _, ok := v.(map[string]any); !ok {
			return nil, false
		}
	}
	return v, true
}

// snippet shortens model output for failure logs.
func snippet(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
