package provider

import "strings"

// TerminalReason is the normalized reason a backend stopped emitting text.
type TerminalReason string

const (
	ReasonStop      TerminalReason = "STOP"
	ReasonTruncated TerminalReason = "TRUNCATED"
	ReasonUnknown   TerminalReason = "UNKNOWN"
)

// Extractable is implemented by backend responses that can report their text
// and terminal reason without the caller knowing the response shape.
type Extractable interface {
	RawText() string
	TerminalReason() TerminalReason
}

// NormalizeFinishReason maps backend finish reasons onto TerminalReason.
// Enum-style values such as "FinishReason.MAX_TOKENS" are accepted.
func NormalizeFinishReason(raw string) TerminalReason {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndex(s, "."); i >= 0 {
		s = s[i+1:]
	}
	switch strings.ToUpper(s) {
	case "STOP", "END_TURN", "STOP_SEQUENCE":
		return ReasonStop
	case "MAX_TOKENS", "LENGTH":
		return ReasonTruncated
	default:
		return ReasonUnknown
	}
}
