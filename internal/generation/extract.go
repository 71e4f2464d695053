package generation

import "github.com/vnmchuo/llm-orchestrator/internal/provider"

// Extract returns the text and normalized terminal reason of a backend
// response. A nil response yields empty text and ReasonUnknown.
func Extract(resp provider.Extractable) (string, provider.TerminalReason) {
	if resp == nil {
		return "", provider.ReasonUnknown
	}
	return resp.RawText(), resp.TerminalReason()
}
