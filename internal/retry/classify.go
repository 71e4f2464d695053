package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/vnmchuo/llm-orchestrator/internal/provider"
)

// transientHints are matched case-insensitively against the error text.
var transientHints = []string{
	"429",
	"resource_exhausted",
	"rate limit",
	"500",
	"502",
	"503",
	"504",
	"internal",
	"unavailable",
	"deadline_exceeded",
	"temporarily unavailable",
	"connection reset",
	"timeout",
	"rst_stream",
	"goaway",
	"stream reset",
	"unexpected eof",
}

// IsTransient reports whether err looks like a fault worth retrying:
// throttling, server-side failure or a dropped connection.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		// The status is authoritative; response bodies carry arbitrary text.
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
