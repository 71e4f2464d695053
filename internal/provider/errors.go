package provider

import (
	"errors"
	"fmt"
)

var ErrNoProvider = errors.New("no provider supports model")

// APIError is returned by adapters for non-2xx backend responses.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}
