package api

import (
	"errors"
	"fmt"
)

// RequestError is the typed failure for any non-2xx API response. Reason
// carries the backend's human-readable explanation (for example why an
// accept was rejected); the UI surfaces it verbatim.
type RequestError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Reason     string `json:"reason"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.StatusCode, e.Code, e.Reason)
}

// IsRequestError extracts a RequestError from an error chain.
func IsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}
