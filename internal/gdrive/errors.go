// Package gdrive provides an HTTP client for the Google Drive v3 API with
// automatic retry for metadata requests and error classification. The client
// holds no credentials; every operation receives them explicitly.
package gdrive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrRemoteUnavailable matches every failure returned by this package.
// Callers that need finer detail test for the status sentinels below.
var ErrRemoteUnavailable = errors.New("gdrive: remote storage unavailable")

// Sentinel errors for HTTP status code classification.
var (
	ErrBadRequest   = errors.New("gdrive: bad request")
	ErrUnauthorized = errors.New("gdrive: access token rejected")
	ErrForbidden    = errors.New("gdrive: forbidden")
	ErrNotFound     = errors.New("gdrive: not found")
	ErrThrottled    = errors.New("gdrive: throttled")
	ErrServerError  = errors.New("gdrive: server error")
)

// DriveError carries the HTTP status and Google's error reason alongside a
// status sentinel.
type DriveError struct {
	StatusCode int
	Reason     string // first errors[].reason from the response, e.g. "notFound"
	Message    string
	Err        error // status sentinel, may be nil for unclassified 4xx
}

func (e *DriveError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gdrive: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("gdrive: HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes both the status sentinel and ErrRemoteUnavailable to
// errors.Is.
func (e *DriveError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRemoteUnavailable}
	}

	return []error{e.Err, ErrRemoteUnavailable}
}

// apiErrorBody mirrors Google's JSON error envelope.
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// newDriveError builds a DriveError from a non-2xx response and closes its
// body.
func newDriveError(resp *http.Response) *DriveError {
	defer resp.Body.Close()

	const maxErrorBody = 64 << 10

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		raw = []byte("(failed to read response body)")
	}

	de := &DriveError{
		StatusCode: resp.StatusCode,
		Message:    string(raw),
		Err:        classifyStatus(resp.StatusCode),
	}

	var body apiErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		de.Message = body.Error.Message
		if len(body.Error.Errors) > 0 {
			de.Reason = body.Error.Errors[0].Reason
		}
	}

	return de
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// Drive signals per-user rate limits with 403 userRateLimitExceeded, which
// is handled separately by isRateLimited.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRateLimited reports whether a 403 carries one of Drive's rate limit
// reasons, which are retryable despite the status code.
func isRateLimited(de *DriveError) bool {
	if de.StatusCode != http.StatusForbidden {
		return false
	}

	switch de.Reason {
	case "userRateLimitExceeded", "rateLimitExceeded":
		return true
	default:
		return false
	}
}
