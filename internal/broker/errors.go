package broker

import (
	"errors"

	"github.com/sendany/drivebroker/internal/quota"
)

// Sentinel errors. Every error returned by the broker matches at most one
// of these (or a quota rejection), so Reason is unambiguous.
var (
	ErrUnauthenticated   = errors.New("broker: no authenticated user")
	ErrInvalidRequest    = errors.New("broker: invalid request")
	ErrWorkspaceNotFound = errors.New("broker: workspace not found")
	ErrFileNotFound      = errors.New("broker: file not found")
	ErrForbidden         = errors.New("broker: workspace belongs to another user")
	ErrNotConnected      = errors.New("broker: remote storage not connected")
	ErrReconnectRequired = errors.New("broker: remote storage must be reconnected")
	ErrRemoteUnavailable = errors.New("broker: remote storage unavailable")
	ErrUploadFailed      = errors.New("broker: upload failed")
)

// Machine-readable reasons reported to clients.
const (
	ReasonUnauthenticated   = "unauthenticated"
	ReasonBadRequest        = "bad_request"
	ReasonWorkspaceNotFound = "workspace_not_found"
	ReasonFileNotFound      = "file_not_found"
	ReasonForbidden         = "forbidden"
	ReasonNotConnected      = "not_connected"
	ReasonReconnectRequired = "reconnect_required"
	ReasonRemoteUnavailable = "remote_unavailable"
	ReasonUploadFailed      = "upload_failed"
	ReasonInternal          = "internal_error"

	reasonQuotaPrefix = "quota_exceeded:"
)

// Reason maps err to the reason string clients switch on. Quota rejections
// become "quota_exceeded:<file|workspace|user>". Unclassified errors are
// "internal_error"; nil is "".
func Reason(err error) string {
	if err == nil {
		return ""
	}

	if scope := quota.ScopeOf(err); scope != "" {
		return reasonQuotaPrefix + string(scope)
	}

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return ReasonUnauthenticated
	case errors.Is(err, ErrInvalidRequest):
		return ReasonBadRequest
	case errors.Is(err, ErrWorkspaceNotFound):
		return ReasonWorkspaceNotFound
	case errors.Is(err, ErrFileNotFound):
		return ReasonFileNotFound
	case errors.Is(err, ErrForbidden):
		return ReasonForbidden
	case errors.Is(err, ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, ErrReconnectRequired):
		return ReasonReconnectRequired
	case errors.Is(err, ErrUploadFailed):
		return ReasonUploadFailed
	case errors.Is(err, ErrRemoteUnavailable):
		return ReasonRemoteUnavailable
	default:
		return ReasonInternal
	}
}
