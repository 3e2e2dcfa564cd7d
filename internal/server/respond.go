package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendany/drivebroker/internal/broker"
	"github.com/sendany/drivebroker/internal/quota"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorBody{Error: reason, Message: message})
}

// messages are the user-facing texts per reason. Quota rejections carry
// their own.
var messages = map[string]string{
	broker.ReasonUnauthenticated:   "Authentication required",
	broker.ReasonWorkspaceNotFound: "Workspace not found",
	broker.ReasonFileNotFound:      "File not found",
	broker.ReasonForbidden:         "You do not own this workspace",
	broker.ReasonNotConnected:      "Google Drive not connected. Please connect your Google Drive first.",
	broker.ReasonReconnectRequired: "Google Drive access expired. Please reconnect your Google Drive.",
	broker.ReasonRemoteUnavailable: "Google Drive is temporarily unavailable. Please try again.",
	broker.ReasonUploadFailed:      "Failed to upload file",
	broker.ReasonInternal:          "Internal error",
}

func statusFor(reason string) int {
	if strings.HasPrefix(reason, "quota_exceeded:") {
		return http.StatusRequestEntityTooLarge
	}

	switch reason {
	case broker.ReasonUnauthenticated, broker.ReasonReconnectRequired:
		return http.StatusUnauthorized
	case broker.ReasonBadRequest, broker.ReasonNotConnected:
		return http.StatusBadRequest
	case broker.ReasonWorkspaceNotFound, broker.ReasonFileNotFound:
		return http.StatusNotFound
	case broker.ReasonForbidden:
		return http.StatusForbidden
	case broker.ReasonUploadFailed:
		return http.StatusBadGateway
	case broker.ReasonRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error payload for a broker error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	reason := broker.Reason(err)
	status := statusFor(reason)

	msg, ok := messages[reason]

	var exceeded *quota.ExceededError

	switch {
	case errors.As(err, &exceeded):
		msg = exceeded.Error()
	case reason == broker.ReasonBadRequest:
		msg = err.Error()
	case !ok:
		msg = messages[broker.ReasonInternal]
	}

	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	s.logger.LogAttrs(r.Context(), level, "request failed",
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	writeError(w, status, reason, msg)
}
