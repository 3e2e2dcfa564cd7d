package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sendany/drivebroker/internal/broker"
	"github.com/sendany/drivebroker/internal/quota"
)

// Callback redirect outcomes, appended to <app_url>/dashboard.
const (
	redirectConnected      = "success=google_drive_connected"
	redirectNotConfigured  = "error=google_drive_not_configured"
	redirectAuthFailed     = "error=google_auth_failed"
	redirectMissingCode    = "error=missing_auth_code"
	redirectInvalidState   = "error=invalid_state"
	redirectExchangeFailed = "error=google_auth_processing_failed"
)

// Upload form fields.
const (
	formFieldFile        = "file"
	formFieldWorkspaceID = "workspaceId"
	formFieldFileID      = "fileId"
)

const (
	apiKeyHeader           = "X-API-Key"
	defaultMaxUploadMemory = 32 << 20
	defaultContentType     = "application/octet-stream"

	// multipartOverhead is allowed on top of the file ceiling for the
	// form's boundaries and text fields.
	multipartOverhead = 1 << 20
)

type driveFileJSON struct {
	ID          string `json:"id"`
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	WebViewLink string `json:"webViewLink,omitempty"`
	PublicURL   string `json:"publicUrl"`
	Shared      bool   `json:"shared"`
}

type storageJSON struct {
	Used       int64 `json:"used"`
	Limit      int64 `json:"limit"`
	Percentage *int  `json:"percentage,omitempty"`
}

type limitsJSON struct {
	MaxFileSize      int64 `json:"maxFileSize"`
	MaxWorkspaceSize int64 `json:"maxWorkspaceSize"`
	MaxUserStorage   int64 `json:"maxUserStorage"`
}

type uploadResponse struct {
	Success   bool          `json:"success"`
	DriveFile driveFileJSON `json:"driveFile"`
	Storage   storageJSON   `json:"storage"`
}

type statusResponse struct {
	Available  bool        `json:"available"`
	Connected  bool        `json:"connected"`
	DriveEmail string      `json:"driveEmail,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Storage    storageJSON `json:"storage"`
	Limits     limitsJSON  `json:"limits"`
}

type cleanupResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	CleanedCount int      `json:"cleanedCount"`
	TotalExpired int      `json:"totalExpired"`
	Errors       []string `json:"errors,omitempty"`
}

type expiredWorkspaceJSON struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	UserID         string    `json:"userId,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	RemoteFolderID string    `json:"remoteFolderId,omitempty"`
}

type previewResponse struct {
	Count      int                    `json:"count"`
	Workspaces []expiredWorkspaceJSON `json:"workspaces"`
}

type removeResponse struct {
	Success       bool   `json:"success"`
	RemoteDeleted bool   `json:"remoteDeleted"`
	Freed         int64  `json:"freed"`
	Warning       string `json:"warning,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "unhealthy", "database unreachable")

			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadSize > 0 {
		ceiling := s.cfg.MaxUploadSize + multipartOverhead
		if r.ContentLength > ceiling {
			s.fail(w, r, &quota.ExceededError{Scope: quota.ScopeFile, Limit: s.cfg.MaxUploadSize, Requested: r.ContentLength})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, ceiling)
	}

	mem := s.cfg.MaxUploadMemory
	if mem <= 0 {
		mem = defaultMaxUploadMemory
	}

	if err := r.ParseMultipartForm(mem); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.fail(w, r, &quota.ExceededError{Scope: quota.ScopeFile, Limit: s.cfg.MaxUploadSize, Requested: r.ContentLength})
			return
		}

		s.fail(w, r, fmt.Errorf("%w: parsing multipart form: %w", broker.ErrInvalidRequest, err))

		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(formFieldFile)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: missing required fields: file, workspaceId", broker.ErrInvalidRequest))
		return
	}
	defer file.Close()

	workspaceID := r.FormValue(formFieldWorkspaceID)
	if workspaceID == "" {
		s.fail(w, r, fmt.Errorf("%w: missing required fields: file, workspaceId", broker.ErrInvalidRequest))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = defaultContentType
	}

	res, err := s.cfg.Broker.Upload(r.Context(), broker.UploadRequest{
		UserID:      userID(r.Context()),
		WorkspaceID: workspaceID,
		FileID:      r.FormValue(formFieldFileID),
		Filename:    header.Filename,
		MimeType:    mimeType,
		Size:        header.Size,
		Content:     file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Success: true,
		DriveFile: driveFileJSON{
			ID:          res.RemoteID,
			FileID:      res.FileID,
			Name:        res.Name,
			Size:        res.Size,
			MimeType:    res.MimeType,
			WebViewLink: res.WebViewLink,
			PublicURL:   res.PublicURL,
			Shared:      res.Shared,
		},
		Storage: storageJSON{Used: res.StorageUsed, Limit: res.StorageLimit},
	})
}

// handleStorageInfo is the authenticated variant of drive-status.
func (s *Server) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r)
}

func (s *Server) handleDriveStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Broker.Status(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	pct := st.Percentage

	writeJSON(w, http.StatusOK, statusResponse{
		Available:  st.Available,
		Connected:  st.Connected,
		DriveEmail: st.DriveEmail,
		Reason:     st.Reason,
		Storage:    storageJSON{Used: st.Used, Limit: st.Limit, Percentage: &pct},
		Limits: limitsJSON{
			MaxFileSize:      st.Limits.MaxFileSize,
			MaxWorkspaceSize: st.Limits.MaxWorkspaceSize,
			MaxUserStorage:   st.Limits.MaxUserStorage,
		},
	})
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	out, err := s.cfg.Broker.RemoveFile(r.Context(), userID(r.Context()),
		chi.URLParam(r, "workspaceID"), chi.URLParam(r, "fileID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := removeResponse{Success: true, RemoteDeleted: out.RemoteDeleted, Freed: out.Freed}
	if out.RemoteErr != nil {
		resp.Warning = "file removed, but its Google Drive copy could not be deleted"
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Consent == nil {
		s.redirectDashboard(w, r, redirectNotConfigured)
		return
	}

	state, err := s.cfg.Auth.IssueState(userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	http.Redirect(w, r, s.cfg.Consent.AuthCodeURL(state), http.StatusFound)
}

// handleAuthCallback completes the consent round trip. The user is taken
// from the signed state, so the callback works without a session.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		s.logger.Warn("consent denied or failed", slog.String("error", e))
		s.redirectDashboard(w, r, redirectAuthFailed)

		return
	}

	code := q.Get("code")
	if code == "" {
		s.redirectDashboard(w, r, redirectMissingCode)
		return
	}

	uid, err := s.cfg.Auth.VerifyState(q.Get("state"))
	if err != nil {
		s.logger.Warn("rejected consent state", slog.String("error", err.Error()))
		s.redirectDashboard(w, r, redirectInvalidState)

		return
	}

	if _, err := s.cfg.Broker.Connect(r.Context(), uid, code); err != nil {
		s.logger.Error("linking account failed",
			slog.String("user_id", uid),
			slog.String("error", err.Error()),
		)
		s.redirectDashboard(w, r, redirectExchangeFailed)

		return
	}

	s.redirectDashboard(w, r, redirectConnected)
}

func (s *Server) redirectDashboard(w http.ResponseWriter, r *http.Request, query string) {
	http.Redirect(w, r, s.cfg.AppURL+"/dashboard?"+query, http.StatusFound)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("cleanup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cleanup_failed", "Cleanup process failed")

		return
	}

	resp := cleanupResponse{
		Success:      true,
		Message:      fmt.Sprintf("Cleanup completed. %d workspace(s) cleaned up.", report.CleanedCount),
		CleanedCount: report.CleanedCount,
		TotalExpired: report.TotalExpired,
	}

	for i := range report.Errors {
		resp.Errors = append(resp.Errors, report.Errors[i].Error())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanupPreview(w http.ResponseWriter, r *http.Request) {
	expired, err := s.cfg.Sweeper.Preview(r.Context())
	if err != nil {
		s.logger.Error("cleanup preview failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cleanup_failed", "Failed to check expired workspaces")

		return
	}

	resp := previewResponse{Count: len(expired), Workspaces: make([]expiredWorkspaceJSON, 0, len(expired))}
	for _, ws := range expired {
		resp.Workspaces = append(resp.Workspaces, expiredWorkspaceJSON{
			ID:             ws.ID,
			Title:          ws.Title,
			UserID:         ws.UserID,
			ExpiresAt:      ws.ExpiresAt,
			RemoteFolderID: ws.RemoteFolderID,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// apiKey guards the cleanup routes with a shared secret.
func apiKey(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
