// Package server exposes the broker over HTTP: uploads, storage status,
// the Google consent round trip, file removal and the cleanup hook.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendany/drivebroker/internal/broker"
	"github.com/sendany/drivebroker/internal/store"
)

// Broker is the storage surface the handlers drive.
type Broker interface {
	Upload(ctx context.Context, req broker.UploadRequest) (*broker.UploadResult, error)
	Status(ctx context.Context, userID string) (*broker.Status, error)
	RemoveFile(ctx context.Context, userID, workspaceID, fileID string) (*broker.Removal, error)
	Connect(ctx context.Context, userID, code string) (*store.Credential, error)
}

// Sweeper runs and previews expiry sweeps.
type Sweeper interface {
	Sweep(ctx context.Context) (*broker.SweepReport, error)
	Preview(ctx context.Context) ([]store.Workspace, error)
}

// ConsentURLer builds the provider consent URL for a state parameter.
type ConsentURLer interface {
	AuthCodeURL(state string) string
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Server. Consent is nil when no OAuth client is
// configured. An empty CleanupSecret leaves the cleanup routes unmounted.
type Config struct {
	Broker  Broker
	Sweeper Sweeper
	Consent ConsentURLer
	Auth    *Auth
	Health  Pinger

	AppURL          string
	CleanupSecret   string
	MaxUploadMemory int64
	MaxUploadSize   int64
}

// Server holds the routed handler.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// New builds a Server and its routes.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}
	s.router = s.routes()

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.cfg.Auth.identity)

		r.Get("/drive-status", s.handleDriveStatus)
		r.Get("/auth/google/callback", s.handleAuthCallback)

		if s.cfg.CleanupSecret != "" {
			r.Group(func(r chi.Router) {
				r.Use(apiKey(s.cfg.CleanupSecret))
				r.Post("/cleanup", s.handleCleanup)
				r.Get("/cleanup", s.handleCleanupPreview)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/upload", s.handleUpload)
			r.Get("/upload", s.handleStorageInfo)
			r.Get("/auth/google", s.handleAuthStart)
			r.Delete("/workspaces/{workspaceID}/files/{fileID}", s.handleRemoveFile)
		})
	})

	return r
}

// Serve runs h on addr until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func Serve(
	ctx context.Context, addr string, h http.Handler,
	readHeaderTimeout, shutdownTimeout time.Duration, logger *slog.Logger,
) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	return serve(ctx, ln, h, readHeaderTimeout, shutdownTimeout, logger)
}

// serve runs the server on ln. Request contexts keep ctx's values but not
// its cancellation: cancelling ctx stops accepting connections, and open
// requests end on their own or when the shutdown timeout expires.
func serve(
	ctx context.Context, ln net.Listener, h http.Handler,
	readHeaderTimeout, shutdownTimeout time.Duration, logger *slog.Logger,
) error {
	base := context.WithoutCancel(ctx)

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	errc := make(chan error, 1)

	go func() {
		logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("http server shutting down", slog.Duration("timeout", shutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}

	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}

	return nil
}

// requestLogger logs one line per request with chi's request id.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}

			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
