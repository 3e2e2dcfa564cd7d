package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/sendany/drivebroker/internal/broker"
	"github.com/sendany/drivebroker/internal/config"
	"github.com/sendany/drivebroker/internal/gdrive"
	"github.com/sendany/drivebroker/internal/oauth"
	"github.com/sendany/drivebroker/internal/store"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg      *config.Resolved
	logger   *slog.Logger
	store    *store.Store
	provider *oauth.Provider // nil when no Google client is configured
	broker   *broker.Broker
}

// openApp opens the store and wires the broker from cfg. The caller must
// call close.
func openApp(ctx context.Context, cfg *config.Resolved, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	httpClient := newHTTPClient(cfg)
	configured := cfg.Google.ClientID != "" && cfg.Google.ClientSecret != ""

	a := &app{cfg: cfg, logger: logger, store: st}

	bcfg := broker.Config{
		Credentials:    st,
		Workspaces:     st,
		Remote:         gdrive.NewClient(cfg.Google.APIBaseURL, cfg.Google.UploadBaseURL, httpClient, cfg.UserAgent, logger),
		Limits:         cfg.Limits,
		RootFolderName: cfg.Google.RootFolderName,
		Available:      configured,
		Logger:         logger,
	}

	if configured {
		a.provider = oauth.NewProvider(oauth.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURI:  cfg.Google.RedirectURI,
			UserinfoURL:  cfg.Google.UserinfoURL,
			HTTPClient:   httpClient,
		}, logger)

		bcfg.Refresher = a.provider
		bcfg.Exchanger = a.provider
	} else {
		logger.Warn("google client not configured, drive operations disabled")
	}

	a.broker = broker.New(bcfg)

	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", slog.String("error", err.Error()))
	}
}

// newHTTPClient builds the outbound client for Google APIs. There is no
// overall timeout: uploads may legitimately stream for a long time, so
// only connection setup and the wait for response headers are bounded.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.ResponseHeaderTimeout = cfg.DataTimeout

	return &http.Client{Transport: transport}
}
