package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Retry and backoff constants. Metadata calls sit on the request path of an
// upload, so the budget is far smaller than a background sync would use.
const (
	maxRetries     = 3
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 8 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Credentials are the OAuth tokens for one linked account. Only the access
// token is sent; the refresh token rides along so callers can pass a single
// value between the store, the refresher and this client.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// Client is an HTTP client for the Google Drive v3 API. It holds only
// immutable configuration and is safe for concurrent use.
type Client struct {
	apiBaseURL    string
	uploadBaseURL string
	httpClient    *http.Client
	userAgent     string
	logger        *slog.Logger

	// sleepFunc is called to wait between retries. Tests override this to
	// avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Drive client. apiBaseURL is typically
// "https://www.googleapis.com/drive/v3" and uploadBaseURL
// "https://www.googleapis.com/upload/drive/v3".
func NewClient(apiBaseURL, uploadBaseURL string, httpClient *http.Client, userAgent string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		apiBaseURL:    apiBaseURL,
		uploadBaseURL: uploadBaseURL,
		httpClient:    httpClient,
		userAgent:     userAgent,
		logger:        logger,
		sleepFunc:     timeSleep,
	}
}

// doJSON performs a metadata request and decodes a JSON response into out
// (when out is non-nil). in, when non-nil, is marshalled as the body.
func (c *Client) doJSON(
	ctx context.Context, creds Credentials, method, path string, query url.Values, in, out any,
) error {
	var body []byte

	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("gdrive: encoding request: %w", err)
		}
	}

	resp, err := c.Do(ctx, creds, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gdrive: decoding %s %s response: %w: %w", method, path, ErrRemoteUnavailable, err)
	}

	return nil
}

// Do executes a metadata request against the Drive API with retry on
// network errors, 429, 5xx and Drive's 403 rate-limit reasons. The body is
// a byte slice so every attempt can resend it. The caller closes the
// response body on success.
func (c *Client) Do(
	ctx context.Context, creds Credentials, method, path string, query url.Values, body []byte,
) (*http.Response, error) {
	target := c.apiBaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var attempt int
	for {
		resp, err := c.doOnce(ctx, creds, method, target, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("gdrive: request canceled: %w: %w", ErrRemoteUnavailable, ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("gdrive: request canceled: %w: %w", ErrRemoteUnavailable, sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("gdrive: %s %s failed after %d retries: %w: %w",
				method, path, maxRetries, ErrRemoteUnavailable, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		de := newDriveError(resp)

		if (isRetryable(resp.StatusCode) || isRateLimited(de)) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.String("reason", de.Reason),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("gdrive: request canceled: %w: %w", ErrRemoteUnavailable, err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, de
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, creds Credentials, method, target string, body []byte) (*http.Response, error) {
	var req *http.Request

	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, http.NoBody)
	}

	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.authorize(req, creds)

	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	}

	return c.httpClient.Do(req)
}

func (c *Client) authorize(req *http.Request, creds Credentials) {
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// retryBackoff honours Retry-After on 429 and 503 responses.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return min(time.Duration(seconds)*time.Second, maxBackoff)
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
