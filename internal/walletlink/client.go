package walletlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	errs "github.com/alexjbarnes/walletlink/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout applies to the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024

	// markSeenConcurrency bounds parallel mark-seen calls.
	markSeenConcurrency = 4
)

// EventFetcher retrieves events published while the engine was offline.
type EventFetcher interface {
	FetchUnseenEvents(ctx context.Context, sessionID, sessionKey string) ([]ServerMessage, error)
}

// Client talks to the relay's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

type unseenEvent struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  string `json:"data"`
}

type unseenEventsResponse struct {
	Events    []unseenEvent `json:"events"`
	Timestamp int64         `json:"timestamp"`
	Error     string        `json:"error"`
}

// sameHostRedirectPolicy follows redirects only to the original host so
// basic auth credentials never leak to another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the relay at baseURL. If
// httpClient is nil, a client with a 30-second timeout and same-host
// redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// sanitizeResponseBody truncates a response body for error messages and
// replaces non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for status codes worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// do sends an authenticated request and returns the capped response body.
func (c *Client) do(ctx context.Context, method, endpoint, sessionID, sessionKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.SetBasicAuth(sessionID, sessionKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", errs.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response from %s: %w", errs.ErrAPIRequest, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: %s returned status %d: %s", errs.ErrAPIResponse, endpoint, resp.StatusCode, sanitizeResponseBody(body))
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return body, nil
}

// FetchUnseenEvents returns events the relay holds for the session that
// have not been marked seen, then marks each of them seen. Mark-seen
// failures are logged; the events are still returned since delivery is
// at-least-once.
func (c *Client) FetchUnseenEvents(ctx context.Context, sessionID, sessionKey string) ([]ServerMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/events?unseen=true", sessionID, sessionKey)
	if err != nil {
		return nil, err
	}

	var resp unseenEventsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding unseen events: %w", errs.ErrAPIResponse, err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", errs.ErrAPIResponse, resp.Error)
	}

	msgs := make([]ServerMessage, 0, len(resp.Events))
	for _, ev := range resp.Events {
		msgs = append(msgs, ServerMessage{
			Type:      TypeEvent,
			SessionID: sessionID,
			EventID:   ev.ID,
			Event:     ev.Event,
			Data:      ev.Data,
		})
	}

	c.markSeen(ctx, resp.Events, sessionID, sessionKey)

	return msgs, nil
}

func (c *Client) markSeen(ctx context.Context, events []unseenEvent, sessionID, sessionKey string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markSeenConcurrency)

	for _, ev := range events {
		g.Go(func() error {
			endpoint := "/events/" + url.PathEscape(ev.ID) + "/seen"
			if _, err := c.do(gctx, http.MethodPost, endpoint, sessionID, sessionKey); err != nil {
				c.logger.Warn("marking event seen",
					slog.String("event_id", ev.ID),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	_ = g.Wait()
}
