// Package botapi is a minimal client for the platform's bot HTTP API,
// covering only the calls the conflict detector and credential validator
// need: getMe, a non-consuming getUpdates probe, and getWebhookInfo.
package botapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// conflictCode is the platform's error code for a second concurrent
	// long-poll consumer.
	conflictCode = 409

	// conflictPhrase appears in the error description when the platform
	// closed the poll in favor of another client.
	conflictPhrase = "terminated by other"
)

// ErrCredentialInvalid means the token does not resolve to a valid bot
// identity. Fatal: retrying cannot fix it.
var ErrCredentialInvalid = errors.New("bot credential rejected by platform")

// Identity is the bot account the credential resolves to. Used for logging
// only; it carries no secret.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"first_name"`
}

// ProbeResult is the outcome of a dry getUpdates poll.
type ProbeResult struct {
	// Conflict is true when the platform signalled another active consumer.
	Conflict bool

	// Description is the platform's error text, empty on a clean probe.
	Description string
}

// envelope is the platform's uniform response wrapper.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type webhookInfo struct {
	URL string `json:"url"`
}

// Client talks to one bot's API surface. Probe calls are spaced by a rate
// limiter so resolution retries do not hammer the platform.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// New returns a client for the given API base URL and credential.
// timeout bounds each call; ratePerSec spaces probe calls.
func New(baseURL, token string, timeout time.Duration, ratePerSec float64) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 4),
	}
}

// GetMe resolves the credential to a bot identity.
// A 401 or 404 means the credential itself is invalid.
func (c *Client) GetMe(ctx context.Context) (*Identity, error) {
	env, status, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return nil, fmt.Errorf("getMe: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusNotFound ||
		env.ErrorCode == http.StatusUnauthorized || env.ErrorCode == http.StatusNotFound {
		return nil, ErrCredentialInvalid
	}
	if !env.OK {
		return nil, fmt.Errorf("getMe: platform error %d: %s", env.ErrorCode, env.Description)
	}
	var id Identity
	if err := json.Unmarshal(env.Result, &id); err != nil {
		return nil, fmt.Errorf("getMe: decode identity: %w", err)
	}
	return &id, nil
}

// ProbeUpdates performs a dry poll: timeout=0, offset=-1, limit=1. It never
// consumes updates and returns quickly. A conflict response is a result, not
// an error; only transport/decode failures surface as errors.
func (c *Client) ProbeUpdates(ctx context.Context) (*ProbeResult, error) {
	params := url.Values{
		"timeout": {"0"},
		"offset":  {"-1"},
		"limit":   {"1"},
	}
	env, _, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, fmt.Errorf("getUpdates probe: %w", err)
	}
	if env.OK {
		return &ProbeResult{}, nil
	}
	if IsConflictSignal(env.ErrorCode, env.Description) {
		return &ProbeResult{Conflict: true, Description: env.Description}, nil
	}
	return nil, fmt.Errorf("getUpdates probe: platform error %d: %s", env.ErrorCode, env.Description)
}

// WebhookURL returns the currently registered webhook callback URL, empty if
// none. A registered webhook excludes any long-poll consumer.
func (c *Client) WebhookURL(ctx context.Context) (string, error) {
	env, _, err := c.call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return "", fmt.Errorf("getWebhookInfo: %w", err)
	}
	if !env.OK {
		return "", fmt.Errorf("getWebhookInfo: platform error %d: %s", env.ErrorCode, env.Description)
	}
	var info webhookInfo
	if err := json.Unmarshal(env.Result, &info); err != nil {
		return "", fmt.Errorf("getWebhookInfo: decode: %w", err)
	}
	return info.URL, nil
}

// IsConflictSignal reports whether a platform error marks a concurrent
// consumer conflict.
func IsConflictSignal(code int, description string) bool {
	if code == conflictCode {
		return true
	}
	return strings.Contains(strings.ToLower(description), conflictPhrase)
}

// call performs one API request and decodes the envelope. Errors are
// sanitized: the credential never appears in returned error text.
func (c *Client) call(ctx context.Context, method string, params url.Values) (*envelope, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	u := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, c.redact(err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, c.redact(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, c.redact(err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, c.redact(err))
	}
	return &env, resp.StatusCode, nil
}

// redact strips the credential from error text. net/url errors embed the
// full request URL, which contains the token.
func (c *Client) redact(err error) error {
	if err == nil || c.token == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), c.token, "***")
	if msg == err.Error() {
		return err
	}
	return errors.New(msg)
}
