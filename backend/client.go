// Package backend is the gateway to the external CRUD service that holds bot
// role records and user flags.
//
// Every call carries the service token in the X-API-KEY header. Failures are
// returned as errors; a failed list is never reported as an empty one.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ferrors "github.com/vinayprograms/botfleet/errors"
)

// HeaderAPIKey carries the service token.
const HeaderAPIKey = "X-API-KEY"

// ErrMissingToken indicates no service token was provided.
var ErrMissingToken = errors.New("missing service token")

// Type is the role of a bot record.
type Type string

const (
	TypeMain     Type = "main"
	TypeReferral Type = "referral"
)

// BotRecord is the backend's view of one bot identity.
type BotRecord struct {
	ID        int64  `json:"id"`
	Type      Type   `json:"type"`
	OwnerID   int64  `json:"owner_id,omitempty"`
	Token     string `json:"token"`
	Username  string `json:"username,omitempty"`
	IsActive  bool   `json:"is_active"`
	IsPrimary bool   `json:"is_primary"`
}

// Filter selects records for ListBots. A zero OwnerID matches every owner.
type Filter struct {
	Type    Type
	OwnerID int64
}

func (f Filter) String() string {
	parts := []string{"type:" + string(f.Type)}
	if f.OwnerID != 0 {
		parts = append(parts, "owner:"+strconv.FormatInt(f.OwnerID, 10))
	}
	return strings.Join(parts, ",")
}

// Gateway is the subset of the CRUD service the fleet uses.
type Gateway interface {
	ListBots(ctx context.Context, f Filter) ([]BotRecord, error)
	SetActive(ctx context.Context, id int64, active bool) error
	RegisterMainBot(ctx context.Context, token, username string) (BotRecord, error)
	ReportBlocked(ctx context.Context, chatID int64) error
}

// APIError captures non-success HTTP responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("backend error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend error: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client is the HTTP Gateway.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		if c != nil {
			client.httpClient = c
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		if d > 0 {
			hc := *client.httpClient
			hc.Timeout = d
			client.httpClient = &hc
		}
	}
}

// New constructs a Client for the service at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, ferrors.InvalidInput("backend base url is empty")
	}
	c := &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type listResponse struct {
	Items []BotRecord `json:"items"`
	Total int         `json:"total"`
}

// ListBots returns the records matching f.
func (c *Client) ListBots(ctx context.Context, f Filter) ([]BotRecord, error) {
	if f.Type == "" {
		return nil, ferrors.InvalidInput("bot type is required")
	}
	path := "/bots?filter=" + url.QueryEscape(f.String())

	var resp listResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Items == nil {
		resp.Items = []BotRecord{}
	}
	return resp.Items, nil
}

// SetActive flips the is_active flag of record id.
func (c *Client) SetActive(ctx context.Context, id int64, active bool) error {
	path := fmt.Sprintf("/bots/%d/status", id)
	return c.doJSON(ctx, http.MethodPut, path, map[string]bool{"is_active": active}, nil)
}

// RegisterMainBot creates an active main bot record.
func (c *Client) RegisterMainBot(ctx context.Context, token, username string) (BotRecord, error) {
	if strings.TrimSpace(token) == "" {
		return BotRecord{}, ferrors.InvalidInput("bot token is required")
	}
	payload := map[string]string{"token": token, "username": username}

	var rec BotRecord
	if err := c.doJSON(ctx, http.MethodPost, "/bots/main", payload, &rec); err != nil {
		return BotRecord{}, err
	}
	return rec, nil
}

// ReportBlocked flags that chatID has blocked the bot.
func (c *Client) ReportBlocked(ctx context.Context, chatID int64) error {
	path := fmt.Sprintf("/users/%d/status", chatID)
	return c.doJSON(ctx, http.MethodPatch, path, map[string]bool{"bot_is_blocked_by_user": true}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	body, err := c.doRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return ferrors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderAPIKey, c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.Wrapf(err, "read %s %s response", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classify(&APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}
	return body, nil
}

// classify attaches a fleet error code to an HTTP failure.
func classify(apiErr *APIError) error {
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return ferrors.WrapWithCode(apiErr, ferrors.ErrCodeNotFound, "backend request failed")
	case apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests:
		return ferrors.WrapWithCode(apiErr, ferrors.ErrCodeUnavailable, "backend request failed")
	default:
		return ferrors.WrapWithCode(apiErr, ferrors.ErrCodeInvalidInput, "backend request failed")
	}
}
