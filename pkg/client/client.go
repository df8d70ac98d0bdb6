package client

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

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

const maxResponseBytes = 4 << 20

// VerifyResult is the backend's verdict on a receipt.
type VerifyResult struct {
	LedgerRowID string    `json:"ledger_row_id"`
	Valid       bool      `json:"valid"`
	Result      string    `json:"result"`
	KeyID       string    `json:"key_id,omitempty"`
	SignedAt    time.Time `json:"signed_at,omitempty"`
}

// Client is the ledger SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	keys        *keyCache // nil = fetch the key table on every call
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a session token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithKeyCacheTTL caches the key table returned by Keys for ttl.
func WithKeyCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl > 0 {
			c.keys = newKeyCache(ttl)
		}
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the ledgerd base URL.
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SignerURL is the signing RPC endpoint on the same backend.
func (c *Client) SignerURL() string { return c.base + "/api/v1/rpc/ledger-receipts" }

// HealthURL is the backend liveness endpoint.
func (c *Client) HealthURL() string { return c.base + "/healthz" }

// InsertEvent performs a plain, unsigned insert.
func (c *Client) InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	var row model.Event
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/ledger/events", e, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// CurrentRevision returns the newest row of a logical id.
func (c *Client) CurrentRevision(ctx context.Context, domain model.Domain, logicalID string) (*model.Event, error) {
	q := url.Values{"domain": {string(domain)}, "logical_id": {logicalID}}
	var row model.Event
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/current?"+q.Encode(), nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// EventAtRevision returns one revision of a logical id.
func (c *Client) EventAtRevision(ctx context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error) {
	path := fmt.Sprintf("/api/v1/ledger/chains/%s/%s/revisions/%d",
		url.PathEscape(string(domain)), url.PathEscape(logicalID), revision)
	var row model.Event
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ListReceipts lists the caller's receipts, newest first. OwnerUserID is
// ignored: the backend scopes listings to the session owner.
func (c *Client) ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error) {
	q := url.Values{}
	if f.Domain != "" {
		q.Set("domain", string(f.Domain))
	}
	if f.EventType != "" {
		q.Set("event_type", f.EventType)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/v1/ledger/receipts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Receipts []*model.Receipt `json:"receipts"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Receipts, nil
}

// GetReceipt returns one receipt by ledger row id.
func (c *Client) GetReceipt(ctx context.Context, ledgerRowID string) (*model.Receipt, error) {
	var r model.Receipt
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/receipts/"+url.PathEscape(ledgerRowID), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// VerifyReceipt asks the backend to verify a receipt.
func (c *Client) VerifyReceipt(ctx context.Context, ledgerRowID string) (*VerifyResult, error) {
	var res VerifyResult
	path := "/api/v1/ledger/receipts/" + url.PathEscape(ledgerRowID) + "/verify"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Keys fetches the public key table, {keyId: base64}.
func (c *Client) Keys(ctx context.Context) (map[string]string, error) {
	if c.keys != nil {
		if keys, ok := c.keys.get(); ok {
			return keys, nil
		}
	}
	keys := map[string]string{}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/ledger/keys", nil, &keys); err != nil {
		return nil, err
	}
	if c.keys != nil {
		c.keys.set(keys)
	}
	return keys, nil
}

// InvalidateKeys drops a cached key table, e.g. after a receipt names a key id
// the cached table does not know.
func (c *Client) InvalidateKeys() {
	if c.keys != nil {
		c.keys.invalidate()
	}
}

// Ping checks that the backend answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", model.ErrNetworkUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, raw)
	}
	if respBody == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// APIError carries a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("ledger API %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("ledger API %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

func statusError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}

	var kind error
	switch {
	case status == http.StatusConflict:
		kind = model.ErrDuplicateRevision
	case status == http.StatusNotFound:
		kind = model.ErrNotFound
	case status == http.StatusForbidden:
		kind = model.ErrForbidden
	case status == http.StatusUnauthorized:
		kind = model.ErrAuthRequired
	case status == http.StatusBadRequest:
		kind = model.ErrInvalidEvent
	case status == http.StatusTooManyRequests || status >= 500:
		kind = model.ErrNetworkUnavailable
	default:
		kind = errors.New("unexpected status")
	}
	return &APIError{Status: status, Code: body.Code, Message: msg, kind: kind}
}
