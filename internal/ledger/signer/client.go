// Package signer is the client for the ledger signing RPC. The signer writes
// and signs a row in one round trip, or signs a row written earlier.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

const maxResponseBytes = 1 << 20

// Client calls the signing RPC over HTTP.
type Client struct {
	url        string
	httpClient *http.Client
	token      string
	logger     *zap.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBearerToken attaches a session token to every call.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a Client for the RPC endpoint at url.
func New(url string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AppendSigned asks the signer to insert and sign the row. The boolean
// reports success; an unavailable or failing signer is logged, not returned,
// so the caller can fall back to a plain write.
func (c *Client) AppendSigned(ctx context.Context, insert *model.Event) (*model.Event, bool) {
	receipt, err := c.AppendSignedReceipt(ctx, insert)
	if err != nil {
		c.logger.Warn("signed write failed",
			zap.String("domain", string(insert.Domain)),
			zap.String("logical_id", insert.LogicalID),
			zap.Int("revision", insert.Revision),
			zap.Error(err),
		)
		return nil, false
	}
	row := receipt.Event
	return &row, true
}

// AppendSignedReceipt is AppendSigned with the signature and the error kept.
func (c *Client) AppendSignedReceipt(ctx context.Context, insert *model.Event) (*model.Receipt, error) {
	resp, err := c.call(ctx, Request{Action: ActionAppendSigned, Insert: insert})
	if err != nil {
		return nil, err
	}
	if resp.Row == nil || !resp.Row.Persisted() {
		return nil, fmt.Errorf("%w: append_signed response has no row", model.ErrSignerUnavailable)
	}
	return &model.Receipt{Event: *resp.Row, Signature: resp.SignatureRow}, nil
}

// SignExisting asks the signer to sign an already written row. Signing an
// already signed row returns its existing signature.
func (c *Client) SignExisting(ctx context.Context, rowID string) (*model.ReceiptSignature, error) {
	resp, err := c.call(ctx, Request{Action: ActionSignExisting, LedgerRowID: rowID})
	if err != nil {
		return nil, err
	}
	if resp.SignatureRow == nil {
		return nil, fmt.Errorf("%w: sign_existing response has no signature_row", model.ErrSignerUnavailable)
	}
	return resp.SignatureRow, nil
}

func (c *Client) call(ctx context.Context, rpc Request) (*Response, error) {
	body, err := json.Marshal(rpc)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", rpc.Action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", rpc.Action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSignerUnavailable, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", model.ErrSignerUnavailable, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 300 {
			return nil, statusError(httpResp.StatusCode, "", string(raw))
		}
		return nil, fmt.Errorf("%w: decode response: %v", model.ErrSignerUnavailable, err)
	}
	if httpResp.StatusCode >= 300 || !resp.OK {
		return nil, statusError(httpResp.StatusCode, resp.Code, resp.Error)
	}
	return &resp, nil
}

func statusError(status int, code, msg string) error {
	var kind error
	switch {
	case code == CodeDuplicateRevision || status == http.StatusConflict:
		kind = model.ErrDuplicateRevision
	case code == CodeNotFound || status == http.StatusNotFound:
		kind = model.ErrNotFound
	case code == CodeForbidden || status == http.StatusForbidden:
		kind = model.ErrForbidden
	case code == CodeUnauthorized || status == http.StatusUnauthorized:
		kind = model.ErrAuthRequired
	default:
		kind = model.ErrSignerUnavailable
	}
	return fmt.Errorf("%w: signer returned %d %s: %s", kind, status, code, msg)
}
