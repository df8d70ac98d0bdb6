package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Webhook delivery headers.
const (
	SignatureHeader = "X-Ledger-Signature"
	DeliveryHeader  = "X-Ledger-Delivery"
	SubjectHeader   = "X-Ledger-Subject"
)

// DeliveryRecordFunc is an optional callback for recording delivery outcomes.
type DeliveryRecordFunc func(success bool)

// WebhookConfig lists the endpoints every appended row is POSTed to.
type WebhookConfig struct {
	URLs   []string
	Secret string
	// SubjectPrefix is sent in SubjectHeader; defaults to DefaultSubjectPrefix.
	SubjectPrefix string
	Timeout       time.Duration
	// Backoff holds the waits before the second and later attempts.
	Backoff []time.Duration
}

// WebhookPublisher delivers appended rows to HTTP endpoints, signing each body
// with HMAC-SHA256 over the shared secret. Delivery is asynchronous and
// retried; Close waits for in-flight deliveries.
type WebhookPublisher struct {
	cfg        WebhookConfig
	httpClient *http.Client
	clock      clockwork.Clock
	onDelivery DeliveryRecordFunc
	logger     *zap.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWebhookPublisher creates a WebhookPublisher.
func NewWebhookPublisher(cfg WebhookConfig, clock clockwork.Clock, logger *zap.Logger) *WebhookPublisher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = []time.Duration{time.Second, 5 * time.Second}
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	return &WebhookPublisher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clock:      clock,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// SetDeliveryRecord configures the delivery outcome callback.
func (p *WebhookPublisher) SetDeliveryRecord(fn DeliveryRecordFunc) { p.onDelivery = fn }

// PublishAppended queues msg for every endpoint and returns immediately.
func (p *WebhookPublisher) PublishAppended(_ context.Context, msg Appended) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.stop:
		return fmt.Errorf("webhook publisher closed")
	default:
	}

	deliveryID := uuid.New().String()
	subject := Subject(p.cfg.SubjectPrefix, msg.Domain)
	for _, url := range p.cfg.URLs {
		p.wg.Add(1)
		go func(url string) {
			defer p.wg.Done()
			p.deliver(url, deliveryID, subject, body)
		}(url)
	}
	return nil
}

// Close stops retries that are waiting and blocks until deliveries finish.
func (p *WebhookPublisher) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	return nil
}

func (p *WebhookPublisher) deliver(url, deliveryID, subject string, body []byte) {
	signature := SignBody(body, p.cfg.Secret)
	attempts := len(p.cfg.Backoff) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-p.clock.After(p.cfg.Backoff[attempt-2]):
			case <-p.stop:
				p.logger.Warn("webhook: delivery abandoned on shutdown",
					zap.String("url", url), zap.String("delivery_id", deliveryID))
				return
			}
		}

		status, err := p.post(url, deliveryID, subject, signature, body)
		success := err == nil
		if p.onDelivery != nil {
			p.onDelivery(success)
		}
		if success {
			return
		}
		p.logger.Warn("webhook: delivery failed",
			zap.String("url", url),
			zap.String("delivery_id", deliveryID),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
}

func (p *WebhookPublisher) post(url, deliveryID, subject, signature string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(SubjectHeader, subject)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// SignBody computes the SignatureHeader value for body.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody reports whether signature matches body under secret.
func VerifyBody(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignBody(body, secret)), []byte(signature))
}

// Multi fans a message out to several publishers. Every publisher is tried;
// the first error is returned.
type Multi []Publisher

func (m Multi) PublishAppended(ctx context.Context, msg Appended) error {
	var first error
	for _, p := range m {
		if err := p.PublishAppended(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, p := range m {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
