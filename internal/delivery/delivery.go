package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

// ErrRejected is returned when the destination refused the message for good
var ErrRejected = errors.New("destination rejected message")

// MessageIDHeader carries the message ID on delivery and status requests.
const MessageIDHeader = "X-Relaymesh-Message-Id"

// Deliverer performs the final transfer of a message.
type Deliverer interface {
	// Deliver returns StatusDelivered on success and StatusFailed once the
	// message is abandoned, together with the last error.
	Deliver(ctx context.Context, msg *message.Message) (message.Status, error)
}

// Config holds configuration for HTTP delivery
type Config struct {
	// Attempts is the number of POSTs made before a message is abandoned
	Attempts int
	// InitialBackoff is the wait after the first failed attempt; it doubles up to MaxBackoff
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout bounds each request
	Timeout time.Duration
	// ContentType is sent with the message contents
	ContentType string
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}
}

// StatusReport is POSTed to a message's status URL after delivery concludes.
type StatusReport struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// HTTPDeliverer POSTs message contents to their delivery URL.
type HTTPDeliverer struct {
	config  Config
	client  *http.Client
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

var _ Deliverer = (*HTTPDeliverer)(nil)

// NewHTTPDeliverer creates a deliverer. A nil client uses one with config.Timeout.
func NewHTTPDeliverer(config Config, client *http.Client, logger *zap.Logger, metrics *telemetry.Metrics) *HTTPDeliverer {
	config.SetDefaults()
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPDeliverer{
		config:  config,
		client:  client,
		logger:  telemetry.OrNop(logger).Named("delivery"),
		metrics: metrics,
	}
}

// Deliver POSTs msg until the destination answers 2xx, refuses it with a
// non-retryable 4xx, or the attempts run out. The status URL, if any, is told
// the outcome on a best-effort basis.
func (d *HTTPDeliverer) Deliver(ctx context.Context, msg *message.Message) (message.Status, error) {
	if msg == nil {
		return message.StatusFailed, errors.New("message cannot be nil")
	}

	var (
		lastErr  error
		attempts int
		backoff  = d.config.InitialBackoff
	)
	for attempts < d.config.Attempts {
		attempts++
		lastErr = d.post(ctx, msg)
		if lastErr == nil || errors.Is(lastErr, ErrRejected) {
			break
		}
		d.logger.Info("delivery attempt failed", zap.Stringer("message", msg.ID),
			zap.Int("attempt", attempts), zap.Error(lastErr))
		if attempts == d.config.Attempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempts = d.config.Attempts
		}
		backoff = min(backoff*2, d.config.MaxBackoff)
	}

	status := message.StatusDelivered
	if lastErr != nil {
		status = message.StatusFailed
		d.logger.Warn("message abandoned", zap.Stringer("message", msg.ID),
			zap.Int("attempts", attempts), zap.Error(lastErr))
	} else {
		d.logger.Debug("message delivered", zap.Stringer("message", msg.ID), zap.Int("attempts", attempts))
	}
	d.metrics.ObserveDelivery(status.String())
	d.reportStatus(ctx, msg, status, attempts, lastErr)
	return status, lastErr
}

func (d *HTTPDeliverer) post(ctx context.Context, msg *message.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.DeliveryURL, bytes.NewReader(msg.Contents))
	if err != nil {
		return fmt.Errorf("%w: invalid delivery URL: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", d.config.ContentType)
	req.Header.Set(MessageIDHeader, msg.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("destination answered HTTP %d", resp.StatusCode)
	}
}

func (d *HTTPDeliverer) reportStatus(ctx context.Context, msg *message.Message, status message.Status, attempts int, cause error) {
	if msg.StatusURL == "" {
		return
	}
	report := StatusReport{
		MessageID: msg.ID.String(),
		Status:    status.String(),
		Attempts:  attempts,
		Time:      time.Now().UTC(),
	}
	if cause != nil {
		report.Error = cause.Error()
	}
	body, err := json.Marshal(report)
	if err != nil {
		return
	}

	// The delivery context may already be done; the report gets its own bound.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, msg.StatusURL, bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("invalid status URL", zap.Stringer("message", msg.ID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MessageIDHeader, msg.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Info("status notification failed", zap.Stringer("message", msg.ID), zap.Error(err))
		return
	}
	resp.Body.Close()
}
