// Package webhook delivers notifications to an HTTP endpoint with
// HMAC-SHA256 signed payloads and bounded retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/notification"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxAttemptLog   = 500
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "sha256=<hex>" header value against payload.
func VerifySignature(payload []byte, secret, header string) bool {
	sig := strings.TrimPrefix(header, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// DeliveryAttempt records a single POST of one message.
type DeliveryAttempt struct {
	ID           string        `json:"id"`
	MessageID    string        `json:"message_id"`
	Kind         string        `json:"kind"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"` // "success", "failed"
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.httpClient = c }
}

// WithRetryDelays sets the wait before each retry; its length is the number
// of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(s *Sink) { s.retryDelays = delays }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// Sink POSTs each notification body to one URL.
type Sink struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger

	mu       sync.RWMutex
	attempts []*DeliveryAttempt
}

var _ notification.Sink = (*Sink)(nil)

func New(rawURL, secret string, opts ...Option) (*Sink, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	s := &Sink{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func (s *Sink) Name() string { return "webhook" }

// Send delivers m, retrying network failures, 429 and 5xx responses. Other
// 4xx responses are not retried.
func (s *Sink) Send(ctx context.Context, m *notification.Message) error {
	var lastErr error
	for attempt := 1; attempt <= len(s.retryDelays)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelays[attempt-2]):
			}
		}
		a := s.deliver(ctx, m, attempt)
		s.record(a)
		if a.Status == "success" {
			return nil
		}
		lastErr = fmt.Errorf("webhook delivery %s attempt %d: %s", m.ID, attempt, a.Error)
		if !retryable(a.StatusCode) {
			break
		}
		s.logger.Debug().Str("message_id", m.ID).Int("attempt", attempt).Str("error", a.Error).Msg("webhook delivery failed, retrying")
	}
	return lastErr
}

func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

func (s *Sink) deliver(ctx context.Context, m *notification.Message, attempt int) *DeliveryAttempt {
	now := time.Now()
	a := &DeliveryAttempt{
		ID:        uuid.NewString(),
		MessageID: m.ID,
		Kind:      string(m.Kind),
		Attempt:   attempt,
		CreatedAt: now,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(m.Body))
	if err != nil {
		a.Status = "failed"
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", m.ID)
	req.Header.Set("X-Webhook-Event", string(m.Kind))
	req.Header.Set("X-Webhook-Timestamp", now.UTC().Format(time.RFC3339))
	req.Header.Set("X-Correlation-ID", m.Key)
	if m.TraceID != "" {
		req.Header.Set("X-Trace-ID", m.TraceID)
	}
	if s.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(m.Body, s.secret))
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Status = "failed"
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	// Read at most 1KB of response body.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	a.ResponseBody = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		a.Status = "success"
	} else {
		a.Status = "failed"
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

func (s *Sink) record(a *DeliveryAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	if len(s.attempts) > maxAttemptLog {
		s.attempts = s.attempts[len(s.attempts)-maxAttemptLog:]
	}
}

// Attempts returns the recorded attempts for a message, oldest first. An
// empty messageID returns all retained attempts.
func (s *Sink) Attempts(messageID string) []*DeliveryAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DeliveryAttempt
	for _, a := range s.attempts {
		if messageID == "" || a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out
}
