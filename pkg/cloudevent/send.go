package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// Sender posts CloudEvents over HTTP.
type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender creates a sender with standard transport settings.
func NewSender(timeout time.Duration, userAgent string) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// Send validates event and delivers it via HTTP POST, signing the body when
// key is not empty.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, key string) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if key != "" {
		req.Header.Set(SignatureHeader, Sign(body, key))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Sign returns the signature header value for body.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under key, in constant time.
func Verify(body []byte, key, signature string) bool {
	return hmac.Equal([]byte(Sign(body, key)), []byte(signature))
}

// HTTPError is a non-2xx response from the receiver.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsPermanent reports whether retrying err cannot succeed. Client errors are
// permanent except request timeouts and rate limiting.
func IsPermanent(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}

// RetryAfter returns the delay a receiver asked for, or zero.
func RetryAfter(err error) time.Duration {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
