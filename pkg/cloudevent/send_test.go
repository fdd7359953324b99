package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsPermanent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400 Bad Request", &HTTPError{StatusCode: 400}, true},
		{"404 Not Found", &HTTPError{StatusCode: 404}, true},
		{"408 Request Timeout", &HTTPError{StatusCode: 408}, false},
		{"429 Too Many Requests", &HTTPError{StatusCode: 429}, false},
		{"500 Internal Server Error", &HTTPError{StatusCode: 500}, false},
		{"wrapped 410", fmt.Errorf("send: %w", &HTTPError{StatusCode: 410}), true},
		{"non-HTTP error", context.DeadlineExceeded, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsPermanent(tt.err); got != tt.expected {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	body := []byte(`{"id":"1"}`)
	sig := Sign(body, "secret")

	if len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature %q", sig)
	}
	if !Verify(body, "secret", sig) {
		t.Error("Expected signature to verify")
	}
	if Verify(body, "other", sig) {
		t.Error("Expected signature with another key to fail")
	}
	if Verify([]byte(`{"id":"2"}`), "secret", sig) {
		t.Error("Expected signature of another body to fail")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := New("uws.job.created", "uws", "j1", "e1", nil).Validate(); err != nil {
		t.Errorf("Expected valid event, got %v", err)
	}
	if err := (&CloudEvent{SpecVersion: "0.3"}).Validate(); err == nil {
		t.Error("Expected invalid event")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	var gotSig, gotType, gotAgent string
	var got CloudEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("Content-Type")
		gotAgent = r.Header.Get("User-Agent")
		_ = json.Unmarshal(body, &got)
		if !Verify(body, "k", gotSig) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(time.Second, "uws-test")
	ev := New("uws.job.ended", "uws", "j1", "e1", map[string]any{"phase": "COMPLETED"})
	if err := s.Send(context.Background(), srv.URL, ev, "k"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotType != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotAgent != "uws-test" {
		t.Errorf("User-Agent = %q", gotAgent)
	}
	if got.ID != "e1" || got.Data["phase"] != "COMPLETED" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestSendReportsRetryAfter(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewSender(time.Second, "").Send(context.Background(), srv.URL, New("t", "s", "", "1", nil), "")
	if IsPermanent(err) {
		t.Error("Expected 429 to be retryable")
	}
	if d := RetryAfter(err); d != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", d)
	}
}

func TestSendRejectsInvalidEvent(t *testing.T) {
	t.Parallel()
	err := NewSender(time.Second, "").Send(context.Background(), "http://127.0.0.1:1", &CloudEvent{}, "")
	if err == nil {
		t.Fatal("Expected validation error")
	}
}
