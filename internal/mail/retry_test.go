package mail

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   DeliveryResult
	}{
		{200, DeliveryOK},
		{202, DeliveryOK},
		{400, DeliveryRejected},
		{401, DeliveryRejected},
		{422, DeliveryRejected},
		{408, DeliveryRetry},
		{429, DeliveryRetry},
		{500, DeliveryRetry},
		{503, DeliveryRetry},
		{304, DeliveryRejected},
	}
	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		base  time.Duration
		retry int
		want  time.Duration
	}{
		{0, 0, DefaultRetryBackoff},
		{100 * time.Millisecond, 0, 100 * time.Millisecond},
		{100 * time.Millisecond, 1, 200 * time.Millisecond},
		{100 * time.Millisecond, 3, 800 * time.Millisecond},
		{time.Second, 10, maxRetryBackoff},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.base, tt.retry); got != tt.want {
			t.Errorf("CalculateBackoff(%v, %d) = %v, want %v", tt.base, tt.retry, got, tt.want)
		}
	}
}

func TestClient_Send_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), ClientConfig{
		Endpoint:     server.URL,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})

	if err := c.Send(context.Background(), Message{To: "a@example.com"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_Send_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), ClientConfig{
		Endpoint:     server.URL,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})

	err := c.Send(context.Background(), Message{To: "a@example.com"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want SendError 429", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_Send_DoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), ClientConfig{
		Endpoint:     server.URL,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	})

	if err := c.Send(context.Background(), Message{To: "a@example.com"}); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestClient_Send_StopsRetryingWhenContextEnds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), ClientConfig{
		Endpoint:     server.URL,
		MaxRetries:   5,
		RetryBackoff: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Send(ctx, Message{To: "a@example.com"}); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}
