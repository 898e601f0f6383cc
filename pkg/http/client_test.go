package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHttpClient_Retry(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Get(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("Request failed after retries: %v", err)
	}

	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestHttpClient_PostIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Post(context.Background(), "/order", map[string]string{"symbol": "BTCUSDT"})
	if err == nil {
		t.Fatal("Expected error from 500 response")
	}

	// An order submission must hit the venue exactly once.
	if attempts != 1 {
		t.Errorf("Expected 1 attempt for POST, got %d", attempts)
	}
}

func TestHttpClient_CircuitBreaker(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)

	// Policy is 5 failures out of 10; 6 requests trip the breaker.
	for i := 0; i < 6; i++ {
		_, _ = client.Get(context.Background(), "/", nil)
	}

	// The next request should fail immediately without reaching the server.
	startAttempts := attempts
	_, err := client.Get(context.Background(), "/", nil)
	if err == nil {
		t.Error("Expected error due to open circuit breaker, got nil")
	}

	if attempts != startAttempts {
		t.Errorf("Server was reached even though circuit should be open. Attempts: %d", attempts)
	}
}

type headerSigner struct{ calls int }

func (s *headerSigner) SignRequest(req *http.Request) error {
	s.calls++
	req.Header.Set("X-Test-Signature", "signed")
	return nil
}

func TestHttpClient_SignsEveryAttempt(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("X-Test-Signature") != "signed" {
			t.Errorf("attempt %d missing signature", attempts)
		}
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	signer := &headerSigner{}
	client := NewClient(server.URL, 5*time.Second, signer)
	if _, err := client.Get(context.Background(), "/", nil); err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	// Each retried attempt gets a fresh signature.
	if signer.calls != 2 {
		t.Errorf("Expected signer to run per attempt (2), got %d", signer.calls)
	}
}
