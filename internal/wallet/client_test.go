package wallet

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/botforge/platform/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 5*time.Second, discardLogger())
	if err := c.Register(context.Background(), "t1", "seed"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRegisterTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, time.Second, discardLogger())
	if err := c.Register(context.Background(), "t1", "seed"); err != nil {
		t.Fatalf("expected conflict to be absorbed, got %v", err)
	}
}

func TestRegisterGivesUpAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, 500*time.Millisecond, discardLogger())
	if err := c.Register(context.Background(), "t1", "seed"); err == nil {
		t.Fatal("expected error after retry budget")
	}
}

func TestResolveAddressReturnsPendingWhenUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, time.Second, discardLogger())
	addr, err := c.ResolveAddress(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if addr != domain.WalletPending {
		t.Fatalf("expected pending sentinel, got %q", addr)
	}
}

func TestResolveAddressReturnsPendingOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, time.Second, discardLogger())
	addr, err := c.ResolveAddress(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if addr != domain.WalletPending {
		t.Fatalf("expected pending sentinel, got %q", addr)
	}
}

func TestResolveAddressReturnsAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"address": "0xabc123"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, time.Second, discardLogger())
	addr, err := c.ResolveAddress(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ResolveAddress: %v", err)
	}
	if addr != "0xabc123" {
		t.Fatalf("expected resolved address, got %q", addr)
	}
}

func TestFundReportsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["address"] != "0xabc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]bool{"funded": true})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, time.Second, discardLogger())
	funded, err := c.Fund(context.Background(), "0xabc", 0.5)
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if !funded {
		t.Fatal("expected funded=true")
	}
}

func TestFundErrorsWhenServiceUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", 200*time.Millisecond, time.Second, discardLogger())
	if _, err := c.Fund(context.Background(), "0xabc", 0.5); err == nil {
		t.Fatal("expected error for unreachable service")
	}
}

func TestBalanceParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]float64{"balance": 1.25})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, time.Second, discardLogger())
	balance, err := c.Balance(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 1.25 {
		t.Fatalf("expected 1.25, got %v", balance)
	}
}
