package instance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/botforge/platform/internal/docker"
)

type fakeProber struct {
	states []docker.InstanceState
	errs   []error
	calls  int
}

func (f *fakeProber) State(context.Context, string) (docker.InstanceState, error) {
	i := f.calls
	f.calls++
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.states[i], err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestWaitUntilHealthySucceedsOnceRunningAndServing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	prober := &fakeProber{states: []docker.InstanceState{
		{Running: false, Status: "created"},
		{Running: true, Status: "running"},
	}}
	v := NewVerifier(prober, 10, 10*time.Millisecond, discardLogger())
	if err := v.WaitUntilHealthy(context.Background(), "t1", serverPort(t, srv)); err != nil {
		t.Fatalf("WaitUntilHealthy: %v", err)
	}
	if prober.calls < 2 {
		t.Fatalf("expected at least two state probes, got %d", prober.calls)
	}
}

func TestWaitUntilHealthyFallsBackToRootPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := &fakeProber{states: []docker.InstanceState{{Running: true, Status: "running"}}}
	v := NewVerifier(prober, 5, 10*time.Millisecond, discardLogger())
	if err := v.WaitUntilHealthy(context.Background(), "t1", serverPort(t, srv)); err != nil {
		t.Fatalf("expected root fallback to succeed, got %v", err)
	}
}

func TestWaitUntilHealthyTimesOutAfterBudget(t *testing.T) {
	prober := &fakeProber{states: []docker.InstanceState{{Running: false, Status: "created"}}}
	const (
		attempts = 4
		interval = 20 * time.Millisecond
	)
	v := NewVerifier(prober, attempts, interval, discardLogger())

	start := time.Now()
	err := v.WaitUntilHealthy(context.Background(), "t1", 1)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrHealthTimeout) {
		t.Fatalf("expected ErrHealthTimeout, got %v", err)
	}
	if elapsed < attempts*interval {
		t.Fatalf("timed out too early: %v < %v", elapsed, attempts*interval)
	}
	if elapsed > attempts*interval+time.Second {
		t.Fatalf("timed out too late: %v", elapsed)
	}
}

func TestWaitUntilHealthyDetectsExitedInstance(t *testing.T) {
	prober := &fakeProber{states: []docker.InstanceState{{Running: false, Status: "exited", ExitCode: 2}}}
	v := NewVerifier(prober, 10, 10*time.Millisecond, discardLogger())
	err := v.WaitUntilHealthy(context.Background(), "t1", 1)
	if !errors.Is(err, ErrInstanceExited) {
		t.Fatalf("expected ErrInstanceExited, got %v", err)
	}
}

func TestWaitUntilHealthyObservesCancellation(t *testing.T) {
	prober := &fakeProber{states: []docker.InstanceState{{Running: false, Status: "created"}}}
	v := NewVerifier(prober, 1000, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := v.WaitUntilHealthy(ctx, "t1", 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitUntilHealthyTreatsMissingContainerAsStarting(t *testing.T) {
	prober := &fakeProber{
		states: []docker.InstanceState{{}, {Running: true, Status: "running"}},
		errs:   []error{docker.ErrNotFound, nil},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := NewVerifier(prober, 10, 10*time.Millisecond, discardLogger())
	if err := v.WaitUntilHealthy(context.Background(), "t1", serverPort(t, srv)); err != nil {
		t.Fatalf("expected missing container to be retried, got %v", err)
	}
}
