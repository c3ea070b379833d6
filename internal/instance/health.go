package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/botforge/platform/internal/docker"
)

// ErrHealthTimeout indicates the instance never became healthy within
// the retry budget.
var ErrHealthTimeout = errors.New("instance health check timed out")

// ErrInstanceExited indicates the instance stopped before it could
// become healthy, which is definitive rather than "still starting".
var ErrInstanceExited = errors.New("instance exited before becoming healthy")

// StateProber reports container runtime state.
type StateProber interface {
	State(ctx context.Context, name string) (docker.InstanceState, error)
}

// Verifier polls a launched instance until it is observably ready.
type Verifier struct {
	runtime     StateProber
	client      *http.Client
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
}

// NewVerifier constructs a health Verifier.
func NewVerifier(runtime StateProber, maxAttempts int, interval time.Duration, logger *slog.Logger) *Verifier {
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Verifier{
		runtime:     runtime,
		client:      &http.Client{Timeout: 3 * time.Second},
		maxAttempts: maxAttempts,
		interval:    interval,
		logger:      logger,
	}
}

// WaitUntilHealthy polls the container state first (cheap, local) and
// only probes HTTP once the process reports running, so no network
// probes are wasted on instances that have not started. It returns
// ErrHealthTimeout after the attempt budget, ErrInstanceExited if the
// container stops, and the context error if cancelled mid-wait.
func (v *Verifier) WaitUntilHealthy(ctx context.Context, tenantID string, port int) error {
	name := ContainerName(tenantID)
	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := v.runtime.State(ctx, name)
		switch {
		case errors.Is(err, docker.ErrNotFound):
			// Container not materialized yet; still starting.
		case err != nil:
			v.logger.Warn("instance state probe failed", "tenant_id", tenantID, "error", err)
		case !state.Running && state.Status == "exited":
			return fmt.Errorf("%w: exit code %d", ErrInstanceExited, state.ExitCode)
		case state.Running:
			if v.probeHTTP(ctx, port) {
				v.logger.Info("instance healthy", "tenant_id", tenantID, "attempts", attempt)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.interval):
		}
	}
	return ErrHealthTimeout
}

// probeHTTP hits the dedicated health path and falls back to the root
// path when the health route is not registered yet. A connection error
// means "not ready", never "broken".
func (v *Verifier) probeHTTP(ctx context.Context, port int) bool {
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	status, err := v.get(ctx, base+"/healthz")
	if err != nil {
		return false
	}
	if status == http.StatusNotFound {
		status, err = v.get(ctx, base+"/")
		if err != nil {
			return false
		}
	}
	return status >= 200 && status < 400
}

func (v *Verifier) get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
