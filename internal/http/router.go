package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botforge/platform/internal/domain"
	"github.com/botforge/platform/internal/instance"
	"github.com/botforge/platform/internal/repository"
	"github.com/botforge/platform/internal/service/deploy"
	tenantsvc "github.com/botforge/platform/internal/service/tenant"
	"github.com/botforge/platform/internal/ws"
)

// TenantService is the tenant-facing surface the router exposes.
type TenantService interface {
	Create(ctx context.Context, input tenantsvc.CreateInput) (*domain.Tenant, *domain.Deployment, error)
	Get(ctx context.Context, tenantID string) (*domain.Tenant, error)
	Contracts(ctx context.Context, tenantID string) (*domain.ContractDeployment, error)
	Logs(ctx context.Context, tenantID string, tail int) (string, error)
	Delete(ctx context.Context, tenantID string) error
}

// DeploymentService reads deployment progress.
type DeploymentService interface {
	Status(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Deployment, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	tenants  TenantService
	deploys  DeploymentService
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	deploymentsStarted *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 30
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, tenants TenantService, deploys DeploymentService, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		tenants: tenants,
		deploys: deploys,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/tenants", r.audit("/tenants", r.withRateLimit("/tenants", rateLimitWrite, rateWindowDefault, r.handleTenants)))
	r.mux.HandleFunc("/tenants/", r.audit("/tenants/{id}", r.withRateLimit("/tenants/{id}", rateLimitRead, rateWindowDefault, r.handleTenantSubroutes)))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/{id}", r.withRateLimit("/deployments/{id}", rateLimitRead, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/ws/deployments", r.audit("/ws/deployments", r.withRateLimit("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentsWS)))
}

type tenantResponse struct {
	ID            string              `json:"id"`
	OwnerID       string              `json:"owner_id,omitempty"`
	Name          string              `json:"name"`
	Tier          string              `json:"tier"`
	Features      domain.FeatureFlags `json:"features"`
	Port          *int                `json:"port,omitempty"`
	WalletAddress string              `json:"wallet_address"`
	Status        string              `json:"status"`
	Model         string              `json:"model,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Contracts     *contractResponse   `json:"contracts,omitempty"`
}

func toTenantResponse(tenant *domain.Tenant) tenantResponse {
	return tenantResponse{
		ID:            tenant.ID,
		OwnerID:       tenant.OwnerID,
		Name:          tenant.Name,
		Tier:          tenant.Tier,
		Features:      tenant.Features,
		Port:          tenant.Port,
		WalletAddress: tenant.WalletAddress,
		Status:        tenant.Status,
		Model:         tenant.Model,
		CreatedAt:     tenant.CreatedAt,
		UpdatedAt:     tenant.UpdatedAt,
	}
}

type deploymentResponse struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Stage         string     `json:"stage"`
	Error         string     `json:"error,omitempty"`
	WalletAddress string     `json:"wallet_address,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toDeploymentResponse(deployment *domain.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:            deployment.ID,
		TenantID:      deployment.TenantID,
		Stage:         deployment.Stage,
		Error:         deployment.Error,
		WalletAddress: deployment.WalletAddress,
		StartedAt:     deployment.StartedAt,
		CompletedAt:   deployment.CompletedAt,
	}
}

type contractResponse struct {
	TenantID    string            `json:"tenant_id"`
	Status      string            `json:"status"`
	Addresses   map[string]string `json:"addresses,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (r *Router) handleTenants(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		OwnerID  string              `json:"owner_id"`
		Name     string              `json:"name"`
		Tier     string              `json:"tier"`
		Model    string              `json:"model"`
		Features domain.FeatureFlags `json:"features"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenant, deployment, err := r.tenants.Create(req.Context(), tenantsvc.CreateInput{
		OwnerID:  payload.OwnerID,
		Name:     payload.Name,
		Tier:     payload.Tier,
		Model:    payload.Model,
		Features: payload.Features,
	})
	if err != nil {
		r.serviceError(w, err)
		return
	}
	r.recordDeploymentStarted(tenant.Tier)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"tenant_id":      tenant.ID,
		"deployment_id":  deployment.ID,
		"stage":          deployment.Stage,
		"platform_token": tenant.PlatformToken,
	})
}

func (r *Router) handleTenantSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/tenants/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	tenantID := parts[0]
	switch {
	case len(parts) == 1:
		r.handleTenant(w, req, tenantID)
	case len(parts) == 2 && parts[1] == "contracts":
		r.handleTenantContracts(w, req, tenantID)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleTenantDeployments(w, req, tenantID)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleTenantLogs(w, req, tenantID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTenant(w http.ResponseWriter, req *http.Request, tenantID string) {
	switch req.Method {
	case http.MethodGet:
		tenant, err := r.tenants.Get(req.Context(), tenantID)
		if err != nil {
			r.serviceError(w, err)
			return
		}
		payload := toTenantResponse(tenant)
		if record, err := r.tenants.Contracts(req.Context(), tenantID); err == nil && record != nil {
			payload.Contracts = &contractResponse{
				TenantID:    record.TenantID,
				Status:      record.Status,
				Addresses:   record.Addresses,
				Error:       record.Error,
				StartedAt:   record.StartedAt,
				CompletedAt: record.CompletedAt,
			}
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodDelete:
		if err := r.tenants.Delete(req.Context(), tenantID); err != nil {
			r.serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTenantContracts(w http.ResponseWriter, req *http.Request, tenantID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	record, err := r.tenants.Contracts(req.Context(), tenantID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse{
		TenantID:    record.TenantID,
		Status:      record.Status,
		Addresses:   record.Addresses,
		Error:       record.Error,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
	})
}

func (r *Router) handleTenantDeployments(w http.ResponseWriter, req *http.Request, tenantID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	deployments, err := r.deploys.ListByTenant(req.Context(), tenantID, limit)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	out := make([]deploymentResponse, 0, len(deployments))
	for i := range deployments {
		out = append(out, toDeploymentResponse(&deployments[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleTenantLogs(w http.ResponseWriter, req *http.Request, tenantID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail, _ := strconv.Atoi(req.URL.Query().Get("tail"))
	logs, err := r.tenants.Logs(req.Context(), tenantID, tail)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"logs":      logs,
	})
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID := strings.TrimPrefix(req.URL.Path, "/deployments/")
	if deploymentID == "" || strings.Contains(deploymentID, "/") {
		r.notFound(w)
		return
	}
	deployment, err := r.deploys.Status(req.Context(), deploymentID)
	if err != nil {
		r.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(deployment))
}

func (r *Router) handleDeploymentsWS(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return
	}
	if _, err := r.deploys.Status(req.Context(), deploymentID); err != nil {
		r.serviceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(deploymentID, client)
	go func() {
		defer func() {
			r.hub.Unregister(deploymentID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// serviceError maps service failures onto response codes.
func (r *Router) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, tenantsvc.ErrContractsNotReady):
		writeError(w, http.StatusConflict, tenantsvc.ErrContractsNotReady.Error())
	case errors.Is(err, deploy.ErrDeploymentInFlight):
		writeError(w, http.StatusConflict, deploy.ErrDeploymentInFlight.Error())
	case errors.Is(err, instance.ErrNotRunning):
		writeError(w, http.StatusConflict, instance.ErrNotRunning.Error())
	case errors.Is(err, tenantsvc.ErrNameRequired), errors.Is(err, tenantsvc.ErrInvalidTier):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
