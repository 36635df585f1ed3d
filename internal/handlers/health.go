package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/platform/requestctx"
	"github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/repositories"
)

const readinessTimeout = 3 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	repo    repositories.HealthRepository
	clock   func() time.Time
	started time.Time
	version string
	commit  string
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the version and commit reported by both probes.
func WithHealthBuildInfo(version, commit string) HealthOption {
	return func(h *HealthHandlers) {
		h.version = version
		h.commit = commit
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthRepository sets the dependency probes consulted by /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) { h.repo = repo }
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.clock()
	return h
}

type healthResponse struct {
	Status    string                         `json:"status"`
	Version   string                         `json:"version,omitempty"`
	Commit    string                         `json:"commit,omitempty"`
	Uptime    string                         `json:"uptime"`
	Timestamp string                         `json:"timestamp"`
	Checks    map[string]healthCheckResponse `json:"checks,omitempty"`
	Failing   []string                       `json:"failing,omitempty"`
}

type healthCheckResponse struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.base(domain.HealthStatusOK))
}

// Readyz runs the dependency probes. Degraded dependencies still report ready.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSONResponse(w, http.StatusOK, h.base(domain.HealthStatusOK))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	report, err := h.repo.Collect(ctx)
	if err != nil {
		requestctx.Logger(r.Context()).Warn("readiness probe failed", zap.Error(err))
		writeJSONResponse(w, http.StatusServiceUnavailable, h.base(domain.HealthStatusError))
		return
	}

	resp := h.base(report.Status)
	resp.Checks = make(map[string]healthCheckResponse, len(report.Checks))
	for name, check := range report.Checks {
		resp.Checks[name] = healthCheckResponse{
			Status:    check.Status,
			Detail:    check.Detail,
			LatencyMS: check.Latency.Milliseconds(),
		}
		if check.Status == domain.HealthStatusError {
			resp.Failing = append(resp.Failing, name)
		}
	}
	sort.Strings(resp.Failing)

	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}

func (h *HealthHandlers) base(status string) healthResponse {
	now := h.clock()
	return healthResponse{
		Status:    status,
		Version:   h.version,
		Commit:    h.commit,
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}
