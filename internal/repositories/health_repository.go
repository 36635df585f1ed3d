package repositories

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	domain "github.com/balajihariharan01/SELVI-ENTERPRISES-sub000/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyProbe checks one backing service (Firestore, Pub/Sub, Redis) during readiness.
type DependencyProbe struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

type probeHealthRepository struct {
	probes []DependencyProbe
	now    func() time.Time
}

// NewProbeHealthRepository runs the given probes concurrently on every Collect call.
func NewProbeHealthRepository(probes []DependencyProbe, clock func() time.Time) (HealthRepository, error) {
	for _, probe := range probes {
		if strings.TrimSpace(probe.Name) == "" || probe.Check == nil {
			return nil, errors.New("health repository: probes require a name and a check")
		}
	}
	if clock == nil {
		clock = time.Now
	}
	return &probeHealthRepository{probes: append([]DependencyProbe(nil), probes...), now: clock}, nil
}

func (r *probeHealthRepository) Collect(ctx context.Context) (domain.HealthReport, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]domain.HealthCheck, len(r.probes))
	)

	for _, probe := range r.probes {
		wg.Add(1)
		go func(probe DependencyProbe) {
			defer wg.Done()
			timeout := probe.Timeout
			if timeout <= 0 {
				timeout = defaultProbeTimeout
			}
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := r.now()
			err := probe.Check(probeCtx)
			end := r.now()

			check := domain.HealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				check.Status = domain.HealthStatusError
				check.Detail = "timeout"
			default:
				check.Status = domain.HealthStatusDegraded
				check.Detail = err.Error()
			}

			mu.Lock()
			results[probe.Name] = check
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, check := range results {
		if check.Status == domain.HealthStatusError {
			status = domain.HealthStatusError
			break
		}
		if check.Status == domain.HealthStatusDegraded {
			status = domain.HealthStatusDegraded
		}
	}

	return domain.HealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}
