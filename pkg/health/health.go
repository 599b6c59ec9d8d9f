// Package health provides health check functionality for the textile gateway
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ik-labs/textile/pkg/errors"
	"github.com/ik-labs/textile/pkg/rewrite"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckFunc reports the status of one component.
type CheckFunc func(ctx context.Context) (Status, string)

// Check represents a single health check
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	checkFunc   CheckFunc
}

// HealthChecker manages health checks for the application
type HealthChecker struct {
	checks map[string]*Check
	mutex  sync.RWMutex
	logger *zap.Logger
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		checks: make(map[string]*Check),
		logger: logger,
	}
}

// RegisterCheck registers a new health check
func (hc *HealthChecker) RegisterCheck(name string, checkFunc CheckFunc) {
	hc.mutex.Lock()
	defer hc.mutex.Unlock()

	hc.checks[name] = &Check{
		Name:      name,
		Status:    StatusUnknown,
		checkFunc: checkFunc,
	}
}

// RunCheck executes a specific health check
func (hc *HealthChecker) RunCheck(ctx context.Context, name string) error {
	hc.mutex.RLock()
	check, exists := hc.checks[name]
	hc.mutex.RUnlock()

	if !exists {
		return fmt.Errorf("unknown health check %q", name)
	}

	status, message := check.checkFunc(ctx)

	hc.mutex.Lock()
	check.Status = status
	check.Message = message
	check.LastChecked = time.Now()
	hc.mutex.Unlock()

	hc.logger.Debug("Health check completed",
		zap.String("check", name),
		zap.String("status", string(status)),
		zap.String("message", message),
	)

	return nil
}

// RunAllChecks executes all registered health checks
func (hc *HealthChecker) RunAllChecks(ctx context.Context) {
	hc.mutex.RLock()
	checkNames := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		checkNames = append(checkNames, name)
	}
	hc.mutex.RUnlock()
	sort.Strings(checkNames)

	for _, name := range checkNames {
		if err := hc.RunCheck(ctx, name); err != nil {
			hc.logger.Error("Health check failed",
				zap.String("check", name),
				zap.Error(err),
			)
		}
	}
}

// GetStatus returns the overall health status: the worst status of any
// check.
func (hc *HealthChecker) GetStatus() Status {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	overall := StatusHealthy
	for _, check := range hc.checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusUnknown:
			overall = StatusUnknown
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return overall
}

// GetChecks returns all health check results
func (hc *HealthChecker) GetChecks() map[string]*Check {
	hc.mutex.RLock()
	defer hc.mutex.RUnlock()

	result := make(map[string]*Check)
	for name, check := range hc.checks {
		result[name] = &Check{
			Name:        check.Name,
			Status:      check.Status,
			Message:     check.Message,
			LastChecked: check.LastChecked,
		}
	}

	return result
}

// HealthResponse represents the JSON response for health endpoints
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]*Check `json:"checks,omitempty"`
}

// LivenessHandler returns an HTTP handler for liveness probes
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hc.write(w, http.StatusOK, HealthResponse{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		})
	}
}

// ReadinessHandler runs every check and answers 503 unless the gateway can
// serve traffic. A degraded gateway still serves.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		hc.RunAllChecks(ctx)

		status := hc.GetStatus()
		code := http.StatusOK
		if status == StatusUnhealthy || status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}

		hc.write(w, code, HealthResponse{
			Status:    status,
			Timestamp: time.Now(),
			Checks:    hc.GetChecks(),
		})
	}
}

func (hc *HealthChecker) write(w http.ResponseWriter, code int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		hc.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// StartPeriodicChecks runs every check on interval until ctx is done. The
// first run happens immediately so readiness is known before traffic
// arrives.
func (hc *HealthChecker) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	hc.logger.Debug("Starting periodic health checks", zap.Duration("interval", interval))
	hc.RunAllChecks(ctx)

	for {
		select {
		case <-ticker.C:
			hc.RunAllChecks(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// BreakerStater is implemented by providers guarded by a circuit breaker.
type BreakerStater interface {
	BreakerState() errors.CircuitState
}

// ProviderCheck reports the upstream as unhealthy while its circuit is open
// and degraded while a probe is in flight.
func ProviderCheck(provider BreakerStater) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		switch state := provider.BreakerState(); state {
		case errors.CircuitOpen:
			return StatusUnhealthy, "upstream circuit open"
		case errors.CircuitHalfOpen:
			return StatusDegraded, "upstream circuit half-open"
		default:
			return StatusHealthy, "upstream circuit " + state.String()
		}
	}
}

// RewriteCheck reports the rewrite engine as degraded when its error rate
// exceeds the monitor's budget. Rewrites fail open, so this never makes the
// gateway unhealthy.
func RewriteCheck(monitor *rewrite.Monitor) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		report := monitor.Report()
		if !report.WithinBudget {
			return StatusDegraded, fmt.Sprintf("rewrite error rate %.4f exceeds budget", report.ErrorRate)
		}
		return StatusHealthy, fmt.Sprintf("%d responses rewritten", report.TotalResponses)
	}
}
