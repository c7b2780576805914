package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"syscall"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		// Update overall status
		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		// Set HTTP status based on health
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 but degraded
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions

// PeerSessionCheck checks whether the node currently has any live QUIC
// peer sessions, using a caller-supplied count function (Dispatcher owns
// the session map; health has no business reaching into it directly).
func PeerSessionCheck(activeSessions func() int) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		n := activeSessions()
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("%d active peer session(s)", n),
		}
	}
}

// QUICListenerCheck reports the configured QUIC listener address; it
// always returns ok and does not probe the socket.
func QUICListenerCheck(addr string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("QUIC listener on %s", addr),
		}
	}
}

// KeystoreCheck checks if identity keys are loaded.
func KeystoreCheck(keysLoaded bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if keysLoaded {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: "Identity keys loaded",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Message: "Identity keys not loaded",
		}
	}
}

// DatabaseCheck pings db with a real round trip (SELECT 1), so a wedged
// or unreachable SQLite file (daemon/manager/persistence.go) surfaces as
// unhealthy rather than always reporting ok.
func DatabaseCheck(db *sql.DB) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		_, err := db.ExecContext(ctx, "SELECT 1")
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ComponentHealth{
				Status:    HealthStatusUnhealthy,
				Message:   "SQLite ping failed: " + err.Error(),
				LatencyMS: latency,
			}
		}
		if latency < 50 {
			return ComponentHealth{
				Status:    HealthStatusOK,
				Message:   "SQLite responsive",
				LatencyMS: latency,
			}
		}
		return ComponentHealth{
			Status:    HealthStatusDegraded,
			Message:   "SQLite slow",
			LatencyMS: latency,
		}
	}
}

// DiskSpaceCheck statfs's path (the ChunkStore's Bolt file directory) and
// reports the free space actually available on that filesystem.
func DiskSpaceCheck(path string, minFreeGB int64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err != nil {
			return ComponentHealth{
				Status:  HealthStatusDegraded,
				Message: "statfs " + path + ": " + err.Error(),
			}
		}
		const gib = 1024 * 1024 * 1024
		freeGB := int64(stat.Bavail) * int64(stat.Bsize) / gib

		if freeGB > minFreeGB {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: fmt.Sprintf("%d GB free", freeGB),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("Low disk space: %d GB free", freeGB),
		}
	}
}
