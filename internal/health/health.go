// Package health aggregates readiness checks for the ledger's database and
// background workers.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate result plus each subsystem's status in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DatabaseChecker reports whether the database answers a ping.
func DatabaseChecker(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Runner is implemented by the background timers and workers.
type Runner interface {
	Running() bool
}

// WorkerChecker reports whether a background loop is running.
func WorkerChecker(w Runner) Checker {
	return func(context.Context) Status {
		if !w.Running() {
			return Status{Healthy: false, Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}

// Handler serves the aggregate result: 200 when every check passes, 503
// otherwise.
func (r *Registry) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "ok"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		c.JSON(code, gin.H{"status": status, "checks": statuses})
	}
}
