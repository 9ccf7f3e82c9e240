package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// StatsProvider returns a snapshot of component statistics
type StatsProvider func() map[string]interface{}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// StatsEndpoints exposes component statistics and dependency health as JSON
type StatsEndpoints struct {
	mu        sync.RWMutex
	providers map[string]StatsProvider
	checks    map[string]HealthCheck
}

// NewStatsEndpoints creates empty stats endpoints
func NewStatsEndpoints() *StatsEndpoints {
	return &StatsEndpoints{
		providers: make(map[string]StatsProvider),
		checks:    make(map[string]HealthCheck),
	}
}

// AddProvider registers a named statistics source
func (se *StatsEndpoints) AddProvider(name string, provider StatsProvider) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.providers[name] = provider
}

// AddHealthCheck registers a named dependency check
func (se *StatsEndpoints) AddHealthCheck(name string, check HealthCheck) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.checks[name] = check
}

// Check runs every health check and returns the first failure in name order
func (se *StatsEndpoints) Check(ctx context.Context) error {
	se.mu.RLock()
	defer se.mu.RUnlock()

	names := make([]string, 0, len(se.checks))
	for name := range se.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := se.checks[name](ctx); err != nil {
			return &DependencyError{Name: name, Err: err}
		}
	}
	return nil
}

// DependencyError names the dependency that failed its health check
type DependencyError struct {
	Name string
	Err  error
}

func (e *DependencyError) Error() string {
	return e.Name + ": " + e.Err.Error()
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

// StatsHandler handles statistics requests
func (se *StatsEndpoints) StatsHandler(w http.ResponseWriter, r *http.Request) {
	se.mu.RLock()
	stats := make(map[string]interface{}, len(se.providers))
	for name, provider := range se.providers {
		stats[name] = provider()
	}
	se.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

// RegisterRoutes registers statistics routes
func (se *StatsEndpoints) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stats", se.StatsHandler)
}
