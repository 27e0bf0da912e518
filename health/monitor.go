package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// Checker reports the current health of one component.
type Checker func() Status

// Monitor runs named checks and aggregates them under one system name.
type Monitor struct {
	system string

	mu     sync.RWMutex
	checks map[string]Checker
}

// NewMonitor creates a monitor for system.
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system: system,
		checks: make(map[string]Checker),
	}
}

// Register adds or replaces the check for name.
func (m *Monitor) Register(name string, check Checker) {
	if check == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove drops the check for name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Components returns the registered names, sorted.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check and aggregates the results in name order. The
// component name of each result is forced to its registration name.
func (m *Monitor) Check() Status {
	m.mu.RLock()
	checks := make(map[string]Checker, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		st := checks[name]()
		st.Component = name
		subs = append(subs, st)
	}
	return Aggregate(m.system, subs)
}

// Handler serves Check as JSON: 200 unless the system is unhealthy, then
// 503.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		st := m.Check()
		w.Header().Set("Content-Type", "application/json")
		if st.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
}
