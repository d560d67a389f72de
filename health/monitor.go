package health

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/qollective/errors"
)

// Checker reports the current status of one component. It is called on every Check.
type Checker func(ctx context.Context) Status

// Monitor tracks pushed statuses and pulled checkers under one system name.
type Monitor struct {
	system string

	mu       sync.RWMutex
	statuses map[string]Status
	checkers map[string]Checker
}

// NewMonitor creates a monitor reporting as system.
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system:   system,
		statuses: make(map[string]Status),
		checkers: make(map[string]Checker),
	}
}

// Update records the status of a component. The name wins over status.Component.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// AddChecker registers a checker. A checker replaces a pushed status of the same name.
func (m *Monitor) AddChecker(name string, checker Checker) {
	m.mu.Lock()
	m.checkers[name] = checker
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Remove stops tracking a component.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	delete(m.checkers, name)
	m.mu.Unlock()
}

// Get returns the last pushed status of a component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Components returns the tracked names, sorted.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses)+len(m.checkers))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.checkers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Aggregate runs every checker and combines the results with the pushed statuses, sorted by
// component.
func (m *Monitor) Aggregate(ctx context.Context) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses)+len(m.checkers))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	checkers := make(map[string]Checker, len(m.checkers))
	for name, p := range m.checkers {
		checkers[name] = p
	}
	m.mu.RUnlock()

	for name, checker := range checkers {
		s := checker(ctx)
		s.Component = name
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now()
		}
		subs = append(subs, s)
	}
	slices.SortFunc(subs, func(a, b Status) int { return strings.Compare(a.Component, b.Component) })
	return Aggregate(m.system, subs)
}

// Check fails with KindConnectionClosed while any component is unhealthy. Degraded
// components do not fail the check.
func (m *Monitor) Check(ctx context.Context) error {
	status := m.Aggregate(ctx)
	if status.State == Unhealthy {
		return errors.New(errors.KindConnectionClosed, "health.Check", status.Message)
	}
	return nil
}
