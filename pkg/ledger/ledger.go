package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
)

// Entry is the restart bookkeeping of one service.
// RestartCount never exceeds MaxRestarts and only decreases through Reset.
type Entry struct {
	Service      string                  `json:"service"`
	Status       monitoring.HealthStatus `json:"status"`
	RestartCount int                     `json:"restart_count"`
	MaxRestarts  int                     `json:"max_restarts"`
	Exhausted    bool                    `json:"exhausted"`
	LastCheck    time.Time               `json:"last_check,omitempty"`
	LastRestart  time.Time               `json:"last_restart,omitempty"`
}

// Ledger holds one entry per registered service behind a single mutex
type Ledger struct {
	mutex   sync.Mutex
	entries map[string]*Entry
	order   []string
	now     func() time.Time
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Register adds a service. Registering an existing service updates its cap and keeps its counters.
func (l *Ledger) Register(service string, maxRestarts int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if entry, ok := l.entries[service]; ok {
		entry.MaxRestarts = maxRestarts
		entry.Exhausted = entry.RestartCount >= maxRestarts
		return
	}
	l.entries[service] = &Entry{
		Service:     service,
		Status:      monitoring.HealthStatusUnknown,
		MaxRestarts: maxRestarts,
	}
	l.order = append(l.order, service)
}

func (l *Ledger) Get(service string) (Entry, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.entries[service]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// UpdateStatus records the latest observed health
func (l *Ledger) UpdateStatus(service string, status monitoring.HealthStatus, at time.Time) (Entry, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.entries[service]
	if !ok {
		return Entry{}, notRegistered(service)
	}
	entry.Status = status
	entry.LastCheck = at
	return *entry, nil
}

// RecordRestartAttempt counts one restart. It refuses once the cap is reached
// and marks the entry exhausted when this attempt uses the last slot.
func (l *Ledger) RecordRestartAttempt(service string) (Entry, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.entries[service]
	if !ok {
		return Entry{}, notRegistered(service)
	}
	if entry.RestartCount >= entry.MaxRestarts {
		entry.Exhausted = true
		return *entry, errors.NewExhaustedError("restart budget exhausted", nil).
			WithContext("service", service).
			WithContext("restart_count", entry.RestartCount).
			WithContext("max_restarts", entry.MaxRestarts)
	}

	entry.RestartCount++
	entry.LastRestart = l.now()
	if entry.RestartCount >= entry.MaxRestarts {
		entry.Exhausted = true
	}
	return *entry, nil
}

// MarkExhausted flags a service as out of restart budget
func (l *Ledger) MarkExhausted(service string) (Entry, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.entries[service]
	if !ok {
		return Entry{}, notRegistered(service)
	}
	entry.Exhausted = true
	return *entry, nil
}

// Reset clears the restart counter and the exhausted flag
func (l *Ledger) Reset(service string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, ok := l.entries[service]
	if !ok {
		return notRegistered(service)
	}
	entry.RestartCount = 0
	entry.Exhausted = false
	return nil
}

// Snapshot copies all entries in registration order
func (l *Ledger) Snapshot() []Entry {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	snapshot := make([]Entry, 0, len(l.order))
	for _, service := range l.order {
		snapshot = append(snapshot, *l.entries[service])
	}
	return snapshot
}

// Names returns registered service names sorted alphabetically
func (l *Ledger) Names() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	names := append([]string(nil), l.order...)
	sort.Strings(names)
	return names
}

func notRegistered(service string) error {
	return errors.NewNotFoundError("service is not registered", nil).WithContext("service", service)
}
