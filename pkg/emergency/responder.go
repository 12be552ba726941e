package emergency

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

type State string

const (
	StateNormal             State = "normal"
	StateEmergencyTriggered State = "emergency_triggered"
	StateRecovering         State = "recovering"
)

const (
	DefaultThreshold    = 2
	DefaultRestartDelay = 5 * time.Second
	DefaultMaxRestarts  = 2
)

type Config struct {
	// Threshold is the number of unhealthy services that may coexist; one more triggers an emergency.
	// Zero makes any unhealthy service an emergency.
	Threshold    *int          `yaml:"threshold"`
	RestartDelay time.Duration `yaml:"restart_delay"`
	MaxRestarts  int           `yaml:"max_restarts"`
}

func (c *Config) ApplyDefaults() {
	if c.Threshold == nil {
		threshold := DefaultThreshold
		c.Threshold = &threshold
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
}

// EffectiveThreshold is the configured threshold, or the default when unset
func (c Config) EffectiveThreshold() int {
	if c.Threshold == nil {
		return DefaultThreshold
	}
	return *c.Threshold
}

func ValidateConfig(config Config) error {
	if config.Threshold != nil && *config.Threshold < 0 {
		return errors.NewValidationError("emergency threshold cannot be negative", nil)
	}
	if config.RestartDelay < 0 {
		return errors.NewValidationError("emergency restart delay cannot be negative", nil)
	}
	if config.MaxRestarts < 1 {
		return errors.NewValidationError("emergency max restarts must be at least 1", nil)
	}
	return nil
}

// Event records why an emergency started
type Event struct {
	Services    []string  `json:"services"`
	TriggeredAt time.Time `json:"triggered_at"`
	Forced      bool      `json:"forced"`
}

// Status is a copy of the responder's state for reporting
type Status struct {
	State       State    `json:"state"`
	Target      string   `json:"target,omitempty"`
	Attempts    int      `json:"attempts"`
	MaxRestarts int      `json:"max_restarts"`
	Stuck       bool     `json:"stuck"`
	Stopped     []string `json:"stopped,omitempty"`
	LastEvent   *Event   `json:"last_event,omitempty"`
}

// Result tells the loop whether the responder took over this cycle
type Result struct {
	State State
	// Handled means per-service restarts must be skipped this cycle
	Handled bool
	Event   *Event
	Err     error
}

// Restarter is the part of the restart controller the responder drives
type Restarter interface {
	Stop(ctx context.Context, d restart.Descriptor) error
	Start(ctx context.Context, d restart.Descriptor) error
	RestartWith(ctx context.Context, d restart.Descriptor, overrides restart.Overrides) error
}

// Responder runs the coordinated recovery protocol when too many services fail together.
// Evaluate passes are serialized; state is only written by Evaluate and guarded by mutex
// so Trigger and Status never wait for process operations.
type Responder struct {
	config    Config
	threshold int
	restarter Restarter
	logger    logging.Logger
	now       func() time.Time

	evaluating sync.Mutex

	mutex     sync.Mutex
	state     State
	target    string
	attempts  int
	stuck     bool
	stopped   []string
	forced    bool
	lastEvent *Event
}

func NewResponder(config Config, restarter Restarter, logger logging.Logger) *Responder {
	config.ApplyDefaults()
	return &Responder{
		config:    config,
		threshold: config.EffectiveThreshold(),
		restarter: restarter,
		logger:    logger,
		now:       time.Now,
		state:     StateNormal,
	}
}

// Trigger forces an emergency on the next Evaluate. It is ignored outside the normal state.
func (r *Responder) Trigger() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.state != StateNormal {
		r.logger.Warnf("Emergency already in progress, state: %s, target: %s", r.state, r.target)
		return false
	}
	r.forced = true
	return true
}

func (r *Responder) State() State {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state
}

func (r *Responder) Status() Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	status := Status{
		State:       r.state,
		Target:      r.target,
		Attempts:    r.attempts,
		MaxRestarts: r.config.MaxRestarts,
		Stuck:       r.stuck,
		Stopped:     append([]string(nil), r.stopped...),
	}
	if r.lastEvent != nil {
		event := *r.lastEvent
		status.LastEvent = &event
	}
	return status
}

// Engaged reports whether Evaluate would take over a cycle with this many unhealthy services
func (r *Responder) Engaged(unhealthy int) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state != StateNormal || r.forced || unhealthy > r.threshold
}

// Evaluate advances the state machine with this cycle's observations.
// services must be in configured order.
func (r *Responder) Evaluate(ctx context.Context, services []restart.Descriptor, observations map[string]monitoring.Observation) Result {
	r.evaluating.Lock()
	defer r.evaluating.Unlock()

	unhealthy := unhealthyNames(services, observations)

	r.mutex.Lock()
	if r.state != StateNormal {
		r.mutex.Unlock()
		err := r.recover(ctx, services, observations)
		return Result{State: r.State(), Handled: true, Err: err}
	}
	if !r.forced && len(unhealthy) <= r.threshold {
		r.mutex.Unlock()
		return Result{State: StateNormal}
	}
	event := &Event{Services: unhealthy, TriggeredAt: r.now(), Forced: r.forced}
	r.forced = false
	r.lastEvent = event
	r.state = StateEmergencyTriggered
	r.stopped = nil
	r.mutex.Unlock()

	r.logger.Errorf("Emergency triggered, unhealthy: %d, threshold: %d, forced: %v, services: %s",
		len(unhealthy), r.threshold, event.Forced, strings.Join(unhealthy, ","))

	err := r.enter(ctx, services, observations, event.Forced)
	return Result{State: r.State(), Handled: true, Event: event, Err: err}
}

func (r *Responder) enter(ctx context.Context, services []restart.Descriptor, observations map[string]monitoring.Observation, forced bool) error {
	target, ok := selectTarget(services, observations, forced)

	collection := errors.NewErrorCollection()
	for _, d := range services {
		if d.Critical || (ok && d.Name == target.Name) {
			continue
		}
		r.logger.Warnf("Stopping non-critical service for emergency, service: %s", d.Name)
		if err := r.restarter.Stop(ctx, d); err != nil {
			r.logger.Errorf("Failed to stop non-critical service, service: %s, error: %v", d.Name, err)
			collection.Add(err)
		}
		r.mutex.Lock()
		r.stopped = append(r.stopped, d.Name)
		r.mutex.Unlock()
	}

	if !ok {
		r.logger.Warnf("No service to recover, restoring stopped services")
		collection.Add(r.restoreStopped(ctx, services))
		r.reset()
		return collection.ToError()
	}

	r.mutex.Lock()
	r.target = target.Name
	r.attempts = 1
	r.stuck = false
	r.mutex.Unlock()

	r.logger.Warnf("Emergency restart of priority service, service: %s, priority: %d, attempt: %d/%d",
		target.Name, target.Priority, r.attempts, r.config.MaxRestarts)
	collection.Add(r.restartTarget(ctx, target))

	r.mutex.Lock()
	r.state = StateRecovering
	r.mutex.Unlock()
	return collection.ToError()
}

func (r *Responder) recover(ctx context.Context, services []restart.Descriptor, observations map[string]monitoring.Observation) error {
	target, ok := findService(services, r.target)
	if !ok {
		r.logger.Errorf("Emergency target is no longer configured, target: %s", r.target)
		err := r.restoreStopped(ctx, services)
		r.reset()
		return err
	}

	if observation, seen := observations[target.Name]; seen && observation.Healthy() {
		r.logger.Infof("Priority service recovered, restoring stopped services, service: %s, stopped: %s",
			target.Name, strings.Join(r.stopped, ","))
		err := r.restoreStopped(ctx, services)
		r.reset()
		return err
	}

	if r.attempts < r.config.MaxRestarts {
		r.mutex.Lock()
		r.attempts++
		r.mutex.Unlock()
		r.logger.Warnf("Priority service still unhealthy, retrying emergency restart, service: %s, attempt: %d/%d",
			target.Name, r.attempts, r.config.MaxRestarts)
		return r.restartTarget(ctx, target)
	}

	if !r.stuck {
		r.mutex.Lock()
		r.stuck = true
		r.mutex.Unlock()
		r.logger.Fatalf("Emergency recovery exhausted, manual intervention required, service: %s, attempts: %d/%d, stopped services: %s",
			target.Name, r.attempts, r.config.MaxRestarts, strings.Join(r.stopped, ","))
	}
	return errors.NewSystemicError("emergency recovery exhausted", nil).
		WithContext("service", target.Name).
		WithContext("attempts", r.attempts)
}

func (r *Responder) restartTarget(ctx context.Context, target restart.Descriptor) error {
	err := r.restarter.RestartWith(ctx, target, restart.Overrides{
		Delay:       r.config.RestartDelay,
		Attempt:     r.attempts,
		MaxRestarts: r.config.MaxRestarts,
	})
	if err != nil {
		r.logger.Errorf("Emergency restart failed, service: %s, attempt: %d/%d, error: %v",
			target.Name, r.attempts, r.config.MaxRestarts, err)
	}
	return err
}

// restoreStopped starts stopped services in configured order
func (r *Responder) restoreStopped(ctx context.Context, services []restart.Descriptor) error {
	stopped := make(map[string]bool, len(r.stopped))
	for _, name := range r.stopped {
		stopped[name] = true
	}

	collection := errors.NewErrorCollection()
	for _, d := range services {
		if !stopped[d.Name] {
			continue
		}
		r.logger.Infof("Restoring service after emergency, service: %s", d.Name)
		if err := r.restarter.Start(ctx, d); err != nil {
			r.logger.Errorf("Failed to restore service, service: %s, error: %v", d.Name, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

func (r *Responder) reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.state = StateNormal
	r.target = ""
	r.attempts = 0
	r.stuck = false
	r.stopped = nil
}

// selectTarget picks the highest-priority critical service that needs recovery.
// Without an unhealthy critical service it falls back to any unhealthy service.
// A forced emergency also considers healthy services.
func selectTarget(services []restart.Descriptor, observations map[string]monitoring.Observation, forced bool) (restart.Descriptor, bool) {
	unhealthy := func(d restart.Descriptor) bool {
		observation, ok := observations[d.Name]
		return ok && !observation.Healthy()
	}

	filters := []func(restart.Descriptor) bool{
		func(d restart.Descriptor) bool { return d.Critical && unhealthy(d) },
		unhealthy,
	}
	if forced {
		filters = append(filters,
			func(d restart.Descriptor) bool { return d.Critical },
			func(d restart.Descriptor) bool { return true },
		)
	}

	for _, filter := range filters {
		var candidates []restart.Descriptor
		for _, d := range services {
			if filter(d) {
				candidates = append(candidates, d)
			}
		}
		if len(candidates) > 0 {
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].Priority < candidates[j].Priority
			})
			return candidates[0], true
		}
	}
	return restart.Descriptor{}, false
}

func unhealthyNames(services []restart.Descriptor, observations map[string]monitoring.Observation) []string {
	var names []string
	for _, d := range services {
		if observation, ok := observations[d.Name]; ok && !observation.Healthy() {
			names = append(names, d.Name)
		}
	}
	return names
}

func findService(services []restart.Descriptor, name string) (restart.Descriptor, bool) {
	for _, d := range services {
		if d.Name == name {
			return d, true
		}
	}
	return restart.Descriptor{}, false
}
