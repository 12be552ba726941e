package restart

import (
	"context"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/ledger"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	ResetPolicy ResetPolicy
	Sleep       SleepFunc
}

// Controller performs bounded restarts. Calls for the same service are serialized,
// calls for different services run in parallel.
type Controller struct {
	ledger    *ledger.Ledger
	processes process.Controller
	options   Options
	logger    logging.Logger

	locksMutex sync.Mutex
	locks      map[string]*sync.Mutex
	reported   map[string]bool
}

func NewController(ledger *ledger.Ledger, processes process.Controller, options Options, logger logging.Logger) *Controller {
	if options.ResetPolicy == "" {
		options.ResetPolicy = ResetCumulative
	}
	if options.Sleep == nil {
		options.Sleep = SleepContext
	}
	return &Controller{
		ledger:    ledger,
		processes: processes,
		options:   options,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
		reported:  make(map[string]bool),
	}
}

// Observe records an observation in the ledger and applies the reset policy
func (c *Controller) Observe(d Descriptor, observation monitoring.Observation) (ledger.Entry, error) {
	entry, err := c.ledger.UpdateStatus(d.Name, observation.Status, observation.Timestamp)
	if err != nil {
		return entry, err
	}

	if observation.Healthy() && c.options.ResetPolicy == ResetOnHealthy && (entry.RestartCount > 0 || entry.Exhausted) {
		c.logger.Infof("Service healthy, resetting restart counter, service: %s, previous restarts: %d", d.Name, entry.RestartCount)
		if err := c.ledger.Reset(d.Name); err != nil {
			return entry, err
		}
		c.clearReported(d.Name)
		entry, _ = c.ledger.Get(d.Name)
	}
	return entry, nil
}

// MaybeRestart restarts an unhealthy service unless its restart budget is used up.
// The attempt is counted whether or not the stop and start commands succeed.
func (c *Controller) MaybeRestart(ctx context.Context, d Descriptor, observation monitoring.Observation) Result {
	lock := c.lockFor(d.Name)
	lock.Lock()
	defer lock.Unlock()

	result := Result{Service: d.Name}

	entry, err := c.Observe(d, observation)
	if err != nil {
		result.Outcome = OutcomeRestartFailed
		result.Err = err
		return result
	}
	result.Attempt = entry.RestartCount

	if observation.Healthy() {
		result.Outcome = OutcomeSkippedHealthy
		return result
	}

	if entry.RestartCount >= entry.MaxRestarts {
		c.ledger.MarkExhausted(d.Name)
		c.reportExhausted(d.Name, entry)
		result.Outcome = OutcomeSkippedExhausted
		result.Err = errors.NewExhaustedError("restart budget exhausted", nil).
			WithContext("service", d.Name).
			WithContext("max_restarts", entry.MaxRestarts)
		return result
	}

	c.logger.Warnf("Proceeding with restart, service: %s, attempt: %d/%d, delay: %v, reason: %s",
		d.Name, entry.RestartCount+1, entry.MaxRestarts, d.RestartDelay, observation.Message)

	restartErr := c.restart(ctx, d, d.RestartDelay)

	entry, err = c.ledger.RecordRestartAttempt(d.Name)
	if err != nil {
		c.logger.Errorf("Failed to record restart attempt, service: %s, error: %v", d.Name, err)
	}
	result.Attempt = entry.RestartCount

	if restartErr != nil {
		c.logger.Errorf("Restart failed, service: %s, attempt: %d/%d, error: %v",
			d.Name, entry.RestartCount, entry.MaxRestarts, restartErr)
		result.Outcome = OutcomeRestartFailed
		result.Err = restartErr
		return result
	}

	c.logger.Infof("Restart completed, service: %s, attempt: %d/%d", d.Name, entry.RestartCount, entry.MaxRestarts)
	result.Outcome = OutcomeRestarted
	return result
}

// RestartWith restarts a service outside the ledger budget, using the override delay.
// The caller tracks Attempt against MaxRestarts.
func (c *Controller) RestartWith(ctx context.Context, d Descriptor, overrides Overrides) error {
	if overrides.MaxRestarts > 0 && overrides.Attempt > overrides.MaxRestarts {
		return errors.NewExhaustedError("override restart budget exhausted", nil).
			WithContext("service", d.Name).
			WithContext("attempt", overrides.Attempt).
			WithContext("max_restarts", overrides.MaxRestarts)
	}

	lock := c.lockFor(d.Name)
	lock.Lock()
	defer lock.Unlock()

	c.logger.Warnf("Proceeding with override restart, service: %s, attempt: %d/%d, delay: %v",
		d.Name, overrides.Attempt, overrides.MaxRestarts, overrides.Delay)

	return c.restart(ctx, d, overrides.Delay)
}

// Stop stops a service without touching its restart budget
func (c *Controller) Stop(ctx context.Context, d Descriptor) error {
	lock := c.lockFor(d.Name)
	lock.Lock()
	defer lock.Unlock()

	return c.stop(ctx, d)
}

// Start starts a service without touching its restart budget
func (c *Controller) Start(ctx context.Context, d Descriptor) error {
	lock := c.lockFor(d.Name)
	lock.Lock()
	defer lock.Unlock()

	return c.start(ctx, d)
}

// Reset clears a service's restart budget
func (c *Controller) Reset(name string) error {
	if err := c.ledger.Reset(name); err != nil {
		return err
	}
	c.clearReported(name)
	return nil
}

func (c *Controller) restart(ctx context.Context, d Descriptor, delay time.Duration) error {
	collection := errors.NewErrorCollection()
	collection.Add(c.stop(ctx, d))

	if delay > 0 {
		c.logger.Debugf("Waiting before start, service: %s, delay: %v", d.Name, delay)
		if err := c.options.Sleep(ctx, delay); err != nil {
			collection.Add(errors.NewCancelledError("restart delay interrupted", err).WithContext("service", d.Name))
			return collection.ToError()
		}
	}

	collection.Add(c.start(ctx, d))
	return collection.ToError()
}

func (c *Controller) stop(ctx context.Context, d Descriptor) error {
	if err := c.processes.Stop(ctx, d.Name, d.Control); err != nil {
		c.logger.Errorf("Failed to stop service, service: %s, error: %v", d.Name, err)
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context, d Descriptor) error {
	pid, err := c.processes.Start(ctx, d.Name, d.Control)
	if err != nil {
		c.logger.Errorf("Failed to start service, service: %s, error: %v", d.Name, err)
		return err
	}
	c.logger.Infof("Service started, service: %s, pid: %d", d.Name, pid)
	return nil
}

func (c *Controller) reportExhausted(name string, entry ledger.Entry) {
	c.locksMutex.Lock()
	already := c.reported[name]
	c.reported[name] = true
	c.locksMutex.Unlock()

	if already {
		c.logger.Warnf("Skipping restart, budget exhausted, service: %s, restarts: %d/%d", name, entry.RestartCount, entry.MaxRestarts)
		return
	}
	c.logger.Fatalf("Restart budget exhausted, manual intervention required, service: %s, restarts: %d/%d, last restart: %s",
		name, entry.RestartCount, entry.MaxRestarts, entry.LastRestart.Format(time.RFC3339))
}

func (c *Controller) clearReported(name string) {
	c.locksMutex.Lock()
	delete(c.reported, name)
	c.locksMutex.Unlock()
}

func (c *Controller) lockFor(name string) *sync.Mutex {
	c.locksMutex.Lock()
	defer c.locksMutex.Unlock()

	lock, ok := c.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}
	return lock
}

// SleepContext waits for d, returning early with ctx's error when ctx is done
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
