package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-orchestrator/pkg/decision"
	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/ledger"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/processfile"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

// Prober probes a batch of services concurrently
type Prober interface {
	ProbeAll(ctx context.Context, targets []monitoring.Target) []monitoring.Observation
}

// Dependencies are the collaborators the orchestrator talks to. Nil fields get production defaults.
type Dependencies struct {
	Prober    Prober
	Processes process.Controller
	Metrics   decision.MetricsSource
	Sleep     restart.SleepFunc
	Now       func() time.Time
}

// ReportListener is notified after every cycle
type ReportListener func(report *domain.StatusReport)

// Orchestrator owns all run-time state: ledger, restart controller, emergency responder and decision engine
type Orchestrator struct {
	config    *Config
	services  []restart.Descriptor
	ledger    *ledger.Ledger
	restarts  *restart.Controller
	responder *emergency.Responder
	engine    *decision.Engine
	deps      Dependencies
	metrics   *metrics
	logger    logging.Logger

	cycleMutex sync.Mutex
	cycle      int64

	reportMutex sync.RWMutex
	lastReport  *domain.StatusReport
	listeners   []ReportListener
}

func New(config *Config, deps Dependencies, logger logging.Logger) (*Orchestrator, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Prober == nil {
		deps.Prober = monitoring.NewProber(logging.WithPrefix(logger, "prober: "))
	}
	if deps.Processes == nil {
		pidFiles := processfile.NewManager(config.Orchestrator.PIDDirectory, logger)
		deps.Processes = process.NewShellController(pidFiles, config.Orchestrator.StopGracePeriod, logging.WithPrefix(logger, "process: "))
	}
	if deps.Metrics == nil {
		var pending decision.PendingWorkSource
		if config.Decision.QueueFile != "" {
			pending = decision.NewQueueFileSource(config.Decision.QueueFile, logger)
		}
		deps.Metrics = decision.NewHostMetricsSource(config.Decision.DiskPath, pending)
	}

	services := config.Descriptors()
	taskLedger := ledger.New()
	for _, d := range services {
		taskLedger.Register(d.Name, d.MaxRestarts)
	}

	restarts := restart.NewController(taskLedger, deps.Processes, restart.Options{
		ResetPolicy: config.Orchestrator.ResetPolicy,
		Sleep:       deps.Sleep,
	}, logging.WithPrefix(logger, "restart: "))

	return &Orchestrator{
		config:    config,
		services:  services,
		ledger:    taskLedger,
		restarts:  restarts,
		responder: emergency.NewResponder(config.Orchestrator.Emergency, restarts, logging.WithPrefix(logger, "emergency: ")),
		engine:    decision.NewEngine(config.Decision),
		deps:      deps,
		metrics:   newMetrics(),
		logger:    logger,
	}, nil
}

func (o *Orchestrator) Config() *Config {
	return o.config
}

func (o *Orchestrator) Services() []restart.Descriptor {
	return append([]restart.Descriptor(nil), o.services...)
}

// OnReport registers a listener for cycle reports
func (o *Orchestrator) OnReport(listener ReportListener) {
	o.reportMutex.Lock()
	defer o.reportMutex.Unlock()
	o.listeners = append(o.listeners, listener)
}

// MetricsHandler serves the orchestrator's Prometheus registry
func (o *Orchestrator) MetricsHandler() http.Handler {
	return o.metrics.handler()
}

// Run executes cycles until ctx is done. Each cycle is followed by the rest of the
// interval; an overrunning cycle is followed immediately by the next one.
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.config.Orchestrator.CycleInterval
	o.logger.Infof("Orchestration loop starting, services: %d, interval: %v", len(o.services), interval)

	for {
		if err := ctx.Err(); err != nil {
			o.logger.Infof("Orchestration loop stopped")
			return nil
		}

		started := o.deps.Now()
		if _, err := o.RunCycle(ctx); err != nil {
			if errors.IsCancelledError(err) {
				o.logger.Infof("Orchestration loop stopped")
				return nil
			}
			o.logger.Errorf("Cycle failed, error: %v", err)
		}
		elapsed := o.deps.Now().Sub(started)

		delay := nextDelay(interval, elapsed)
		if delay == 0 {
			o.logger.Warnf("Cycle overran interval, starting next cycle now, elapsed: %v, interval: %v", elapsed, interval)
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.logger.Infof("Orchestration loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

// nextDelay is the sleep after a cycle, never negative
func nextDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// RunCycle runs one full cycle. Cycles never overlap.
// Restarts already started finish even when ctx is cancelled.
func (o *Orchestrator) RunCycle(ctx context.Context) (*domain.StatusReport, error) {
	o.cycleMutex.Lock()
	defer o.cycleMutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("cycle cancelled before health checks", err)
	}

	o.cycle++
	cycle := o.cycle
	started := o.deps.Now()
	o.logger.Debugf("Cycle starting, cycle: %d", cycle)

	targets := make([]monitoring.Target, len(o.services))
	for i, d := range o.services {
		targets[i] = d.Target()
	}
	observations := o.deps.Prober.ProbeAll(ctx, targets)

	// Health checks cut short by cancellation say nothing about service health
	if err := ctx.Err(); err != nil {
		o.logger.Infof("Cycle cancelled during health checks, observations discarded, cycle: %d", cycle)
		return nil, errors.NewCancelledError("cycle cancelled during health checks", err).WithContext("cycle", cycle)
	}

	byName := make(map[string]monitoring.Observation, len(observations))
	unhealthy := 0
	for _, observation := range observations {
		byName[observation.Service] = observation
		if !observation.Healthy() {
			unhealthy++
		}
	}

	detached := context.WithoutCancel(ctx)
	outcomes := make(map[string]restart.Result)
	var emergencyResult emergency.Result

	if o.responder.Engaged(unhealthy) {
		for _, d := range o.services {
			if _, err := o.restarts.Observe(d, byName[d.Name]); err != nil {
				o.logger.Errorf("Failed to record observation, service: %s, error: %v", d.Name, err)
			}
		}
		emergencyResult = o.responder.Evaluate(detached, o.services, byName)
		if emergencyResult.Err != nil {
			o.logger.Errorf("Emergency step reported errors, state: %s, error: %v", emergencyResult.State, emergencyResult.Err)
		}
	} else {
		outcomes = o.restartUnhealthy(detached, byName)
	}

	hostMetrics, err := o.deps.Metrics.Collect(ctx)
	if err != nil {
		o.logger.Warnf("Failed to collect host metrics, using zero values, error: %v", err)
		hostMetrics = decision.Metrics{CollectedAt: o.deps.Now()}
	}

	summary := o.healthSummary()
	actions := o.engine.Evaluate(hostMetrics, summary)
	for _, action := range actions {
		o.logger.Infof("Advisory action, type: %s, reason: %s", action.Type, action.Reason)
	}

	report := o.buildReport(byName, outcomes)
	report.Cycle = cycle
	report.StartedAt = started
	report.Duration = o.deps.Now().Sub(started)
	report.Actions = actions
	report.Metrics = hostMetrics

	o.publish(report, emergencyResult.Event != nil)

	o.logger.Infof("Cycle complete, cycle: %d, unhealthy: %d/%d, emergency: %s, duration: %v",
		cycle, unhealthy, len(o.services), report.Emergency.State, report.Duration)
	return report, nil
}

func (o *Orchestrator) restartUnhealthy(ctx context.Context, observations map[string]monitoring.Observation) map[string]restart.Result {
	results := make([]restart.Result, len(o.services))

	// One goroutine per service; the controller serializes per service
	var group errgroup.Group
	for i, d := range o.services {
		group.Go(func() error {
			results[i] = o.restarts.MaybeRestart(ctx, d, observations[d.Name])
			return nil
		})
	}
	group.Wait()

	outcomes := make(map[string]restart.Result, len(results))
	for _, result := range results {
		outcomes[result.Service] = result
	}
	return outcomes
}

func (o *Orchestrator) healthSummary() decision.HealthSummary {
	summary := decision.HealthSummary{}
	for _, entry := range o.ledger.Snapshot() {
		summary.Total++
		if entry.Status != monitoring.HealthStatusHealthy {
			summary.Unhealthy = append(summary.Unhealthy, entry.Service)
		}
		if entry.Exhausted {
			summary.Exhausted = append(summary.Exhausted, entry.Service)
		}
	}
	return summary
}

func (o *Orchestrator) buildReport(observations map[string]monitoring.Observation, outcomes map[string]restart.Result) *domain.StatusReport {
	report := &domain.StatusReport{
		Services:  make([]domain.ServiceStatus, 0, len(o.services)),
		Emergency: o.responder.Status(),
	}
	for _, d := range o.services {
		entry, _ := o.ledger.Get(d.Name)
		status := domain.ServiceStatus{
			Name:         d.Name,
			Status:       entry.Status,
			RestartCount: entry.RestartCount,
			MaxRestarts:  entry.MaxRestarts,
			Exhausted:    entry.Exhausted,
			Critical:     d.Critical,
			LastCheck:    entry.LastCheck,
			LastRestart:  entry.LastRestart,
		}
		if observation, ok := observations[d.Name]; ok {
			status.Message = observation.Message
		}
		if result, ok := outcomes[d.Name]; ok {
			status.Outcome = result.Outcome
			if result.Err != nil {
				status.Message = result.Err.Error()
			}
		}
		report.Services = append(report.Services, status)
	}
	return report
}

func (o *Orchestrator) publish(report *domain.StatusReport, triggered bool) {
	o.reportMutex.Lock()
	o.lastReport = report
	listeners := append([]ReportListener(nil), o.listeners...)
	o.reportMutex.Unlock()

	if path := o.config.Orchestrator.StatusFile; path != "" {
		if err := writeStatusFile(path, report); err != nil {
			o.logger.Warnf("Failed to write status file, path: %s, error: %v", path, err)
		}
	}

	o.metrics.observe(report, triggered)

	for _, listener := range listeners {
		listener(report)
	}
}

// writeStatusFile replaces the status file atomically
func writeStatusFile(path string, report *domain.StatusReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.NewInternalError("failed to encode status report", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewIOError("failed to create status directory", err).WithContext("path", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewIOError("failed to create temporary status file", err).WithContext("path", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.NewIOError("failed to write status file", err).WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewIOError("failed to write status file", err).WithContext("path", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.NewIOError("failed to replace status file", err).WithContext("path", path)
	}
	return nil
}

// Status returns the last cycle report, or the ledger state before the first cycle
func (o *Orchestrator) Status(ctx context.Context) (*domain.StatusReport, error) {
	o.reportMutex.RLock()
	report := o.lastReport
	o.reportMutex.RUnlock()

	if report != nil {
		return report, nil
	}
	return o.buildReport(nil, nil), nil
}

// TriggerEmergency forces the emergency protocol and runs a cycle to carry it out
func (o *Orchestrator) TriggerEmergency(ctx context.Context) (*domain.StatusReport, error) {
	if o.responder.Trigger() {
		o.logger.Warnf("Emergency requested")
	}
	return o.RunCycle(ctx)
}

var _ domain.Contract = (*Orchestrator)(nil)
