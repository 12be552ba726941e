package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/decision"
	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/process/processtest"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

const (
	healthy   = monitoring.HealthStatusHealthy
	unhealthy = monitoring.HealthStatusUnhealthy
)

func processControl(command string) process.ControlConfig {
	return process.ControlConfig{StartCommand: command}
}

// scriptedProber answers from a per-service script; the last entry repeats
type scriptedProber struct {
	mutex   sync.Mutex
	scripts map[string][]monitoring.HealthStatus
	calls   int
	hook    func(call int)
}

func newScriptedProber(scripts map[string][]monitoring.HealthStatus) *scriptedProber {
	return &scriptedProber{scripts: scripts}
}

func (p *scriptedProber) ProbeAll(ctx context.Context, targets []monitoring.Target) []monitoring.Observation {
	p.mutex.Lock()
	call := p.calls
	p.calls++
	hook := p.hook
	observations := make([]monitoring.Observation, len(targets))
	for i, target := range targets {
		status := healthy
		if script := p.scripts[target.Name]; len(script) > 0 {
			if call < len(script) {
				status = script[call]
			} else {
				status = script[len(script)-1]
			}
		}
		observations[i] = monitoring.Observation{Service: target.Name, Status: status, Timestamp: time.Now()}
	}
	p.mutex.Unlock()

	if hook != nil {
		hook(call)
	}
	return observations
}

func (p *scriptedProber) Calls() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.calls
}

type staticMetrics struct {
	metrics decision.Metrics
	err     error
}

func (s staticMetrics) Collect(ctx context.Context) (decision.Metrics, error) {
	return s.metrics, s.err
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func testConfig(services ...ServiceConfig) *Config {
	config := &Config{Services: services}
	config.Orchestrator.PIDDirectory = os.TempDir()
	setConfigDefaults(config)
	return config
}

func testService(name string, maxRestarts int, critical bool, priority int) ServiceConfig {
	return ServiceConfig{
		Name:         name,
		Critical:     critical,
		Priority:     priority,
		RestartDelay: 5 * time.Second,
		MaxRestarts:  &maxRestarts,
		HealthCheck: monitoring.HealthCheckConfig{
			Type: monitoring.HealthCheckTypeExec,
			Exec: monitoring.ExecHealthCheckConfig{Command: "true"},
		},
		Control: processControl("./" + name),
	}
}

type fixture struct {
	orchestrator *Orchestrator
	prober       *scriptedProber
	processes    *processtest.FakeController
}

func newFixture(t *testing.T, config *Config, scripts map[string][]monitoring.HealthStatus) *fixture {
	t.Helper()
	f := &fixture{
		prober:    newScriptedProber(scripts),
		processes: processtest.NewFakeController(),
	}
	o, err := New(config, Dependencies{
		Prober:    f.prober,
		Processes: f.processes,
		Metrics:   staticMetrics{},
		Sleep:     noSleep,
	}, logging.NewNopLogger())
	require.NoError(t, err)
	f.orchestrator = o
	return f
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		elapsed  time.Duration
		want     time.Duration
	}{
		{"remainder", 300 * time.Second, 20 * time.Second, 280 * time.Second},
		{"no work", 300 * time.Second, 0, 300 * time.Second},
		{"exact", 300 * time.Second, 300 * time.Second, 0},
		{"overrun", 300 * time.Second, 400 * time.Second, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextDelay(tt.interval, tt.elapsed))
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(testConfig(), Dependencies{}, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestRunCycle_RestartsUntilExhausted(t *testing.T) {
	f := newFixture(t, testConfig(testService("mcp_server", 3, false, 0)),
		map[string][]monitoring.HealthStatus{"mcp_server": {unhealthy}})
	ctx := context.Background()

	expected := []restart.Outcome{
		restart.OutcomeRestarted,
		restart.OutcomeRestarted,
		restart.OutcomeRestarted,
		restart.OutcomeSkippedExhausted,
		restart.OutcomeSkippedExhausted,
	}
	var report *domain.StatusReport
	for i, outcome := range expected {
		var err error
		report, err = f.orchestrator.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), report.Cycle)

		service, ok := report.Service("mcp_server")
		require.True(t, ok)
		assert.Equal(t, outcome, service.Outcome, "cycle %d", i+1)
		assert.LessOrEqual(t, service.RestartCount, 3)
	}

	service, _ := report.Service("mcp_server")
	assert.Equal(t, 3, service.RestartCount)
	assert.True(t, service.Exhausted)
	assert.NotEmpty(t, service.Message)
	assert.Len(t, f.processes.CallsFor(processtest.OpStart), 3)

	// Exhausted services are flagged for review
	var flagged bool
	for _, action := range report.Actions {
		if action.Type == decision.ActionFlagForReview && strings.Contains(action.Reason, "mcp_server") {
			flagged = true
		}
	}
	assert.True(t, flagged)
}

func TestRunCycle_HealthyNeverRestarts(t *testing.T) {
	f := newFixture(t, testConfig(testService("mcp_server", 3, false, 0), testService("dashboard", 3, false, 1)), nil)

	for i := 0; i < 3; i++ {
		report, err := f.orchestrator.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Unhealthy())
		for _, service := range report.Services {
			assert.Equal(t, restart.OutcomeSkippedHealthy, service.Outcome)
			assert.Zero(t, service.RestartCount)
		}
	}
	assert.Empty(t, f.processes.Calls())
}

func TestRunCycle_AlternatingHealth(t *testing.T) {
	tests := []struct {
		name   string
		policy restart.ResetPolicy
		counts []int
	}{
		{"cumulative", restart.ResetCumulative, []int{1, 1, 2, 2}},
		{"on healthy", restart.ResetOnHealthy, []int{1, 0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig(testService("worker", 3, false, 0))
			config.Orchestrator.ResetPolicy = tt.policy
			f := newFixture(t, config, map[string][]monitoring.HealthStatus{
				"worker": {unhealthy, healthy, unhealthy, healthy},
			})

			for i, want := range tt.counts {
				report, err := f.orchestrator.RunCycle(context.Background())
				require.NoError(t, err)
				service, _ := report.Service("worker")
				assert.Equal(t, want, service.RestartCount, "cycle %d", i+1)
			}
			assert.Len(t, f.processes.CallsFor(processtest.OpStart), 2)
		})
	}
}

func TestRunCycle_EmergencyTakesOver(t *testing.T) {
	config := testConfig(
		testService("mcp_server", 3, true, 0),
		testService("dashboard", 3, false, 5),
		testService("worker", 3, false, 6),
		testService("router", 3, true, 1),
	)
	f := newFixture(t, config, map[string][]monitoring.HealthStatus{
		"mcp_server": {unhealthy, healthy},
		"dashboard":  {unhealthy, unhealthy},
		"worker":     {unhealthy, unhealthy},
	})

	report, err := f.orchestrator.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, emergency.StateRecovering, report.Emergency.State)
	assert.Equal(t, "mcp_server", report.Emergency.Target)
	assert.Equal(t, []processtest.Call{
		{Op: processtest.OpStop, Service: "dashboard"},
		{Op: processtest.OpStop, Service: "worker"},
		{Op: processtest.OpStop, Service: "mcp_server"},
		{Op: processtest.OpStart, Service: "mcp_server"},
	}, f.processes.Calls())

	// Per-service restarts are skipped while the emergency runs
	for _, service := range report.Services {
		assert.Empty(t, service.Outcome)
		assert.Zero(t, service.RestartCount)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.orchestrator.metrics.emergencyEvents))

	f.processes.Reset()
	report, err = f.orchestrator.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, emergency.StateNormal, report.Emergency.State)
	assert.Equal(t, []string{"dashboard", "worker"}, f.processes.CallsFor(processtest.OpStart))
}

func TestTriggerEmergency(t *testing.T) {
	f := newFixture(t, testConfig(testService("mcp_server", 3, true, 0), testService("dashboard", 3, false, 1)), nil)

	report, err := f.orchestrator.TriggerEmergency(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report.Emergency.LastEvent)
	assert.True(t, report.Emergency.LastEvent.Forced)
	assert.Equal(t, "mcp_server", report.Emergency.Target)

	report, err = f.orchestrator.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, emergency.StateNormal, report.Emergency.State)
}

func TestRunCycle_MetricsFailureUsesZeroValues(t *testing.T) {
	config := testConfig(testService("mcp_server", 3, false, 0))
	o, err := New(config, Dependencies{
		Prober:    newScriptedProber(nil),
		Processes: processtest.NewFakeController(),
		Metrics:   staticMetrics{metrics: decision.Metrics{CPUPercent: 99}, err: errors.NewIOError("no /proc", nil)},
		Sleep:     noSleep,
	}, logging.NewNopLogger())
	require.NoError(t, err)

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Metrics.CPUPercent)
	assert.Empty(t, report.Actions)
}

func TestRunCycle_AdvisoryActions(t *testing.T) {
	config := testConfig(testService("mcp_server", 3, false, 0))
	o, err := New(config, Dependencies{
		Prober:    newScriptedProber(nil),
		Processes: processtest.NewFakeController(),
		Metrics:   staticMetrics{metrics: decision.Metrics{CPUPercent: 95, PendingWork: 1500}},
		Sleep:     noSleep,
	}, logging.NewNopLogger())
	require.NoError(t, err)

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)

	types := make(map[decision.ActionType]int)
	for _, action := range report.Actions {
		types[action.Type]++
	}
	assert.Equal(t, 1, types[decision.ActionTriggerProcessing])
	assert.Equal(t, 1, types[decision.ActionFlagForReview])
	assert.Equal(t, 2.0, testutil.ToFloat64(o.metrics.actions.WithLabelValues(string(decision.ActionFlagForReview)))+
		testutil.ToFloat64(o.metrics.actions.WithLabelValues(string(decision.ActionTriggerProcessing))))
}

func TestRunCycle_WritesStatusFile(t *testing.T) {
	config := testConfig(testService("mcp_server", 3, false, 0))
	config.Orchestrator.StatusFile = filepath.Join(t.TempDir(), "status", "agent_status.json")
	f := newFixture(t, config, map[string][]monitoring.HealthStatus{"mcp_server": {unhealthy}})

	_, err := f.orchestrator.RunCycle(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(config.Orchestrator.StatusFile)
	require.NoError(t, err)

	var report domain.StatusReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, int64(1), report.Cycle)
	require.Len(t, report.Services, 1)
	assert.Equal(t, unhealthy, report.Services[0].Status)
	assert.Equal(t, 1, report.Services[0].RestartCount)

	entries, err := os.ReadDir(filepath.Dir(config.Orchestrator.StatusFile))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunCycle_NotifiesListenersAndMetrics(t *testing.T) {
	f := newFixture(t, testConfig(testService("mcp_server", 3, false, 0), testService("dashboard", 3, false, 1)),
		map[string][]monitoring.HealthStatus{"dashboard": {unhealthy}})

	var received []*domain.StatusReport
	f.orchestrator.OnReport(func(report *domain.StatusReport) {
		received = append(received, report)
	})

	_, err := f.orchestrator.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, received, 1)

	metrics := f.orchestrator.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.serviceHealthy.WithLabelValues("mcp_server")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.serviceHealthy.WithLabelValues("dashboard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.restartCount.WithLabelValues("dashboard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.restartOutcomes.WithLabelValues("dashboard", string(restart.OutcomeRestarted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.emergencyState.WithLabelValues(string(emergency.StateNormal))))

	recorder := httptest.NewRecorder()
	f.orchestrator.MetricsHandler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "hsu_orchestrator_cycles_total 1")
}

func TestStatus_BeforeFirstCycle(t *testing.T) {
	f := newFixture(t, testConfig(testService("mcp_server", 3, false, 0)), nil)

	report, err := f.orchestrator.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Cycle)
	require.Len(t, report.Services, 1)
	assert.Equal(t, monitoring.HealthStatusUnknown, report.Services[0].Status)
	assert.Equal(t, emergency.StateNormal, report.Emergency.State)
}

func TestServiceLifecycle(t *testing.T) {
	f := newFixture(t, testConfig(
		testService("mcp_server", 3, true, 0),
		testService("dashboard", 3, false, 1),
		testService("worker", 3, false, 2),
	), map[string][]monitoring.HealthStatus{"worker": {unhealthy}})
	ctx := context.Background()

	require.NoError(t, f.orchestrator.StartServices(ctx, nil))
	assert.Equal(t, []string{"mcp_server", "dashboard", "worker"}, f.processes.CallsFor(processtest.OpStart))

	f.processes.Reset()
	require.NoError(t, f.orchestrator.StopServices(ctx, []string{"worker", "mcp_server"}))
	assert.Equal(t, []string{"worker", "mcp_server"}, f.processes.CallsFor(processtest.OpStop))

	err := f.orchestrator.StopServices(ctx, []string{"unknown"})
	assert.True(t, errors.IsNotFoundError(err))

	// A manual restart clears the restart budget
	_, err = f.orchestrator.RunCycle(ctx)
	require.NoError(t, err)
	report, _ := f.orchestrator.RunCycle(ctx)
	service, _ := report.Service("worker")
	assert.Equal(t, 2, service.RestartCount)

	f.processes.Reset()
	require.NoError(t, f.orchestrator.RestartServices(ctx, []string{"worker"}))
	assert.Equal(t, []processtest.Call{
		{Op: processtest.OpStop, Service: "worker"},
		{Op: processtest.OpStart, Service: "worker"},
	}, f.processes.Calls())

	entry, _ := f.orchestrator.ledger.Get("worker")
	assert.Zero(t, entry.RestartCount)
}

func TestStartServices_CollectsFailures(t *testing.T) {
	f := newFixture(t, testConfig(testService("mcp_server", 3, false, 0), testService("dashboard", 3, false, 1)), nil)
	f.processes.SetStartError("mcp_server", errors.NewProcessError("command not found", nil))

	err := f.orchestrator.StartServices(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
	assert.Equal(t, []string{"mcp_server", "dashboard"}, f.processes.CallsFor(processtest.OpStart))
}

func TestRun_OverrunStartsNextCycleImmediately(t *testing.T) {
	interval := 200 * time.Millisecond
	config := testConfig(testService("mcp_server", 3, false, 0))
	config.Orchestrator.CycleInterval = interval
	f := newFixture(t, config, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mutex sync.Mutex
	var starts, ends []time.Time
	f.prober.hook = func(call int) {
		mutex.Lock()
		starts = append(starts, time.Now())
		mutex.Unlock()

		switch call {
		case 0:
			time.Sleep(interval + 100*time.Millisecond)
		case 2:
			cancel()
		}

		mutex.Lock()
		ends = append(ends, time.Now())
		mutex.Unlock()
	}

	done := make(chan error, 1)
	go func() { done <- f.orchestrator.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, starts, 3)

	// Overrun: no sleep before the second cycle
	assert.Less(t, starts[1].Sub(ends[0]), interval/2)
	// On time: the third cycle waits for the remainder of the interval
	assert.GreaterOrEqual(t, starts[2].Sub(ends[1]), interval/2)
	assert.Equal(t, 3, f.prober.Calls())
}

func TestRunCycle_CancelledHealthChecksAreDiscarded(t *testing.T) {
	tests := []struct {
		name      string
		precancel bool
	}{
		{"cancelled during health checks", false},
		{"cancelled before the cycle", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(
				testService("mcp_server", 3, true, 0),
				testService("dashboard", 3, false, 1),
				testService("agent_a", 3, false, 2),
				testService("agent_b", 3, false, 3),
			), map[string][]monitoring.HealthStatus{
				"mcp_server": {unhealthy},
				"dashboard":  {unhealthy},
				"agent_a":    {unhealthy},
				"agent_b":    {unhealthy},
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.precancel {
				cancel()
			} else {
				f.prober.hook = func(int) { cancel() }
			}

			report, err := f.orchestrator.RunCycle(ctx)
			require.Error(t, err)
			assert.True(t, errors.IsCancelledError(err))
			assert.Nil(t, report)

			assert.Empty(t, f.processes.Calls())
			assert.Equal(t, emergency.StateNormal, f.orchestrator.responder.State())
			entry, _ := f.orchestrator.ledger.Get("mcp_server")
			assert.Zero(t, entry.RestartCount)
		})
	}
}

func TestRunCycle_InFlightRestartSurvivesCancellation(t *testing.T) {
	processes := processtest.NewFakeController()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown arrives between stop and start
	o, err := New(testConfig(testService("mcp_server", 3, false, 0)), Dependencies{
		Prober:    newScriptedProber(map[string][]monitoring.HealthStatus{"mcp_server": {unhealthy}}),
		Processes: processes,
		Metrics:   staticMetrics{},
		Sleep: func(sleepCtx context.Context, d time.Duration) error {
			cancel()
			return restart.SleepContext(sleepCtx, time.Millisecond)
		},
	}, logging.NewNopLogger())
	require.NoError(t, err)

	report, err := o.RunCycle(ctx)
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	assert.Equal(t, []processtest.Call{
		{Op: processtest.OpStop, Service: "mcp_server"},
		{Op: processtest.OpStart, Service: "mcp_server"},
	}, processes.Calls())
	service, _ := report.Service("mcp_server")
	assert.Equal(t, restart.OutcomeRestarted, service.Outcome)
	assert.Equal(t, 1, service.RestartCount)
}
