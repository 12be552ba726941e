package restart

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/ledger"
	"github.com/core-tools/hsu-orchestrator/pkg/logging/loggingtest"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process/processtest"
)

type recordingSleep struct {
	mutex  sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mutex.Lock()
	r.delays = append(r.delays, d)
	r.mutex.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) Delays() []time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type fixture struct {
	ledger     *ledger.Ledger
	processes  *processtest.FakeController
	sleep      *recordingSleep
	logger     *loggingtest.MockLogger
	controller *Controller
}

func newFixture(policy ResetPolicy, descriptors ...Descriptor) *fixture {
	f := &fixture{
		ledger:    ledger.New(),
		processes: processtest.NewFakeController(),
		sleep:     &recordingSleep{},
		logger:    loggingtest.NewMockLogger(),
	}
	for _, d := range descriptors {
		f.ledger.Register(d.Name, d.MaxRestarts)
	}
	f.controller = NewController(f.ledger, f.processes, Options{ResetPolicy: policy, Sleep: f.sleep.Sleep}, f.logger)
	return f
}

func observe(name string, status monitoring.HealthStatus) monitoring.Observation {
	return monitoring.Observation{Service: name, Status: status, Timestamp: time.Now(), Message: "probe"}
}

func mcpServer() Descriptor {
	return Descriptor{Name: "mcp_server", MaxRestarts: 3, RestartDelay: 5 * time.Second, Critical: true}
}

func TestMaybeRestart_ExhaustsAfterMaxAttempts(t *testing.T) {
	d := mcpServer()
	f := newFixture(ResetCumulative, d)

	var outcomes []Outcome
	for cycle := 0; cycle < 4; cycle++ {
		result := f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
		outcomes = append(outcomes, result.Outcome)
	}

	assert.Equal(t, []Outcome{OutcomeRestarted, OutcomeRestarted, OutcomeRestarted, OutcomeSkippedExhausted}, outcomes)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, f.sleep.Delays())
	assert.Equal(t, []string{"mcp_server", "mcp_server", "mcp_server"}, f.processes.CallsFor(processtest.OpStart))

	entry, _ := f.ledger.Get(d.Name)
	assert.Equal(t, 3, entry.RestartCount)
	assert.True(t, entry.Exhausted)
	assert.Equal(t, 1, f.logger.CallCount("Fatalf"))
}

func TestMaybeRestart_NoAttemptBeyondCap(t *testing.T) {
	d := Descriptor{Name: "worker", MaxRestarts: 2}
	f := newFixture(ResetCumulative, d)

	for cycle := 0; cycle < 10; cycle++ {
		f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
		entry, _ := f.ledger.Get(d.Name)
		assert.LessOrEqual(t, entry.RestartCount, d.MaxRestarts)
	}

	assert.Len(t, f.processes.CallsFor(processtest.OpStart), 2)
	// Reported once, later cycles only warn
	assert.Equal(t, 1, f.logger.CallCount("Fatalf"))
}

func TestMaybeRestart_ExhaustedResultIsTyped(t *testing.T) {
	d := Descriptor{Name: "worker", MaxRestarts: 0}
	f := newFixture(ResetCumulative, d)

	result := f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
	assert.Equal(t, OutcomeSkippedExhausted, result.Outcome)
	assert.True(t, errors.IsExhaustedError(result.Err))
	assert.Empty(t, f.processes.Calls())
}

func TestMaybeRestart_HealthyNeverRestarts(t *testing.T) {
	for _, policy := range []ResetPolicy{ResetCumulative, ResetOnHealthy} {
		t.Run(string(policy), func(t *testing.T) {
			d := mcpServer()
			f := newFixture(policy, d)

			for cycle := 0; cycle < 5; cycle++ {
				result := f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusHealthy))
				assert.Equal(t, OutcomeSkippedHealthy, result.Outcome)
			}
			assert.Empty(t, f.processes.Calls())
			assert.Empty(t, f.sleep.Delays())

			entry, _ := f.ledger.Get(d.Name)
			assert.Equal(t, monitoring.HealthStatusHealthy, entry.Status)
		})
	}
}

func TestMaybeRestart_AlternatingHealth(t *testing.T) {
	tests := []struct {
		name     string
		policy   ResetPolicy
		expected []int
	}{
		{name: "cumulative", policy: ResetCumulative, expected: []int{1, 1, 2, 2, 3, 3}},
		{name: "on healthy", policy: ResetOnHealthy, expected: []int{1, 0, 1, 0, 1, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Descriptor{Name: "dashboard", MaxRestarts: 5, RestartDelay: time.Second}
			f := newFixture(tt.policy, d)

			var counts []int
			for cycle := 0; cycle < 6; cycle++ {
				status := monitoring.HealthStatusUnhealthy
				if cycle%2 == 1 {
					status = monitoring.HealthStatusHealthy
				}
				f.controller.MaybeRestart(context.Background(), d, observe(d.Name, status))
				entry, _ := f.ledger.Get(d.Name)
				counts = append(counts, entry.RestartCount)
			}

			assert.Equal(t, tt.expected, counts)
			assert.Len(t, f.processes.CallsFor(processtest.OpStart), 3)
		})
	}
}

func TestMaybeRestart_OnHealthyClearsExhaustion(t *testing.T) {
	d := Descriptor{Name: "agent", MaxRestarts: 1}
	f := newFixture(ResetOnHealthy, d)

	f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
	result := f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
	require.Equal(t, OutcomeSkippedExhausted, result.Outcome)

	f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusHealthy))
	result = f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
	assert.Equal(t, OutcomeRestarted, result.Outcome)
	assert.Equal(t, 1, result.Attempt)
}

func TestMaybeRestart_CommandFailureStillCounts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{name: "start fails", setup: func(f *fixture) {
			f.processes.SetStartError("router", errors.NewProcessError("start command failed", nil))
		}},
		{name: "stop fails", setup: func(f *fixture) {
			f.processes.SetStopError("router", errors.NewProcessError("stop command failed", nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Descriptor{Name: "router", MaxRestarts: 3}
			f := newFixture(ResetCumulative, d)
			tt.setup(f)

			result := f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))

			assert.Equal(t, OutcomeRestartFailed, result.Outcome)
			assert.True(t, errors.IsProcessError(result.Err))
			assert.Equal(t, 1, result.Attempt)
			// Start is attempted even after a failed stop
			assert.Len(t, f.processes.CallsFor(processtest.OpStart), 1)
		})
	}
}

func TestMaybeRestart_CancelledDelay(t *testing.T) {
	d := Descriptor{Name: "router", MaxRestarts: 3, RestartDelay: time.Hour}
	f := newFixture(ResetCumulative, d)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.controller.MaybeRestart(ctx, d, observe(d.Name, monitoring.HealthStatusUnhealthy))
	assert.Equal(t, OutcomeRestartFailed, result.Outcome)
	assert.True(t, errors.IsCancelledError(result.Err))
	assert.Equal(t, 1, result.Attempt)
	assert.Empty(t, f.processes.CallsFor(processtest.OpStart))
}

func TestMaybeRestart_UnknownService(t *testing.T) {
	f := newFixture(ResetCumulative)

	result := f.controller.MaybeRestart(context.Background(), Descriptor{Name: "ghost"}, observe("ghost", monitoring.HealthStatusUnhealthy))
	assert.Equal(t, OutcomeRestartFailed, result.Outcome)
	assert.True(t, errors.IsNotFoundError(result.Err))
}

func TestMaybeRestart_SerializedPerService(t *testing.T) {
	d := Descriptor{Name: "busy", MaxRestarts: 10, RestartDelay: 20 * time.Millisecond}
	f := newFixture(ResetCumulative, d)

	var inFlight, maxInFlight int32
	f.controller.options.Sleep = func(ctx context.Context, delay time.Duration) error {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			seen := atomic.LoadInt32(&maxInFlight)
			if current <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, current) {
				break
			}
		}
		time.Sleep(delay)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	entry, _ := f.ledger.Get(d.Name)
	assert.Equal(t, 4, entry.RestartCount)
}

func TestMaybeRestart_ParallelAcrossServices(t *testing.T) {
	const services = 4
	const delay = 100 * time.Millisecond

	descriptors := make([]Descriptor, services)
	for i := range descriptors {
		descriptors[i] = Descriptor{Name: fmt.Sprintf("svc-%d", i), MaxRestarts: 1, RestartDelay: delay}
	}
	f := newFixture(ResetCumulative, descriptors...)
	f.controller.options.Sleep = SleepContext

	start := time.Now()
	var wg sync.WaitGroup
	for _, d := range descriptors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), time.Duration(services)*delay)
}

func TestRestartWith_DoesNotTouchLedger(t *testing.T) {
	d := mcpServer()
	f := newFixture(ResetCumulative, d)

	err := f.controller.RestartWith(context.Background(), d, Overrides{Delay: 2 * time.Second, Attempt: 1, MaxRestarts: 2})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.sleep.Delays())

	entry, _ := f.ledger.Get(d.Name)
	assert.Zero(t, entry.RestartCount)

	err = f.controller.RestartWith(context.Background(), d, Overrides{Delay: 2 * time.Second, Attempt: 3, MaxRestarts: 2})
	assert.True(t, errors.IsExhaustedError(err))
	assert.Len(t, f.processes.CallsFor(processtest.OpStart), 1)
}

func TestStopStartAndReset(t *testing.T) {
	d := Descriptor{Name: "worker", MaxRestarts: 1}
	f := newFixture(ResetCumulative, d)

	require.NoError(t, f.controller.Stop(context.Background(), d))
	require.NoError(t, f.controller.Start(context.Background(), d))
	assert.Equal(t, []processtest.Call{
		{Op: processtest.OpStop, Service: "worker"},
		{Op: processtest.OpStart, Service: "worker"},
	}, f.processes.Calls())

	f.controller.MaybeRestart(context.Background(), d, observe(d.Name, monitoring.HealthStatusUnhealthy))
	require.NoError(t, f.controller.Reset("worker"))
	entry, _ := f.ledger.Get("worker")
	assert.Zero(t, entry.RestartCount)
	assert.False(t, entry.Exhausted)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), 0))
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}

func TestResetPolicy_Valid(t *testing.T) {
	assert.True(t, ResetCumulative.Valid())
	assert.True(t, ResetOnHealthy.Valid())
	assert.False(t, ResetPolicy("sometimes").Valid())
}
