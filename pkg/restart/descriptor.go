package restart

import (
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
)

// Descriptor is the immutable definition of one supervised service
type Descriptor struct {
	Name         string
	Health       monitoring.HealthCheckConfig
	Control      process.ControlConfig
	RestartDelay time.Duration
	MaxRestarts  int
	Critical     bool
	// Priority orders emergency recovery, lower first
	Priority int
}

func (d Descriptor) Target() monitoring.Target {
	return monitoring.Target{Name: d.Name, Check: d.Health}
}

type Outcome string

const (
	OutcomeSkippedHealthy   Outcome = "skipped_healthy"
	OutcomeSkippedExhausted Outcome = "skipped_exhausted"
	OutcomeRestarted        Outcome = "restarted"
	OutcomeRestartFailed    Outcome = "restart_failed"
)

// ResetPolicy decides when a service's restart counter goes back to zero
type ResetPolicy string

const (
	// ResetCumulative never resets during a run
	ResetCumulative ResetPolicy = "cumulative"
	// ResetOnHealthy resets whenever the service is observed healthy
	ResetOnHealthy ResetPolicy = "on_healthy"
)

func (p ResetPolicy) Valid() bool {
	return p == ResetCumulative || p == ResetOnHealthy
}

// Result reports what MaybeRestart did
type Result struct {
	Service string
	Outcome Outcome
	// Attempt is the restart count after this call
	Attempt int
	Err     error
}

// Overrides replace descriptor settings for a single restart
type Overrides struct {
	Delay       time.Duration
	Attempt     int
	MaxRestarts int
}
