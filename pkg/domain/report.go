package domain

import (
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/decision"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

type ServiceStatus struct {
	Name         string                  `json:"name"`
	Status       monitoring.HealthStatus `json:"status"`
	RestartCount int                     `json:"restart_count"`
	MaxRestarts  int                     `json:"max_restarts"`
	Exhausted    bool                    `json:"exhausted"`
	Critical     bool                    `json:"critical"`
	LastCheck    time.Time               `json:"last_check,omitempty"`
	LastRestart  time.Time               `json:"last_restart,omitempty"`
	Outcome      restart.Outcome         `json:"outcome,omitempty"`
	Message      string                  `json:"message,omitempty"`
}

// StatusReport summarizes one orchestration cycle
type StatusReport struct {
	Cycle     int64             `json:"cycle"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Services  []ServiceStatus   `json:"services"`
	Emergency emergency.Status  `json:"emergency"`
	Actions   []decision.Action `json:"actions"`
	Metrics   decision.Metrics  `json:"metrics"`
}

// Unhealthy lists services not observed healthy, in report order
func (r *StatusReport) Unhealthy() []string {
	var names []string
	for _, service := range r.Services {
		if service.Status != monitoring.HealthStatusHealthy {
			names = append(names, service.Name)
		}
	}
	return names
}

func (r *StatusReport) Service(name string) (ServiceStatus, bool) {
	for _, service := range r.Services {
		if service.Name == name {
			return service, true
		}
	}
	return ServiceStatus{}, false
}
