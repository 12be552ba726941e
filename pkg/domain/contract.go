package domain

import (
	"context"
)

// Contract is the control surface of a running orchestrator
type Contract interface {
	// Status returns the report of the last completed cycle
	Status(ctx context.Context) (*StatusReport, error)
	// RunCycle runs one monitoring cycle now and returns its report
	RunCycle(ctx context.Context) (*StatusReport, error)
	// TriggerEmergency forces the emergency protocol and runs a cycle
	TriggerEmergency(ctx context.Context) (*StatusReport, error)
}
