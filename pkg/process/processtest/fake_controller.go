// Package processtest provides an in-memory process.Controller for tests
package processtest

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-orchestrator/pkg/process"
)

type Op string

const (
	OpStart Op = "start"
	OpStop  Op = "stop"
)

type Call struct {
	Op      Op
	Service string
}

// FakeController records start and stop calls and tracks which services run
type FakeController struct {
	mutex    sync.Mutex
	calls    []Call
	running  map[string]bool
	startErr map[string]error
	stopErr  map[string]error
	nextPID  int

	// OnStart runs after a successful start, outside the lock
	OnStart func(service string)
}

func NewFakeController() *FakeController {
	return &FakeController{
		running:  make(map[string]bool),
		startErr: make(map[string]error),
		stopErr:  make(map[string]error),
		nextPID:  1000,
	}
}

func (f *FakeController) Start(ctx context.Context, name string, config process.ControlConfig) (int, error) {
	f.mutex.Lock()
	f.calls = append(f.calls, Call{Op: OpStart, Service: name})
	if err := f.startErr[name]; err != nil {
		f.mutex.Unlock()
		return 0, err
	}
	f.running[name] = true
	f.nextPID++
	pid := f.nextPID
	hook := f.OnStart
	f.mutex.Unlock()

	if hook != nil {
		hook(name)
	}
	return pid, nil
}

func (f *FakeController) Stop(ctx context.Context, name string, config process.ControlConfig) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls = append(f.calls, Call{Op: OpStop, Service: name})
	if err := f.stopErr[name]; err != nil {
		return err
	}
	f.running[name] = false
	return nil
}

func (f *FakeController) IsRunning(name string, config process.ControlConfig) (bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.running[name], nil
}

func (f *FakeController) SetStartError(name string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.startErr[name] = err
}

func (f *FakeController) SetStopError(name string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stopErr[name] = err
}

func (f *FakeController) Calls() []Call {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor filters recorded calls by operation
func (f *FakeController) CallsFor(op Op) []string {
	var services []string
	for _, call := range f.Calls() {
		if call.Op == op {
			services = append(services, call.Service)
		}
	}
	return services
}

func (f *FakeController) Reset() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = nil
}

var _ process.Controller = (*FakeController)(nil)
