package orchestrator

import (
	"context"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

// StartServices starts the named services in configured order, or all of them when names is empty
func (o *Orchestrator) StartServices(ctx context.Context, names []string) error {
	selected, err := o.selectServices(names)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	for _, d := range selected {
		o.logger.Infof("Starting service, service: %s", d.Name)
		collection.Add(o.restarts.Start(ctx, d))
	}
	return collection.ToError()
}

// StopServices stops the named services in reverse configured order
func (o *Orchestrator) StopServices(ctx context.Context, names []string) error {
	selected, err := o.selectServices(names)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	for i := len(selected) - 1; i >= 0; i-- {
		d := selected[i]
		o.logger.Infof("Stopping service, service: %s", d.Name)
		collection.Add(o.restarts.Stop(ctx, d))
	}
	return collection.ToError()
}

// RestartServices stops then starts the named services and clears their restart budgets
func (o *Orchestrator) RestartServices(ctx context.Context, names []string) error {
	selected, err := o.selectServices(names)
	if err != nil {
		return err
	}

	collection := errors.NewErrorCollection()
	for i := len(selected) - 1; i >= 0; i-- {
		collection.Add(o.restarts.Stop(ctx, selected[i]))
	}
	for _, d := range selected {
		collection.Add(o.restarts.Start(ctx, d))
		collection.Add(o.restarts.Reset(d.Name))
	}
	if collection.HasErrors() {
		return collection.ToError()
	}
	o.logger.Infof("Services restarted, count: %d", len(selected))
	return nil
}

func (o *Orchestrator) selectServices(names []string) ([]restart.Descriptor, error) {
	if len(names) == 0 {
		return o.Services(), nil
	}

	byName := make(map[string]restart.Descriptor, len(o.services))
	for _, d := range o.services {
		byName[d.Name] = d
	}

	selected := make([]restart.Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			return nil, errors.NewNotFoundError("service not configured", nil).WithContext("service", name)
		}
		selected = append(selected, d)
	}

	// Keep configured order regardless of request order
	ordered := make([]restart.Descriptor, 0, len(selected))
	for _, d := range o.services {
		for _, s := range selected {
			if s.Name == d.Name {
				ordered = append(ordered, d)
				break
			}
		}
	}
	return ordered, nil
}
