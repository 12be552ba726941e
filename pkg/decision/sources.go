package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

// MetricsSource collects one Metrics snapshot
type MetricsSource interface {
	Collect(ctx context.Context) (Metrics, error)
}

// PendingWorkSource counts work waiting to be processed, grouped by agent
type PendingWorkSource interface {
	PendingWork(ctx context.Context) (int, map[string]int, error)
}

// HostMetricsSource reads CPU, memory and disk usage from the host
type HostMetricsSource struct {
	diskPath string
	pending  PendingWorkSource
	now      func() time.Time
}

func NewHostMetricsSource(diskPath string, pending PendingWorkSource) *HostMetricsSource {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostMetricsSource{
		diskPath: diskPath,
		pending:  pending,
		now:      time.Now,
	}
}

// Collect returns as much as it could read; the error lists what failed
func (s *HostMetricsSource) Collect(ctx context.Context) (Metrics, error) {
	metrics := Metrics{CollectedAt: s.now()}
	collection := errors.NewErrorCollection()

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		collection.Add(errors.NewIOError("failed to read CPU usage", err))
	} else if len(percents) > 0 {
		metrics.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		collection.Add(errors.NewIOError("failed to read memory usage", err))
	} else {
		metrics.MemoryPercent = vm.UsedPercent
	}

	if usage, err := disk.UsageWithContext(ctx, s.diskPath); err != nil {
		collection.Add(errors.NewIOError("failed to read disk usage", err).WithContext("path", s.diskPath))
	} else {
		metrics.DiskPercent = usage.UsedPercent
	}

	if s.pending != nil {
		count, distribution, err := s.pending.PendingWork(ctx)
		if err != nil {
			collection.Add(err)
		} else {
			metrics.PendingWork = count
			metrics.Distribution = distribution
		}
	}

	return metrics, collection.ToError()
}

var pendingStatuses = map[string]bool{
	"queued":  true,
	"pending": true,
	"waiting": true,
}

// QueueFileSource counts queued tasks in a JSON task queue file.
// A task without a status is queued. A missing file means no pending work.
type QueueFileSource struct {
	path   string
	logger logging.Logger
}

func NewQueueFileSource(path string, logger logging.Logger) *QueueFileSource {
	return &QueueFileSource{path: path, logger: logger}
}

type queueTask struct {
	Status        *string `json:"status"`
	AssignedAgent string  `json:"assigned_agent"`
	Type          string  `json:"type"`
}

func (s *QueueFileSource) PendingWork(ctx context.Context) (int, map[string]int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debugf("Task queue file not found, assuming empty, path: %s", s.path)
			return 0, map[string]int{}, nil
		}
		return 0, nil, errors.NewIOError("failed to read task queue", err).WithContext("path", s.path)
	}

	tasks, err := parseQueue(data)
	if err != nil {
		return 0, nil, errors.NewValidationError("malformed task queue", err).WithContext("path", s.path)
	}

	count := 0
	distribution := make(map[string]int)
	for _, raw := range tasks {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		var task queueTask
		if err := json.Unmarshal(trimmed, &task); err != nil {
			continue
		}
		if task.Status != nil && !pendingStatuses[strings.ToLower(*task.Status)] {
			continue
		}
		count++

		agent := task.AssignedAgent
		if agent == "" {
			agent = task.Type
		}
		if agent == "" {
			agent = "unknown"
		}
		distribution[agent]++
	}
	return count, distribution, nil
}

func parseQueue(data []byte) ([]json.RawMessage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Tasks, nil
}
