package decision

import (
	"fmt"
	"sort"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

const (
	DefaultCPUWarningPercent    = 80.0
	DefaultMemoryWarningPercent = 85.0
	DefaultDiskWarningPercent   = 90.0
	DefaultPendingWorkThreshold = 1000
)

type ActionType string

const (
	ActionTriggerProcessing ActionType = "trigger_processing"
	ActionFlagForReview     ActionType = "flag_for_review"
)

// Metrics is a host snapshot taken once per cycle
type Metrics struct {
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryPercent float64        `json:"memory_percent"`
	DiskPercent   float64        `json:"disk_percent"`
	PendingWork   int            `json:"pending_work"`
	Distribution  map[string]int `json:"pending_by_agent,omitempty"`
	CollectedAt   time.Time      `json:"collected_at"`
}

// HealthSummary condenses the ledger for the engine
type HealthSummary struct {
	Total     int      `json:"total"`
	Unhealthy []string `json:"unhealthy,omitempty"`
	Exhausted []string `json:"exhausted,omitempty"`
}

// Action is an advisory recommendation. Nothing executes it automatically.
type Action struct {
	Type      ActionType `json:"type"`
	Reason    string     `json:"reason"`
	Metric    string     `json:"metric,omitempty"`
	Value     float64    `json:"value,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
}

type Config struct {
	CPUWarningPercent    float64 `yaml:"cpu_warning_percent"`
	MemoryWarningPercent float64 `yaml:"memory_warning_percent"`
	DiskWarningPercent   float64 `yaml:"disk_warning_percent"`
	PendingWorkThreshold int     `yaml:"pending_work_threshold"`
	// QueueFile is a JSON task queue, either a list of tasks or {"tasks": [...]}
	QueueFile string `yaml:"queue_file,omitempty"`
	// DiskPath is the filesystem whose usage is reported
	DiskPath string `yaml:"disk_path,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		CPUWarningPercent:    DefaultCPUWarningPercent,
		MemoryWarningPercent: DefaultMemoryWarningPercent,
		DiskWarningPercent:   DefaultDiskWarningPercent,
		PendingWorkThreshold: DefaultPendingWorkThreshold,
		DiskPath:             "/",
	}
}

// ApplyDefaults fills zero values with the defaults
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.CPUWarningPercent == 0 {
		c.CPUWarningPercent = defaults.CPUWarningPercent
	}
	if c.MemoryWarningPercent == 0 {
		c.MemoryWarningPercent = defaults.MemoryWarningPercent
	}
	if c.DiskWarningPercent == 0 {
		c.DiskWarningPercent = defaults.DiskWarningPercent
	}
	if c.PendingWorkThreshold == 0 {
		c.PendingWorkThreshold = defaults.PendingWorkThreshold
	}
	if c.DiskPath == "" {
		c.DiskPath = defaults.DiskPath
	}
}

func ValidateConfig(config Config) error {
	for name, value := range map[string]float64{
		"cpu_warning_percent":    config.CPUWarningPercent,
		"memory_warning_percent": config.MemoryWarningPercent,
		"disk_warning_percent":   config.DiskWarningPercent,
	} {
		if value <= 0 || value > 100 {
			return errors.NewValidationError("percentage threshold must be in (0, 100]", nil).
				WithContext("field", name).
				WithContext("value", value)
		}
	}
	if config.PendingWorkThreshold < 0 {
		return errors.NewValidationError("pending work threshold cannot be negative", nil)
	}
	return nil
}

// Engine turns metrics and health into advisory actions
type Engine struct {
	config Config
}

func NewEngine(config Config) *Engine {
	config.ApplyDefaults()
	return &Engine{config: config}
}

func (e *Engine) Config() Config {
	return e.config
}

// Evaluate is pure: the same inputs always give the same actions in the same order
func (e *Engine) Evaluate(metrics Metrics, health HealthSummary) []Action {
	var actions []Action

	if metrics.PendingWork > e.config.PendingWorkThreshold {
		actions = append(actions, Action{
			Type:      ActionTriggerProcessing,
			Reason:    fmt.Sprintf("pending work %d exceeds threshold %d", metrics.PendingWork, e.config.PendingWorkThreshold),
			Metric:    "pending_work",
			Value:     float64(metrics.PendingWork),
			Threshold: float64(e.config.PendingWorkThreshold),
		})
	}

	resources := []struct {
		metric    string
		value     float64
		threshold float64
	}{
		{"cpu_percent", metrics.CPUPercent, e.config.CPUWarningPercent},
		{"memory_percent", metrics.MemoryPercent, e.config.MemoryWarningPercent},
		{"disk_percent", metrics.DiskPercent, e.config.DiskWarningPercent},
	}
	for _, resource := range resources {
		if resource.value >= resource.threshold {
			actions = append(actions, Action{
				Type:      ActionFlagForReview,
				Reason:    fmt.Sprintf("%s %.1f at or above warning threshold %.1f", resource.metric, resource.value, resource.threshold),
				Metric:    resource.metric,
				Value:     resource.value,
				Threshold: resource.threshold,
			})
		}
	}

	exhausted := append([]string(nil), health.Exhausted...)
	sort.Strings(exhausted)
	for _, service := range exhausted {
		actions = append(actions, Action{
			Type:   ActionFlagForReview,
			Reason: fmt.Sprintf("service %s exhausted its restart budget", service),
			Metric: "restart_exhausted",
		})
	}

	return actions
}
