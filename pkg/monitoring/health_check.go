package monitoring

import (
	"time"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP    HealthCheckType = "http"
	HealthCheckTypeGRPC    HealthCheckType = "grpc"
	HealthCheckTypeTCP     HealthCheckType = "tcp"
	HealthCheckTypeExec    HealthCheckType = "exec"
	HealthCheckTypeProcess HealthCheckType = "process"
)

const (
	// MaxProbeTimeout bounds every probe regardless of configuration
	MaxProbeTimeout     = 5 * time.Second
	DefaultProbeTimeout = MaxProbeTimeout
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type GRPCHealthCheckConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ExecHealthCheckConfig runs Command with Args directly, or through the shell when Args is empty
type ExecHealthCheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

type ProcessHealthCheckConfig struct {
	PIDFile string `yaml:"pid_file,omitempty"`
}

type HealthCheckConfig struct {
	Type HealthCheckType `yaml:"type"`

	HTTP    HTTPHealthCheckConfig    `yaml:"http,omitempty"`
	GRPC    GRPCHealthCheckConfig    `yaml:"grpc,omitempty"`
	TCP     TCPHealthCheckConfig     `yaml:"tcp,omitempty"`
	Exec    ExecHealthCheckConfig    `yaml:"exec,omitempty"`
	Process ProcessHealthCheckConfig `yaml:"process,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// EffectiveTimeout is the configured timeout clamped to MaxProbeTimeout
func (c HealthCheckConfig) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 || c.Timeout > MaxProbeTimeout {
		return DefaultProbeTimeout
	}
	return c.Timeout
}

type HealthStatus string

const (
	HealthStatusUnknown   HealthStatus = "unknown"
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Observation is the result of probing one service once
type Observation struct {
	Service   string        `json:"service"`
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (o Observation) Healthy() bool {
	return o.Status == HealthStatusHealthy
}

// Target names a service and how to probe it
type Target struct {
	Name  string
	Check HealthCheckConfig
}
