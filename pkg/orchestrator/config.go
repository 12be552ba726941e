package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-orchestrator/pkg/decision"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/process"
	"github.com/core-tools/hsu-orchestrator/pkg/processfile"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

const (
	DefaultCycleInterval   = 300 * time.Second
	DefaultRestartDelay    = 15 * time.Second
	DefaultMaxRestarts     = 3
	DefaultStopGracePeriod = 5 * time.Second
	DefaultPort            = 50060
)

// Config is the top-level configuration file structure
type Config struct {
	Orchestrator Options         `yaml:"orchestrator"`
	Decision     decision.Config `yaml:"decision"`
	Services     []ServiceConfig `yaml:"services"`
}

type Options struct {
	CycleInterval   time.Duration       `yaml:"cycle_interval"`
	ResetPolicy     restart.ResetPolicy `yaml:"reset_policy"`
	StopGracePeriod time.Duration       `yaml:"stop_grace_period"`
	Emergency       emergency.Config    `yaml:"emergency"`
	// StatusFile receives the JSON report of every cycle
	StatusFile     string            `yaml:"status_file,omitempty"`
	Port           int               `yaml:"port"`
	MetricsAddress string            `yaml:"metrics_address,omitempty"`
	PIDDirectory   string            `yaml:"pid_directory,omitempty"`
	Log            logging.ZapConfig `yaml:"log"`
}

// ServiceConfig represents one supervised service
type ServiceConfig struct {
	Name         string                       `yaml:"name"`
	Enabled      *bool                        `yaml:"enabled,omitempty"`
	Critical     bool                         `yaml:"critical,omitempty"`
	Priority     int                          `yaml:"priority,omitempty"`
	RestartDelay time.Duration                `yaml:"restart_delay,omitempty"`
	MaxRestarts  *int                         `yaml:"max_restarts,omitempty"`
	HealthCheck  monitoring.HealthCheckConfig `yaml:"health_check"`
	Control      process.ControlConfig        `yaml:"control"`
}

func (s ServiceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Descriptor converts the configuration after defaults have been applied
func (s ServiceConfig) Descriptor() restart.Descriptor {
	maxRestarts := DefaultMaxRestarts
	if s.MaxRestarts != nil {
		maxRestarts = *s.MaxRestarts
	}
	return restart.Descriptor{
		Name:         s.Name,
		Health:       s.HealthCheck,
		Control:      s.Control,
		RestartDelay: s.RestartDelay,
		MaxRestarts:  maxRestarts,
		Critical:     s.Critical,
		Priority:     s.Priority,
	}
}

// Descriptors returns enabled services in configured order
func (c *Config) Descriptors() []restart.Descriptor {
	descriptors := make([]restart.Descriptor, 0, len(c.Services))
	for _, service := range c.Services {
		if service.IsEnabled() {
			descriptors = append(descriptors, service.Descriptor())
		}
	}
	return descriptors
}

// LoadConfigFromFile loads configuration from a YAML file and applies defaults
func LoadConfigFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewValidationError("failed to parse configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && err != io.EOF {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err)
	}

	setConfigDefaults(&config)
	return &config, nil
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateOptions(&config.Orchestrator); err != nil {
		return errors.NewValidationError("invalid orchestrator configuration", err)
	}

	if err := decision.ValidateConfig(config.Decision); err != nil {
		return errors.NewValidationError("invalid decision configuration", err)
	}

	if err := validateServicesConfig(config.Services); err != nil {
		return errors.NewValidationError("invalid services configuration", err)
	}

	return nil
}

// ValidateConfigFile loads and validates a configuration file without running it
func ValidateConfigFile(configFile string) (*Config, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return config, nil
}

func setConfigDefaults(config *Config) {
	options := &config.Orchestrator
	if options.CycleInterval == 0 {
		options.CycleInterval = DefaultCycleInterval
	}
	if options.ResetPolicy == "" {
		options.ResetPolicy = restart.ResetCumulative
	}
	if options.StopGracePeriod == 0 {
		options.StopGracePeriod = DefaultStopGracePeriod
	}
	if options.Port == 0 {
		options.Port = DefaultPort
	}
	if options.PIDDirectory == "" {
		options.PIDDirectory = processfile.DefaultDirectory()
	}
	if options.Log.Level == "" {
		options.Log.Level = "info"
	}
	options.Emergency.ApplyDefaults()
	config.Decision.ApplyDefaults()

	for i := range config.Services {
		service := &config.Services[i]

		if service.RestartDelay == 0 {
			service.RestartDelay = DefaultRestartDelay
		}
		if service.MaxRestarts == nil {
			maxRestarts := DefaultMaxRestarts
			service.MaxRestarts = &maxRestarts
		}
		if service.Control.GracefulTimeout == 0 {
			service.Control.GracefulTimeout = options.StopGracePeriod
		}
		if service.HealthCheck.Type == monitoring.HealthCheckTypeProcess && service.HealthCheck.Process.PIDFile == "" {
			service.HealthCheck.Process.PIDFile = service.Control.PIDFile
			if service.HealthCheck.Process.PIDFile == "" {
				service.HealthCheck.Process.PIDFile = filepath.Join(options.PIDDirectory, service.Name+".pid")
			}
		}
	}
}

func validateOptions(options *Options) error {
	if options.CycleInterval <= 0 {
		return errors.NewValidationError("cycle interval must be positive", nil)
	}
	if !options.ResetPolicy.Valid() {
		return errors.NewValidationError("invalid reset policy: "+string(options.ResetPolicy), nil).
			WithContext("supported", "cumulative, on_healthy")
	}
	if options.StopGracePeriod < 0 {
		return errors.NewValidationError("stop grace period cannot be negative", nil)
	}
	if err := ValidatePort(options.Port); err != nil {
		return err
	}
	if options.MetricsAddress != "" {
		if err := ValidateListenAddress(options.MetricsAddress); err != nil {
			return err
		}
	}
	if err := emergency.ValidateConfig(options.Emergency); err != nil {
		return err
	}
	return nil
}

func validateServicesConfig(services []ServiceConfig) error {
	if len(services) == 0 {
		return errors.NewValidationError("at least one service must be configured", nil)
	}

	seen := make(map[string]bool)
	for i, service := range services {
		if err := validateServiceConfig(service); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid service at index %d", i), err).
				WithContext("service", service.Name)
		}
		if seen[service.Name] {
			return errors.NewConflictError("duplicate service name: "+service.Name, nil).
				WithContext("service", service.Name)
		}
		seen[service.Name] = true
	}
	return nil
}

func validateServiceConfig(service ServiceConfig) error {
	if err := ValidateServiceName(service.Name); err != nil {
		return err
	}
	if service.RestartDelay < 0 {
		return errors.NewValidationError("restart delay cannot be negative", nil)
	}
	if service.MaxRestarts != nil && *service.MaxRestarts < 0 {
		return errors.NewValidationError("max restarts cannot be negative", nil)
	}
	if service.Priority < 0 {
		return errors.NewValidationError("priority cannot be negative", nil)
	}
	if err := monitoring.ValidateHealthCheckConfig(service.HealthCheck); err != nil {
		return errors.NewValidationError("invalid health check", err)
	}
	if err := process.ValidateControlConfig(service.Control); err != nil {
		return errors.NewValidationError("invalid control", err)
	}
	return nil
}
