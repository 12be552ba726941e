package process

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/processfile"
	"github.com/core-tools/hsu-orchestrator/pkg/processstate"
)

const (
	DefaultGracefulTimeout = 5 * time.Second
	stopPollInterval       = 250 * time.Millisecond
	killWaitTimeout        = 2 * time.Second
)

// ControlConfig describes how a service process is started and stopped
type ControlConfig struct {
	StartCommand     string        `yaml:"start_command"`
	StopCommand      string        `yaml:"stop_command,omitempty"`
	WorkingDirectory string        `yaml:"working_directory,omitempty"`
	Environment      []string      `yaml:"environment,omitempty"`
	PIDFile          string        `yaml:"pid_file,omitempty"`
	LogFile          string        `yaml:"log_file,omitempty"`
	GracefulTimeout  time.Duration `yaml:"graceful_timeout,omitempty"`
}

// Controller starts and stops service processes
type Controller interface {
	Start(ctx context.Context, name string, config ControlConfig) (int, error)
	Stop(ctx context.Context, name string, config ControlConfig) error
	IsRunning(name string, config ControlConfig) (bool, error)
}

type child struct {
	pid  int
	done chan struct{}
}

// ShellController runs start and stop commands through the system shell.
// Started processes get their own process group so the whole tree can be signalled.
type ShellController struct {
	pidFiles        *processfile.Manager
	gracefulTimeout time.Duration
	logger          logging.Logger

	mutex    sync.Mutex
	children map[string]*child
}

func NewShellController(pidFiles *processfile.Manager, gracefulTimeout time.Duration, logger logging.Logger) *ShellController {
	if gracefulTimeout <= 0 {
		gracefulTimeout = DefaultGracefulTimeout
	}
	return &ShellController{
		pidFiles:        pidFiles,
		gracefulTimeout: gracefulTimeout,
		logger:          logger,
		children:        make(map[string]*child),
	}
}

// Start launches the start command and records the pid. The process outlives ctx.
func (c *ShellController) Start(ctx context.Context, name string, config ControlConfig) (int, error) {
	if err := ValidateControlConfig(config); err != nil {
		return 0, errors.NewValidationError("invalid control configuration", err).WithContext("service", name)
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.NewCancelledError("start cancelled", err).WithContext("service", name)
	}
	if err := checkCommandAvailable(config.StartCommand, config.WorkingDirectory); err != nil {
		c.logger.Errorf("Start command is not runnable, service: %s, command: %s, error: %v", name, config.StartCommand, err)
		return 0, errors.NewProcessError("start command is not runnable", err).
			WithContext("service", name).
			WithContext("command", config.StartCommand)
	}

	cmd := shellCommand(config.StartCommand)
	cmd.Dir = config.WorkingDirectory
	cmd.Env = append(os.Environ(), config.Environment...)
	setupProcessAttributes(cmd)

	var logFile *os.File
	if config.LogFile != "" {
		if err := processfile.EnsureDirectory(config.LogFile); err != nil {
			return 0, errors.NewIOError("log file directory is not usable", err).WithContext("service", name)
		}
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, errors.NewIOError("failed to open service log file", err).
				WithContext("service", name).
				WithContext("log_file", config.LogFile)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	c.logger.Infof("Starting service process, service: %s, command: %s, dir: %s", name, config.StartCommand, config.WorkingDirectory)

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, errors.NewProcessError("failed to start service process", err).
			WithContext("service", name).
			WithContext("command", config.StartCommand)
	}

	pid := cmd.Process.Pid
	tracked := &child{pid: pid, done: make(chan struct{})}

	c.mutex.Lock()
	c.children[name] = tracked
	c.mutex.Unlock()

	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(tracked.done)
		c.logger.Infof("Service process exited, service: %s, pid: %d, result: %v", name, pid, err)
	}()

	if _, err := c.pidFiles.WritePIDFile(name, pid); err != nil {
		c.logger.Warnf("Failed to record PID, service: %s, pid: %d, error: %v", name, pid, err)
	}

	c.logger.Infof("Service process started, service: %s, pid: %d", name, pid)
	return pid, nil
}

// Stop runs the stop command when configured, otherwise terminates the process
// group gracefully and kills it after the grace period.
func (c *ShellController) Stop(ctx context.Context, name string, config ControlConfig) error {
	if config.StopCommand != "" {
		return c.runStopCommand(ctx, name, config)
	}

	pid, tracked, err := c.resolvePID(name, config)
	if err != nil {
		if errors.IsNotFoundError(err) {
			c.logger.Debugf("No process recorded, nothing to stop, service: %s", name)
			return nil
		}
		return err
	}

	if !c.alive(pid, tracked) {
		c.logger.Debugf("Process already gone, service: %s, pid: %d", name, pid)
		c.forget(name, config)
		return nil
	}

	grace := config.GracefulTimeout
	if grace <= 0 {
		grace = c.gracefulTimeout
	}

	c.logger.Infof("Stopping service process, service: %s, pid: %d, grace: %v", name, pid, grace)

	if err := terminateProcessGroup(pid); err != nil {
		c.logger.Warnf("Termination signal failed, service: %s, pid: %d, error: %v", name, pid, err)
	}

	if c.waitExit(ctx, pid, tracked, grace) {
		c.logger.Infof("Service process stopped gracefully, service: %s, pid: %d", name, pid)
		c.forget(name, config)
		return nil
	}

	c.logger.Warnf("Grace period expired, killing service process, service: %s, pid: %d", name, pid)
	if err := killProcessGroup(pid); err != nil {
		return errors.NewProcessError("failed to kill service process", err).
			WithContext("service", name).
			WithContext("pid", pid)
	}

	if !c.waitExit(context.Background(), pid, tracked, killWaitTimeout) {
		return errors.NewTimeoutError("service process survived kill", nil).
			WithContext("service", name).
			WithContext("pid", pid)
	}

	c.forget(name, config)
	return nil
}

// IsRunning reports whether the recorded process of a service is alive
func (c *ShellController) IsRunning(name string, config ControlConfig) (bool, error) {
	pid, tracked, err := c.resolvePID(name, config)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return c.alive(pid, tracked), nil
}

func (c *ShellController) runStopCommand(ctx context.Context, name string, config ControlConfig) error {
	timeout := config.GracefulTimeout
	if timeout <= 0 {
		timeout = c.gracefulTimeout
	}
	stopCtx, cancel := context.WithTimeout(ctx, timeout+killWaitTimeout)
	defer cancel()

	c.logger.Infof("Running stop command, service: %s, command: %s", name, config.StopCommand)

	cmd := shellCommandContext(stopCtx, config.StopCommand)
	cmd.Dir = config.WorkingDirectory
	cmd.Env = append(os.Environ(), config.Environment...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.NewProcessError("stop command failed", err).
			WithContext("service", name).
			WithContext("command", config.StopCommand).
			WithContext("output", string(output))
	}

	c.forget(name, config)
	return nil
}

// resolvePID prefers the live process this controller started, then the service's
// own pid file, then the pid file written at start. An exited child is dropped so a
// process started elsewhere since then is still found.
func (c *ShellController) resolvePID(name string, config ControlConfig) (int, *child, error) {
	c.mutex.Lock()
	tracked, ok := c.children[name]
	if ok {
		select {
		case <-tracked.done:
			delete(c.children, name)
			ok = false
		default:
		}
	}
	c.mutex.Unlock()
	if ok {
		return tracked.pid, tracked, nil
	}

	if config.PIDFile != "" {
		pid, err := processfile.ReadPIDFile(config.PIDFile)
		if err == nil {
			return pid, nil, nil
		}
		if !errors.IsNotFoundError(err) {
			return 0, nil, err
		}
	}

	pid, err := c.pidFiles.ReadPIDFile(name)
	if err != nil {
		return 0, nil, err
	}
	return pid, nil, nil
}

func (c *ShellController) alive(pid int, tracked *child) bool {
	if tracked != nil {
		select {
		case <-tracked.done:
			return false
		default:
			return true
		}
	}
	running, err := processstate.IsProcessRunning(pid)
	return err == nil && running
}

func (c *ShellController) waitExit(ctx context.Context, pid int, tracked *child, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		if !c.alive(pid, tracked) {
			return true
		}
		select {
		case <-ctx.Done():
			return !c.alive(pid, tracked)
		case <-deadline.C:
			return !c.alive(pid, tracked)
		case <-ticker.C:
		}
	}
}

func (c *ShellController) forget(name string, config ControlConfig) {
	c.mutex.Lock()
	if tracked, ok := c.children[name]; ok {
		select {
		case <-tracked.done:
			delete(c.children, name)
		default:
		}
	}
	c.mutex.Unlock()

	c.pidFiles.RemovePIDFile(name)
	if config.PIDFile != "" {
		os.Remove(config.PIDFile)
	}
}

var _ Controller = (*ShellController)(nil)

func shellCommandContext(ctx context.Context, command string) *exec.Cmd {
	name, args := shellArgs(command)
	return exec.CommandContext(ctx, name, args...)
}

func shellCommand(command string) *exec.Cmd {
	name, args := shellArgs(command)
	return exec.Command(name, args...)
}
