package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

const DefaultAppName = "hsu-orchestrator"

// Manager places and maintains one pid file per supervised service
type Manager struct {
	baseDirectory string
	logger        logging.Logger
}

// NewManager creates a manager rooted at baseDirectory, or at the OS default when empty
func NewManager(baseDirectory string, logger logging.Logger) *Manager {
	if baseDirectory == "" {
		baseDirectory = DefaultDirectory()
	}
	return &Manager{
		baseDirectory: baseDirectory,
		logger:        logger,
	}
}

// DefaultDirectory returns the per-user runtime directory for pid files
func DefaultDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, DefaultAppName)
		}
	case "linux":
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return filepath.Join(runtimeDir, DefaultAppName)
		}
	}
	return filepath.Join(os.TempDir(), DefaultAppName)
}

func (m *Manager) Directory() string {
	return m.baseDirectory
}

// PIDFilePath returns the pid file location for a service
func (m *Manager) PIDFilePath(service string) string {
	return filepath.Join(m.baseDirectory, service+".pid")
}

// WritePIDFile records pid for service, creating the directory when needed
func (m *Manager) WritePIDFile(service string, pid int) (string, error) {
	path := m.PIDFilePath(service)
	m.logger.Debugf("Writing PID file, service: %s, pid: %d, path: %s", service, pid, path)

	if err := EnsureDirectory(path); err != nil {
		return "", errors.NewIOError("PID file directory is not usable", err).WithContext("pid_file", path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return "", errors.NewIOError("failed to write PID file", err).
			WithContext("pid_file", path).
			WithContext("pid", pid)
	}
	return path, nil
}

// ReadPIDFile reads the pid recorded for service
func (m *Manager) ReadPIDFile(service string) (int, error) {
	return ReadPIDFile(m.PIDFilePath(service))
}

// RemovePIDFile deletes the pid file of service; a missing file is not an error
func (m *Manager) RemovePIDFile(service string) error {
	path := m.PIDFilePath(service)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("Failed to remove PID file, service: %s, path: %s, error: %v", service, path, err)
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}

// ReadPIDFile parses a pid file written by this package or by a service itself
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in file", err).
			WithContext("pid_file", path).
			WithContext("content", text)
	}
	return pid, nil
}

// EnsureDirectory creates the parent directory of path and checks it is writable
func EnsureDirectory(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return nil
}
