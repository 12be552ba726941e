package process

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
)

var shellBuiltins = map[string]bool{
	"cd": true, "exec": true, "export": true, "source": true, ".": true,
	"eval": true, "ulimit": true, "umask": true, "set": true, "trap": true,
}

// ValidateControlConfig validates a service's process control configuration
func ValidateControlConfig(config ControlConfig) error {
	if strings.TrimSpace(config.StartCommand) == "" {
		return errors.NewValidationError("start command is required", nil)
	}
	if config.GracefulTimeout < 0 {
		return errors.NewValidationError("graceful timeout cannot be negative", nil)
	}
	if config.PIDFile != "" && !filepath.IsAbs(config.PIDFile) {
		return errors.NewValidationError("PID file path must be absolute", nil).WithContext("pid_file", config.PIDFile)
	}
	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("environment entries must be KEY=VALUE", nil).WithContext("entry", env)
		}
	}
	return nil
}

// checkCommandAvailable fails fast when the program a shell command would run does not exist.
// Commands it cannot reason about (quoting, expansions, builtins) pass through to the shell.
func checkCommandAvailable(command, workingDirectory string) error {
	program := firstProgram(command)
	if program == "" {
		return nil
	}

	if strings.ContainsRune(program, filepath.Separator) || strings.Contains(program, "/") {
		if !filepath.IsAbs(program) && workingDirectory != "" {
			program = filepath.Join(workingDirectory, program)
		}
	}

	if _, err := exec.LookPath(program); err != nil {
		return fmt.Errorf("command not found: %s: %w", program, err)
	}
	return nil
}

func firstProgram(command string) string {
	for _, token := range strings.Fields(command) {
		if strings.ContainsAny(token, "\"'`$(){};|&<>*?") {
			return ""
		}
		if strings.Contains(token, "=") {
			continue
		}
		if shellBuiltins[token] {
			return ""
		}
		return token
	}
	return ""
}
