package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the orchestrator configuration file" required:"true"`
	Port        int    `long:"port" description:"control port, overrides the configuration file"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the orchestrator (debug feature)"`
	LogLevel    string `long:"log-level" description:"debug, info, warn or error, overrides the configuration file"`
	LogFormat   string `long:"log-format" description:"json or console, overrides the configuration file"`
	Validate    bool   `long:"validate" description:"validate the configuration file and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	config, err := orchestrator.ValidateConfigFile(opts.Config)
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	if opts.Port != 0 {
		if err := orchestrator.ValidatePort(opts.Port); err != nil {
			fmt.Printf("Invalid port: %v\n", err)
			os.Exit(1)
		}
		config.Orchestrator.Port = opts.Port
	}
	if opts.LogLevel != "" {
		config.Orchestrator.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		config.Orchestrator.Log.Format = opts.LogFormat
	}

	if opts.Validate {
		fmt.Printf("Configuration is valid: %s, services: %d\n", opts.Config, len(config.Descriptors()))
		return
	}

	zapLogger, err := logging.NewZapLogger(config.Orchestrator.Log)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-orchestrator"), logging.NewZapLogFuncs(zapLogger))

	logger.Infof("opts: %+v", opts)
	logger.Infof("Using CONFIGURATION FILE: %s", opts.Config)

	runOptions := orchestrator.RunOptions{
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
	}
	if err := orchestrator.Run(context.Background(), config, runOptions, logger); err != nil {
		logger.Errorf("Orchestrator failed: %v", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}
