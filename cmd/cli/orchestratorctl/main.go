package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
)

type globalOptions struct {
	Config   string `long:"config" short:"c" description:"path to the orchestrator configuration file" default:"orchestrator.yaml"`
	Address  string `long:"address" description:"daemon control address, host:port"`
	Port     int    `long:"port" description:"daemon control port, defaults to the configured port"`
	Timeout  int    `long:"timeout" description:"daemon call timeout in seconds" default:"10"`
	LogLevel string `long:"log-level" description:"debug, info, warn or error" default:"warn"`
}

type app struct {
	options globalOptions
}

type ServiceSelection struct {
	Services []string `long:"service" short:"s" description:"service to act on, repeatable; all services when omitted"`
}

type startCommand struct {
	app *app
	ServiceSelection
}

type stopCommand struct {
	app *app
	ServiceSelection
}

type restartCommand struct {
	app *app
	ServiceSelection
}

type statusCommand struct {
	app *app
}

type monitorCommand struct {
	app   *app
	Local bool `long:"local" description:"run the cycle in this process instead of asking the daemon"`
}

type emergencyCommand struct {
	app   *app
	Local bool `long:"local" description:"run the emergency in this process instead of asking the daemon"`
}

func main() {
	a := &app{}
	parser := flags.NewParser(&a.options, flags.HelpFlag|flags.PassDoubleDash)

	commands := []struct {
		name  string
		short string
		data  interface{}
	}{
		{"start", "Start services", &startCommand{app: a}},
		{"stop", "Stop services", &stopCommand{app: a}},
		{"restart", "Restart services and clear their restart budgets", &restartCommand{app: a}},
		{"status", "Show the daemon's last status report", &statusCommand{app: a}},
		{"monitor", "Run one orchestration cycle", &monitorCommand{app: a}},
		{"emergency", "Force the emergency protocol", &emergencyCommand{app: a}},
	}
	for _, command := range commands {
		if _, err := parser.AddCommand(command.name, command.short, "", command.data); err != nil {
			fmt.Printf("Failed to register command %s: %v\n", command.name, err)
			os.Exit(1)
		}
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (c *startCommand) Execute(args []string) error {
	o, err := c.app.local()
	if err != nil {
		return err
	}
	if err := o.StartServices(context.Background(), c.Services); err != nil {
		return err
	}
	fmt.Println(Styles.Success.Render("Services started"))
	return nil
}

func (c *stopCommand) Execute(args []string) error {
	o, err := c.app.local()
	if err != nil {
		return err
	}
	if err := o.StopServices(context.Background(), c.Services); err != nil {
		return err
	}
	fmt.Println(Styles.Success.Render("Services stopped"))
	return nil
}

func (c *restartCommand) Execute(args []string) error {
	o, err := c.app.local()
	if err != nil {
		return err
	}
	if err := o.RestartServices(context.Background(), c.Services); err != nil {
		return err
	}
	fmt.Println(Styles.Success.Render("Services restarted"))
	return nil
}

func (c *statusCommand) Execute(args []string) error {
	return c.app.remote(func(ctx context.Context, gateway domain.Contract) (*domain.StatusReport, error) {
		return gateway.Status(ctx)
	})
}

func (c *monitorCommand) Execute(args []string) error {
	if c.Local {
		o, err := c.app.local()
		if err != nil {
			return err
		}
		report, err := o.RunCycle(context.Background())
		if err != nil {
			return err
		}
		fmt.Print(RenderReport(report))
		return nil
	}
	return c.app.remote(func(ctx context.Context, gateway domain.Contract) (*domain.StatusReport, error) {
		return gateway.RunCycle(ctx)
	})
}

func (c *emergencyCommand) Execute(args []string) error {
	if c.Local {
		o, err := c.app.local()
		if err != nil {
			return err
		}
		report, err := o.TriggerEmergency(context.Background())
		if err != nil {
			return err
		}
		fmt.Print(RenderReport(report))
		return nil
	}
	return c.app.remote(func(ctx context.Context, gateway domain.Contract) (*domain.StatusReport, error) {
		return gateway.TriggerEmergency(ctx)
	})
}

func (a *app) logger() (logging.Logger, error) {
	zapLogger, err := logging.NewZapLogger(logging.ZapConfig{
		Level:  a.options.LogLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		return nil, err
	}
	return logging.NewLogger("", logging.NewZapLogFuncs(zapLogger)), nil
}

// local builds an orchestrator in this process from the configuration file
func (a *app) local() (*orchestrator.Orchestrator, error) {
	config, err := orchestrator.ValidateConfigFile(a.options.Config)
	if err != nil {
		return nil, err
	}
	logger, err := a.logger()
	if err != nil {
		return nil, err
	}
	return orchestrator.New(config, orchestrator.Dependencies{}, logger)
}

func (a *app) connectionOptions() control.ConnectionOptions {
	if a.options.Address != "" {
		return control.ConnectionOptions{Address: a.options.Address}
	}
	port := a.options.Port
	if port == 0 {
		port = orchestrator.DefaultPort
		if config, err := orchestrator.LoadConfigFromFile(a.options.Config); err == nil {
			port = config.Orchestrator.Port
		}
	}
	return control.ConnectionOptions{Port: port}
}

// remote calls the daemon and prints the report. An unreachable daemon is an error.
func (a *app) remote(call func(context.Context, domain.Contract) (*domain.StatusReport, error)) error {
	logger, err := a.logger()
	if err != nil {
		return err
	}

	options := a.connectionOptions()
	conn, err := control.NewConnection(options, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.options.Timeout)*time.Second)
	defer cancel()

	report, err := call(ctx, control.NewGRPCClientGateway(conn, logger))
	if err != nil {
		if errors.IsNetworkError(err) {
			return fmt.Errorf("orchestrator unreachable: %w", err)
		}
		return err
	}

	fmt.Print(RenderReport(report))
	return nil
}
