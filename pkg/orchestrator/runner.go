package orchestrator

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-orchestrator/pkg/control"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

type RunOptions struct {
	// RunDuration stops the daemon after this long; zero runs until signalled
	RunDuration time.Duration
	// Listener replaces the control port listener, mainly for tests
	Listener net.Listener
	// Dependencies are passed to New
	Dependencies Dependencies
}

// Run serves the control API and drives cycles until a signal arrives or the run duration ends.
// Startup failures are returned; everything after startup is logged.
func Run(ctx context.Context, config *Config, options RunOptions, logger logging.Logger) error {
	logger.Infof("Orchestrator runner starting...")

	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.RunDuration)
		defer cancel()
	}

	orchestrator, err := New(config, options.Dependencies, logger)
	if err != nil {
		return errors.NewValidationError("failed to create orchestrator", err)
	}

	logger.Infof("Control port: %d, services: %d, cycle interval: %v, reset policy: %s",
		config.Orchestrator.Port, len(orchestrator.Services()), config.Orchestrator.CycleInterval, config.Orchestrator.ResetPolicy)

	controlLogger := logging.WithPrefix(logger, "control: ")
	var server *control.Server
	if options.Listener != nil {
		server = control.NewServerWithListener(options.Listener, controlLogger)
	} else {
		server, err = control.NewServer(control.ServerOptions{Port: config.Orchestrator.Port}, controlLogger)
		if err != nil {
			return err
		}
	}

	mirror := control.NewHealthMirror()
	control.RegisterGRPCServerHandler(server.GRPC(), orchestrator, controlLogger)
	mirror.Register(server.GRPC())
	orchestrator.OnReport(mirror.Update)

	var metricsServer *http.Server
	if address := config.Orchestrator.MetricsAddress; address != "" {
		metricsServer, err = startMetricsServer(address, orchestrator.MetricsHandler(), logger)
		if err != nil {
			server.Stop(context.Background())
			return err
		}
	}

	server.Run()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		orchestrator.Run(loopCtx)
	}()

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Orchestrator is fully operational")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Orchestrator runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Orchestrator runner context done")
	}

	stopLoop()

	logger.Infof("Waiting for the current cycle to finish...")
	wg.Wait()

	mirror.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Orchestrator.StopGracePeriod)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Metrics server shutdown failed, error: %v", err)
		}
	}
	server.Stop(shutdownCtx)

	logger.Infof("Orchestrator runner stopped")
	return nil
}

func startMetricsServer(address string, handler http.Handler, logger logging.Logger) (*http.Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen for metrics", err).WithContext("address", address)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server stopped, error: %v", err)
		}
	}()

	logger.Infof("Metrics listening, address: %s", listener.Addr())
	return server, nil
}
