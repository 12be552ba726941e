package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/processfile"
	"github.com/core-tools/hsu-orchestrator/pkg/processstate"
)

// Prober checks service health. It never fails: every problem becomes an unhealthy observation.
type Prober struct {
	client *http.Client
	logger logging.Logger
	now    func() time.Time
}

func NewProber(logger logging.Logger) *Prober {
	return &Prober{
		client: &http.Client{
			// Per-request deadlines come from the probe context
			Transport: &http.Transport{
				DisableKeepAlives: true,
				Proxy:             http.ProxyFromEnvironment,
			},
		},
		logger: logger,
		now:    time.Now,
	}
}

// Probe runs one health check bounded by the effective timeout
func (p *Prober) Probe(ctx context.Context, name string, config HealthCheckConfig) Observation {
	started := p.now()
	probeCtx, cancel := context.WithTimeout(ctx, config.EffectiveTimeout())
	defer cancel()

	var healthy bool
	var message string
	switch config.Type {
	case HealthCheckTypeHTTP:
		healthy, message = p.checkHTTP(probeCtx, config.HTTP)
	case HealthCheckTypeGRPC:
		healthy, message = p.checkGRPC(probeCtx, config.GRPC)
	case HealthCheckTypeTCP:
		healthy, message = p.checkTCP(probeCtx, config.TCP)
	case HealthCheckTypeExec:
		healthy, message = p.checkExec(probeCtx, config.Exec)
	case HealthCheckTypeProcess:
		healthy, message = p.checkProcess(config.Process)
	default:
		healthy, message = false, fmt.Sprintf("unsupported health check type: %s", config.Type)
	}

	observation := Observation{
		Service:   name,
		Status:    HealthStatusUnhealthy,
		Timestamp: started,
		Message:   message,
		Duration:  p.now().Sub(started),
	}
	if healthy {
		observation.Status = HealthStatusHealthy
	}

	if healthy {
		p.logger.Debugf("Health check passed, service: %s, type: %s, duration: %v", name, config.Type, observation.Duration)
	} else {
		p.logger.Warnf("Health check failed, service: %s, type: %s, message: %s", name, config.Type, message)
	}
	return observation
}

// ProbeAll probes every target concurrently and returns observations in target order.
// Total latency is bounded by the slowest probe, not the sum.
func (p *Prober) ProbeAll(ctx context.Context, targets []Target) []Observation {
	observations := make([]Observation, len(targets))
	if len(targets) == 0 {
		return observations
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(len(targets))
	for i, target := range targets {
		group.Go(func() error {
			observations[i] = p.Probe(groupCtx, target.Name, target.Check)
			return nil
		})
	}
	group.Wait()

	return observations
}

func (p *Prober) checkHTTP(ctx context.Context, config HTTPHealthCheckConfig) (bool, string) {
	method := config.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, config.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("invalid request: %v", err)
	}
	for key, value := range config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
}

func (p *Prober) checkGRPC(ctx context.Context, config GRPCHealthCheckConfig) (bool, string) {
	conn, err := grpc.NewClient(config.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("invalid gRPC target: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: config.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC status %s", resp.GetStatus())
	}
	return true, "gRPC SERVING"
}

func (p *Prober) checkTCP(ctx context.Context, config TCPHealthCheckConfig) (bool, string) {
	address := net.JoinHostPort(config.Address, strconv.Itoa(config.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	conn.Close()
	return true, "TCP connection successful"
}

func (p *Prober) checkExec(ctx context.Context, config ExecHealthCheckConfig) (bool, string) {
	var cmd *exec.Cmd
	switch {
	case len(config.Args) > 0:
		cmd = exec.CommandContext(ctx, config.Command, config.Args...)
	case runtime.GOOS == "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/C", config.Command)
	default:
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", config.Command)
	}
	// Do not wait on pipes held open by grandchildren after the deadline
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return false, fmt.Sprintf("liveness command timed out: %v", ctx.Err())
		}
		return false, fmt.Sprintf("liveness command failed: %v", err)
	}
	return true, "liveness command succeeded"
}

func (p *Prober) checkProcess(config ProcessHealthCheckConfig) (bool, string) {
	pid, err := processfile.ReadPIDFile(config.PIDFile)
	if err != nil {
		return false, fmt.Sprintf("no usable PID: %v", err)
	}

	running, err := processstate.IsProcessRunning(pid)
	if err != nil {
		return false, fmt.Sprintf("process check failed, pid %d: %v", pid, err)
	}
	if !running {
		return false, fmt.Sprintf("process %d is not running", pid)
	}
	return true, fmt.Sprintf("process %d is running", pid)
}
