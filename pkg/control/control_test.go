package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-orchestrator/pkg/decision"
	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
	"github.com/core-tools/hsu-orchestrator/pkg/restart"
)

type fakeContract struct {
	report    *domain.StatusReport
	err       error
	cycles    int
	triggered int
}

func (f *fakeContract) Status(ctx context.Context) (*domain.StatusReport, error) {
	return f.report, f.err
}

func (f *fakeContract) RunCycle(ctx context.Context) (*domain.StatusReport, error) {
	f.cycles++
	return f.report, f.err
}

func (f *fakeContract) TriggerEmergency(ctx context.Context) (*domain.StatusReport, error) {
	f.triggered++
	return f.report, f.err
}

func sampleReport() *domain.StatusReport {
	checked := time.Date(2025, 8, 26, 13, 5, 22, 0, time.UTC)
	return &domain.StatusReport{
		Cycle:     7,
		StartedAt: checked,
		Duration:  1500 * time.Millisecond,
		Services: []domain.ServiceStatus{
			{Name: "api", Status: monitoring.HealthStatusHealthy, MaxRestarts: 3, Critical: true, LastCheck: checked},
			{Name: "worker", Status: monitoring.HealthStatusUnhealthy, RestartCount: 2, MaxRestarts: 3, LastCheck: checked, Outcome: restart.OutcomeRestarted, Message: "connection refused"},
		},
		Emergency: emergency.Status{State: emergency.StateNormal, MaxRestarts: 2},
		Actions: []decision.Action{
			{Type: decision.ActionFlagForReview, Reason: "cpu usage 91.0% at or above 80.0%", Metric: "cpu", Value: 91, Threshold: 80},
		},
		Metrics: decision.Metrics{CPUPercent: 91, PendingWork: 4, Distribution: map[string]int{"agent-a": 4}, CollectedAt: checked},
	}
}

func startTestServer(t *testing.T, contract domain.Contract) (*Server, *HealthMirror, *grpc.ClientConn) {
	t.Helper()

	logger := logging.NewNopLogger()
	listener := bufconn.Listen(1 << 20)

	server := NewServerWithListener(listener, logger)
	mirror := NewHealthMirror()
	RegisterGRPCServerHandler(server.GRPC(), contract, logger)
	mirror.Register(server.GRPC())
	server.Run()

	conn, err := NewConnection(ConnectionOptions{Address: "passthrough:///bufnet"}, logger,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}))
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Stop(ctx)
	})
	return server, mirror, conn
}

func TestControlRoundTrip(t *testing.T) {
	contract := &fakeContract{report: sampleReport()}
	_, _, conn := startTestServer(t, contract)
	gateway := NewGRPCClientGateway(conn, logging.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tests := []struct {
		name string
		call func(context.Context) (*domain.StatusReport, error)
	}{
		{"status", gateway.Status},
		{"run cycle", gateway.RunCycle},
		{"trigger emergency", gateway.TriggerEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := tt.call(ctx)
			require.NoError(t, err)

			expected := sampleReport()
			assert.Equal(t, expected.Cycle, report.Cycle)
			assert.True(t, expected.StartedAt.Equal(report.StartedAt))
			assert.Equal(t, expected.Duration, report.Duration)
			require.Len(t, report.Services, 2)
			assert.Equal(t, "worker", report.Services[1].Name)
			assert.Equal(t, monitoring.HealthStatusUnhealthy, report.Services[1].Status)
			assert.Equal(t, 2, report.Services[1].RestartCount)
			assert.Equal(t, restart.OutcomeRestarted, report.Services[1].Outcome)
			assert.True(t, report.Services[0].Critical)
			assert.Equal(t, emergency.StateNormal, report.Emergency.State)
			require.Len(t, report.Actions, 1)
			assert.Equal(t, decision.ActionFlagForReview, report.Actions[0].Type)
			assert.Equal(t, map[string]int{"agent-a": 4}, report.Metrics.Distribution)
		})
	}

	assert.Equal(t, 1, contract.cycles)
	assert.Equal(t, 1, contract.triggered)
}

func TestControlErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", errors.NewNotFoundError("service not configured", nil), codes.NotFound},
		{"validation", errors.NewValidationError("bad request", nil), codes.InvalidArgument},
		{"other", errors.NewProcessError("start failed", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, conn := startTestServer(t, &fakeContract{err: tt.err})
			gateway := NewGRPCClientGateway(conn, logging.NewNopLogger())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := gateway.Status(ctx)
			require.Error(t, err)
			assert.True(t, errors.IsNetworkError(err))
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestHealthMirror(t *testing.T) {
	_, mirror, conn := startTestServer(t, &fakeContract{report: sampleReport()})
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report := sampleReport()
	mirror.Update(report)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return response.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check("api"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check("worker"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	report.Emergency = emergency.Status{State: emergency.StateRecovering, Stuck: true}
	mirror.Update(report)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStructToReportRejectsNil(t *testing.T) {
	_, err := structToReport(nil)
	assert.True(t, errors.IsValidationError(err))
}

func TestNewServerBindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	_, err = NewServer(ServerOptions{Port: port}, logging.NewNopLogger())
	require.Error(t, err)
	assert.True(t, errors.IsNetworkError(err))
}
