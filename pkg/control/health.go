package control

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
)

// HealthMirror publishes supervised service health on the standard grpc.health.v1 service.
// The empty service name reports the daemon itself; ServiceName goes NOT_SERVING while
// an emergency is stuck.
type HealthMirror struct {
	server *health.Server
}

func NewHealthMirror() *HealthMirror {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthMirror{server: server}
}

func (m *HealthMirror) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, m.server)
}

func (m *HealthMirror) Update(report *domain.StatusReport) {
	for _, service := range report.Services {
		m.server.SetServingStatus(service.Name, servingStatus(service.Status == monitoring.HealthStatusHealthy))
	}

	stuck := report.Emergency.Stuck && report.Emergency.State != emergency.StateNormal
	m.server.SetServingStatus(ServiceName, servingStatus(!stuck))
}

// Shutdown marks everything NOT_SERVING ahead of the server stopping
func (m *HealthMirror) Shutdown() {
	m.server.Shutdown()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
