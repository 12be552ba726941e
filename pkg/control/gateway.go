package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		conn:   grpcClientConnection,
		logger: logger,
	}
}

type grpcClientGateway struct {
	conn   grpc.ClientConnInterface
	logger logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context) (*domain.StatusReport, error) {
	return gw.invoke(ctx, MethodStatus)
}

func (gw *grpcClientGateway) RunCycle(ctx context.Context) (*domain.StatusReport, error) {
	return gw.invoke(ctx, MethodRunCycle)
}

func (gw *grpcClientGateway) TriggerEmergency(ctx context.Context) (*domain.StatusReport, error) {
	return gw.invoke(ctx, MethodTriggerEmergency)
}

func (gw *grpcClientGateway) invoke(ctx context.Context, method string) (*domain.StatusReport, error) {
	response := &structpb.Struct{}
	if err := gw.conn.Invoke(ctx, fullMethod(method), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return nil, errors.NewNetworkError("control call failed", err).WithContext("method", method)
	}

	report, err := structToReport(response)
	if err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return nil, err
	}

	gw.logger.Debugf("%s client gateway done", method)
	return report, nil
}
