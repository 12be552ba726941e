package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/logging"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	RegisterControlServiceServer(grpcServerRegistrar, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

func (h *grpcServerHandler) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return h.serve(ctx, MethodStatus, h.handler.Status)
}

func (h *grpcServerHandler) RunCycle(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return h.serve(ctx, MethodRunCycle, h.handler.RunCycle)
}

func (h *grpcServerHandler) TriggerEmergency(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return h.serve(ctx, MethodTriggerEmergency, h.handler.TriggerEmergency)
}

func (h *grpcServerHandler) serve(ctx context.Context, method string, call func(context.Context) (*domain.StatusReport, error)) (*structpb.Struct, error) {
	report, err := call(ctx)
	if err != nil {
		h.logger.Errorf("%s server handler: %v", method, err)
		return nil, toStatusError(err)
	}

	response, err := reportToStruct(report)
	if err != nil {
		h.logger.Errorf("%s server handler: %v", method, err)
		return nil, toStatusError(err)
	}

	h.logger.Debugf("%s server handler done", method)
	return response, nil
}

func toStatusError(err error) error {
	code := codes.Internal
	switch {
	case errors.IsValidationError(err):
		code = codes.InvalidArgument
	case errors.IsNotFoundError(err):
		code = codes.NotFound
	case errors.IsConflictError(err):
		code = codes.AlreadyExists
	case errors.IsTimeoutError(err):
		code = codes.DeadlineExceeded
	case errors.IsCancelledError(err):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
