package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the control API
const ServiceName = "hsu.orchestrator.v1.ControlService"

const (
	MethodStatus           = "Status"
	MethodRunCycle         = "RunCycle"
	MethodTriggerEmergency = "TriggerEmergency"
)

// ControlServiceServer is the server side of the control API.
// Every method takes Empty and answers with the status report as a Struct.
type ControlServiceServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RunCycle(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TriggerEmergency(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterControlServiceServer(registrar grpc.ServiceRegistrar, server ControlServiceServer) {
	registrar.RegisterService(&controlServiceDesc, server)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodStatus,
			Handler:    unaryHandler(MethodStatus, ControlServiceServer.Status),
		},
		{
			MethodName: MethodRunCycle,
			Handler:    unaryHandler(MethodRunCycle, ControlServiceServer.RunCycle),
		},
		{
			MethodName: MethodTriggerEmergency,
			Handler:    unaryHandler(MethodTriggerEmergency, ControlServiceServer.TriggerEmergency),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hsu/orchestrator/v1/control.proto",
}

type unaryMethod func(ControlServiceServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServiceServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}
