package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type unaryFunc func(EngagementServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngagementServer)(nil),
	Methods: []grpc.MethodDesc{
		method("Eligibility", EngagementServer.Eligibility),
		method("StartVerification", EngagementServer.StartVerification),
		method("SubmitVerification", EngagementServer.SubmitVerification),
		method("Withdraw", EngagementServer.Withdraw),
		method("Balance", EngagementServer.Balance),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "engagement/v1/engagement.proto",
}

// FullMethod returns the invoke path for name, e.g. for grpc.ClientConn.Invoke.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

func method(name string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(EngagementServer)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}
