package inspect

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// server is the handler contract the service descriptor dispatches to.
type server interface {
	GetSaga(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindByTrace(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStalled(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type method func(s server, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(server), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*server)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSaga", server.GetSaga),
		unary("FindByTrace", server.FindByTrace),
		unary("ListStalled", server.ListStalled),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "saga/inspect/v1/inspect.proto",
}

var _ server = (*Service)(nil)
