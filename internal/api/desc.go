package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convsync.v1.ControlService"

// ControlServer is the daemon control surface. Requests and responses are
// protobuf Structs so the service needs no generated code.
type ControlServer interface {
	Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Select(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Unselect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Open(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SendFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes ControlServer for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		handler("Status", ControlServer.Status),
		handler("List", ControlServer.List),
		handler("Select", ControlServer.Select),
		handler("Unselect", ControlServer.Unselect),
		handler("Open", ControlServer.Open),
		handler("SendText", ControlServer.SendText),
		handler("SendFile", ControlServer.SendFile),
		handler("Search", ControlServer.Search),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convsync/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
