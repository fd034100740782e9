// Package v1 is the tasklock gRPC contract.
//
// The service is described by hand instead of generated from a .proto file;
// its messages are protobuf well-known types so any gRPC client can call it:
//
//	service LockService {
//	  rpc Obtain(google.protobuf.Struct) returns (google.protobuf.BoolValue);
//	  rpc Renew(google.protobuf.Struct) returns (google.protobuf.BoolValue);
//	  rpc Release(google.protobuf.Struct) returns (google.protobuf.BoolValue);
//	  rpc Status(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
//
// Lock requests carry the string fields owner_token, resource_id and
// task_kind, plus an optional numeric lease_timeout_ms. A lock call that hit
// a lock fault (a lost race, a conflicting commit) answers false and names the
// fault in the tasklock-fault response header. Status reports the lease of
// every task kind under lease_timeouts_ms.
package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "tasklock.v1.LockService"

const (
	LockService_Obtain_FullMethodName  = "/" + ServiceName + "/Obtain"
	LockService_Renew_FullMethodName   = "/" + ServiceName + "/Renew"
	LockService_Release_FullMethodName = "/" + ServiceName + "/Release"
	LockService_Status_FullMethodName  = "/" + ServiceName + "/Status"
)

type LockServiceClient interface {
	Obtain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	Renew(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type lockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLockServiceClient(cc grpc.ClientConnInterface) LockServiceClient {
	return &lockServiceClient{cc}
}

func (c *lockServiceClient) call(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Obtain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return c.call(ctx, LockService_Obtain_FullMethodName, in, opts)
}

func (c *lockServiceClient) Renew(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return c.call(ctx, LockService_Renew_FullMethodName, in, opts)
}

func (c *lockServiceClient) Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return c.call(ctx, LockService_Release_FullMethodName, in, opts)
}

func (c *lockServiceClient) Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LockService_Status_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// LockServiceServer must embed UnimplementedLockServiceServer.
type LockServiceServer interface {
	Obtain(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Renew(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Release(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	mustEmbedUnimplementedLockServiceServer()
}

type UnimplementedLockServiceServer struct{}

func (UnimplementedLockServiceServer) Obtain(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Obtain not implemented")
}
func (UnimplementedLockServiceServer) Renew(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Renew not implemented")
}
func (UnimplementedLockServiceServer) Release(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Release not implemented")
}
func (UnimplementedLockServiceServer) Status(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedLockServiceServer) mustEmbedUnimplementedLockServiceServer() {}

func RegisterLockServiceServer(s grpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockService_ServiceDesc, srv)
}

type lockMethod func(LockServiceServer, context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)

// builds the unary handler shared by Obtain, Renew and Release
func lockHandler(fullMethod string, call lockMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LockServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _LockService_Status_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LockServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: LockService_Status_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LockServiceServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var LockService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Obtain",
			Handler:    lockHandler(LockService_Obtain_FullMethodName, LockServiceServer.Obtain),
		},
		{
			MethodName: "Renew",
			Handler:    lockHandler(LockService_Renew_FullMethodName, LockServiceServer.Renew),
		},
		{
			MethodName: "Release",
			Handler:    lockHandler(LockService_Release_FullMethodName, LockServiceServer.Release),
		},
		{
			MethodName: "Status",
			Handler:    _LockService_Status_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tasklock/v1/lockservice.proto",
}
