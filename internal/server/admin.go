package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The admin service uses well-known protobuf types only, so it is described
// by hand instead of through generated code.

const (
	AdminServiceName = "logbus.v1.Admin"

	methodStatus    = "/" + AdminServiceName + "/Status"
	methodTriggerGC = "/" + AdminServiceName + "/TriggerGC"
	methodCheckFile = "/" + AdminServiceName + "/CheckFile"
)

// AdminServer is the server API for the logbus.v1.Admin service.
type AdminServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	TriggerGC(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CheckFile(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "TriggerGC", Handler: triggerGCHandler},
		{MethodName: "CheckFile", Handler: checkFileHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "logbus/v1/admin.proto",
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func triggerGCHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).TriggerGC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodTriggerGC}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).TriggerGC(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func checkFileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).CheckFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCheckFile}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).CheckFile(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
