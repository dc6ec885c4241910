// Package grpc exposes the ESLite engine as the eslite.v1.Sync gRPC
// service. Messages are google.protobuf.Struct values, so no generated
// stubs are needed.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "eslite.v1.Sync"

	migrateMethod    = "/" + ServiceName + "/Migrate"
	applyDeltaMethod = "/" + ServiceName + "/ApplyDelta"
	stateMethod      = "/" + ServiceName + "/State"
)

// SyncServer is the server side of eslite.v1.Sync.
//
//	Migrate    {namespace, migrations: [...]}     -> {namespace, applied, version}
//	ApplyDelta {sequence, operation, table, key, data} -> {table, state}
//	State      {table}                             -> {table, state}
type SyncServer interface {
	Migrate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyDelta(context.Context, *structpb.Struct) (*structpb.Struct, error)
	State(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes eslite.v1.Sync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Migrate", Handler: unaryHandler(migrateMethod, SyncServer.Migrate)},
		{MethodName: "ApplyDelta", Handler: unaryHandler(applyDeltaMethod, SyncServer.ApplyDelta)},
		{MethodName: "State", Handler: unaryHandler(stateMethod, SyncServer.State)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "eslite/v1/sync.proto",
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type method func(SyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call method) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SyncServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SyncServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SyncClient calls eslite.v1.Sync.
type SyncClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncClient creates a client on cc.
func NewSyncClient(cc grpc.ClientConnInterface) *SyncClient {
	return &SyncClient{cc: cc}
}

func (c *SyncClient) Migrate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, migrateMethod, in, opts...)
}

func (c *SyncClient) ApplyDelta(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, applyDeltaMethod, in, opts...)
}

func (c *SyncClient) State(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, stateMethod, in, opts...)
}

func (c *SyncClient) invoke(ctx context.Context, fullMethod string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
