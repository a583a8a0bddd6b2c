// ABOUTME: gRPC service definition for graphstore.v1.GraphStore
// ABOUTME: Messages are google.protobuf.Struct so no generated code is needed

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "graphstore.v1.GraphStore"

const (
	searchMethod = "/" + ServiceName + "/Search"
	getMethod    = "/" + ServiceName + "/Get"
	applyMethod  = "/" + ServiceName + "/Apply"
	watchMethod  = "/" + ServiceName + "/Watch"
)

// GraphStoreServer is the server API for the GraphStore service
type GraphStoreServer interface {
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Apply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchServer) error
}

// WatchServer is the server side of a Watch stream
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (x *watchServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterGraphStoreServer registers srv with a gRPC server
func RegisterGraphStoreServer(s grpc.ServiceRegistrar, srv GraphStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler(method string, call func(GraphStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GraphStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GraphStoreServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GraphStoreServer).Watch(in, &watchServer{stream})
}

// ServiceDesc describes the GraphStore service
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GraphStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Search",
			Handler:    unaryHandler(searchMethod, GraphStoreServer.Search),
		},
		{
			MethodName: "Get",
			Handler:    unaryHandler(getMethod, GraphStoreServer.Get),
		},
		{
			MethodName: "Apply",
			Handler:    unaryHandler(applyMethod, GraphStoreServer.Apply),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "graphstore/v1/graphstore.proto",
}

// Client is a GraphStore client
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Search runs a filter search
func (c *Client) Search(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, searchMethod, in, opts...)
}

// Get reads one committed entity
func (c *Client) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, getMethod, in, opts...)
}

// Apply commits a batch of mutations
func (c *Client) Apply(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, applyMethod, in, opts...)
}

// WatchClient receives change events
type WatchClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type watchClient struct {
	grpc.ClientStream
}

func (x *watchClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Watch streams change events matching the request filter
func (c *Client) Watch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (WatchClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
