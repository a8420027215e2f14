package anysignerrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName 是 AnySigner gRPC 服务的全限定名。
const ServiceName = "anysigner.v1.AnySigner"

const (
	signMethod         = "/" + ServiceName + "/Sign"
	planMethod         = "/" + ServiceName + "/Plan"
	signJSONMethod     = "/" + ServiceName + "/SignJSON"
	supportsJSONMethod = "/" + ServiceName + "/SupportsJSON"
)

// AnySignerServer 是服务端接口。消息均为 protobuf well-known 类型，无需 protoc 生成代码，
// 链编号通过 x-coin-type metadata 传递（SupportsJSON 直接使用请求体）。
//
// Proto 定义：docs/api/proto/anysigner.proto。
type AnySignerServer interface {
	Sign(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Plan(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	SignJSON(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	SupportsJSON(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BoolValue, error)
}

// UnimplementedAnySignerServer 可嵌入以保持向前兼容。
type UnimplementedAnySignerServer struct{}

func (UnimplementedAnySignerServer) Sign(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Sign not implemented")
}
func (UnimplementedAnySignerServer) Plan(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Plan not implemented")
}
func (UnimplementedAnySignerServer) SignJSON(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SignJSON not implemented")
}
func (UnimplementedAnySignerServer) SupportsJSON(context.Context, *wrapperspb.UInt32Value) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method SupportsJSON not implemented")
}

// RegisterAnySignerServer 在 gRPC server 上注册服务。
func RegisterAnySignerServer(s grpc.ServiceRegistrar, srv AnySignerServer) {
	s.RegisterService(&AnySigner_ServiceDesc, srv)
}

// AnySignerClient 是客户端接口。
type AnySignerClient interface {
	Sign(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Plan(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	SignJSON(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	SupportsJSON(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type anySignerClient struct{ cc grpc.ClientConnInterface }

// NewAnySignerClient 基于连接创建客户端。
func NewAnySignerClient(cc grpc.ClientConnInterface) AnySignerClient {
	return &anySignerClient{cc: cc}
}

func (c *anySignerClient) Sign(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, signMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *anySignerClient) Plan(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, planMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *anySignerClient) SignJSON(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, signJSONMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *anySignerClient) SupportsJSON(ctx context.Context, in *wrapperspb.UInt32Value, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, supportsJSONMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _AnySigner_Sign_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnySignerServer).Sign(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AnySignerServer).Sign(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _AnySigner_Plan_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnySignerServer).Plan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: planMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AnySignerServer).Plan(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _AnySigner_SignJSON_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnySignerServer).SignJSON(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signJSONMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AnySignerServer).SignJSON(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _AnySigner_SupportsJSON_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnySignerServer).SupportsJSON(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: supportsJSONMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AnySignerServer).SupportsJSON(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

// AnySigner_ServiceDesc 是 AnySigner 服务的 grpc.ServiceDesc。
var AnySigner_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnySignerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Sign", Handler: _AnySigner_Sign_Handler},
		{MethodName: "Plan", Handler: _AnySigner_Plan_Handler},
		{MethodName: "SignJSON", Handler: _AnySigner_SignJSON_Handler},
		{MethodName: "SupportsJSON", Handler: _AnySigner_SupportsJSON_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "docs/api/proto/anysigner.proto",
}
