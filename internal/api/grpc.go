package signerapi

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/aegis-sign/anysigner/internal/coin"
	"github.com/aegis-sign/anysigner/pkg/anysignerrpc"
	"github.com/aegis-sign/anysigner/pkg/apierrors"
)

// GRPCServer 实现 anysigner.v1.AnySigner。
type GRPCServer struct {
	anysignerrpc.UnimplementedAnySignerServer
	backend Backend
	logger  *slog.Logger
}

// NewGRPCServer 构造 gRPC server。
func NewGRPCServer(backend Backend, logger *slog.Logger) *GRPCServer {
	if backend == nil {
		panic("signer backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCServer{backend: backend, logger: logger}
}

// Register 在 gRPC server 上注册服务。
func (s *GRPCServer) Register(srv grpc.ServiceRegistrar) {
	anysignerrpc.RegisterAnySignerServer(srv, s)
}

// Sign 从 metadata 读取链编号后签名。
func (s *GRPCServer) Sign(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	t, err := coinFromContext(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.backend.Sign(ctx, req.GetValue(), t)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return wrapperspb.Bytes(out), nil
}

// Plan 返回编码后的选币规划，规划失败写在结果内。
func (s *GRPCServer) Plan(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	t, err := coinFromContext(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.backend.Plan(ctx, req.GetValue(), t)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return wrapperspb.Bytes(out), nil
}

// SignJSON 解析 {json, privateKey} 请求体后签名。
func (s *GRPCServer) SignJSON(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	t, err := coinFromContext(ctx)
	if err != nil {
		return nil, err
	}
	json, key, err := anysignerrpc.ParseSignJSONRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.backend.SignJSON(ctx, json, key, t)
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return wrapperspb.String(out), nil
}

// SupportsJSON 以请求体中的链编号查询。
func (s *GRPCServer) SupportsJSON(ctx context.Context, req *wrapperspb.UInt32Value) (*wrapperspb.BoolValue, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	ok, err := s.backend.SupportsJSON(coin.Type(req.GetValue()))
	if err != nil {
		return nil, s.grpcError(ctx, err)
	}
	return wrapperspb.Bool(ok), nil
}

func coinFromContext(ctx context.Context) (coin.Type, error) {
	v, err := anysignerrpc.CoinFromContext(ctx)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return coin.Type(v), nil
}

// grpcError 转换业务错误，RETRY_LATER 通过 retry-after trailer 携带等待秒数。
func (s *GRPCServer) grpcError(ctx context.Context, err error) error {
	apiErr, ok := apierrors.FromError(err)
	if !ok {
		s.logger.Error("unclassified rpc error", slog.Any("err", err))
		return status.Error(codes.Internal, "internal error")
	}
	if hint := apiErr.RetryAfterHint(); hint != "" && apierrors.RequiresRetryAfter(apiErr.Code) {
		_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-after", hint))
	}
	msg := apiErr.Error()
	if apiErr.Code == apierrors.CodeInternalSigningError {
		msg = apiErr.Message
	}
	return status.Error(apierrors.GRPCStatus(apiErr.Code), string(apiErr.Code)+": "+msg)
}
