// Package proxy exposes the create-image pipeline over HTTP and gRPC.
package proxy

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/abdhe/tryon-inference-proxy/pkg/pipeline"
)

// Runner executes one create-image request.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) pipeline.Result
}

const (
	ServiceName       = "tryon.v1.InferenceService"
	CreateImageMethod = "/" + ServiceName + "/CreateImage"
)

// InferenceServer is the gRPC service. Messages are google.protobuf.Struct
// with the same field names as the HTTP JSON body.
type InferenceServer interface {
	CreateImage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes tryon.v1.InferenceService for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateImage", Handler: createImageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tryon/v1/inference.proto",
}

// RegisterInferenceServer registers srv on s.
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func createImageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).CreateImage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CreateImageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).CreateImage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Handler implements InferenceServer on top of the pipeline.
type Handler struct {
	runner Runner
	logger *zap.Logger
}

// NewHandler creates a new gRPC handler.
func NewHandler(runner Runner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{runner: runner, logger: logger}
}

// CreateImage handles a unary create-image request.
func (h *Handler) CreateImage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	req := pipeline.Request{
		UserID:            str("user_id"),
		APIKey:            str("api_key"),
		CatalogID:         str("catalog_id"),
		SubjectImageURL:   str("user_image_url"),
		ReferenceImageURL: str("catalog_image_url"),
		Source:            peerHost(ctx),
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-user-id"); len(v) > 0 {
			req.IdentityHint = v[0]
		}
		if v := md.Get("x-request-id"); len(v) > 0 && len(v[0]) <= 128 {
			req.RequestID = v[0]
		}
	}

	if err := req.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res := h.runner.Run(ctx, req)

	if err := ctx.Err(); err != nil {
		h.logger.Debug("caller went away, result discarded", zap.String("request_id", res.RequestID))
		return nil, status.FromContextError(err).Err()
	}

	if res.Err != nil {
		return nil, status.Errorf(grpcCode(res.Err.Kind), "%s: %s (request_id=%s)",
			res.Err.Kind, res.Err.Reason, res.RequestID)
	}

	return structpb.NewStruct(map[string]any{
		"status":     string(res.Status),
		"image_url":  res.ImageLocation,
		"latency_ms": res.LatencyMs,
		"request_id": res.RequestID,
	})
}

func grpcCode(k pipeline.Kind) codes.Code {
	switch k {
	case pipeline.KindThrottled:
		return codes.ResourceExhausted
	case pipeline.KindAuthFailed:
		return codes.Unauthenticated
	case pipeline.KindInsufficientCredit:
		return codes.PermissionDenied
	case pipeline.KindUpstreamTransient:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

// UnaryLogger logs one line per gRPC call.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("rpc",
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("duration", time.Since(start)),
			zap.String("peer", peerHost(ctx)),
		)
		return resp, err
	}
}
