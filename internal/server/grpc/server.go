// Package grpcserver exposes the messaging dispatcher over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/vaultbridge/internal/messaging"
)

// Method names of the bridge service.
const (
	ServiceName    = "vaultbridge.v1.Bridge"
	DispatchMethod = "/" + ServiceName + "/Dispatch"
)

// Handler runs one messaging request.
type Handler interface {
	Handle(ctx context.Context, req *messaging.Request) *messaging.Response
}

// Authenticator verifies bearer tokens and returns their subject.
type Authenticator interface {
	Verify(raw string) (string, error)
}

// BridgeServer is the server API of the bridge service.
type BridgeServer interface {
	Dispatch(ctx context.Context, req *messaging.Request) (*messaging.Response, error)
}

// Server wires the dispatcher into gRPC handlers.
type Server struct {
	handler Handler
	auth    Authenticator
	log     *zap.Logger
}

var _ BridgeServer = (*Server)(nil)

// New constructs a gRPC server with injected dependencies.
func New(h Handler, auth Authenticator, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{handler: h, auth: auth, log: log}
}

// Register attaches the bridge service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&bridgeServiceDesc, s)
}

// Dispatch authenticates the caller and runs the request. Domain failures are
// carried inside the response; only transport and auth failures are statuses.
func (s *Server) Dispatch(ctx context.Context, req *messaging.Request) (*messaging.Response, error) {
	sub, err := s.subjectFromCtx(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	if req == nil || req.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "empty request type")
	}
	return s.handler.Handle(WithSubject(ctx, sub), req), nil
}

// subjectFromCtx: extract "authorization: Bearer <JWT>" and verify it.
func (s *Server) subjectFromCtx(ctx context.Context) (string, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return "", err
	}
	return s.auth.Verify(tok)
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(messaging.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DispatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BridgeServer).Dispatch(ctx, req.(*messaging.Request))
	}
	return interceptor(ctx, in, info, handler)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vaultbridge/v1/bridge",
}
