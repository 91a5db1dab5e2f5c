package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"licensehub.org/internal/auth"
	"licensehub.org/internal/lease"
	"licensehub.org/internal/obs"
)

const leaseAdminService = "licensehub.v1.LeaseAdmin"

// GRPCServer exposes standard health checks and the lease admin service.
type GRPCServer struct {
	leases    *lease.Service
	readiness readinessChecker
	version   string
	tokens    *auth.Tokens
	health    *health.Server
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(leases *lease.Service, r readinessChecker, version string, tokens *auth.Tokens) *GRPCServer {
	if r == nil {
		r = StoreReadiness{}
	}
	return &GRPCServer{
		leases:    leases,
		readiness: r,
		version:   version,
		tokens:    tokens,
		health:    health.NewServer(),
	}
}

// Register attaches the health and lease admin services to gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
	gs.RegisterService(&leaseAdminDesc, s)
}

// RefreshHealth maps store readiness onto the health service status.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(leaseAdminService, st)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

// UnaryInterceptor requires an admin bearer token for everything except health.
func (s *GRPCServer) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		if s.tokens == nil {
			return nil, status.Error(codes.Unavailable, "authentication not configured")
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, err := extractBearerToken(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		p, err := s.tokens.Authenticate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		if !p.IsAdmin() {
			return nil, status.Error(codes.PermissionDenied, "admin role required")
		}
		return handler(auth.ContextWithPrincipal(ctx, p), req)
	}
}

// SweepExpired runs one expiry pass.
func (s *GRPCServer) SweepExpired(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.leases.SweepExpired(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"cleared_leases":       res.ClearedLeases,
		"cleared_reservations": res.ClearedReservations,
	})
}

// ListLicenses returns the same listing as GET /v1/licenses.
func (s *GRPCServer) ListLicenses(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	views, err := s.leases.List(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	raw, err := json.Marshal(listLicensesResponse{TotalCount: len(views), Licenses: views})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode licenses: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode licenses: %v", err)
	}
	return structpb.NewStruct(m)
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, lease.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		obs.Logger().Error("grpc lease call failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

type leaseAdminServer interface {
	SweepExpired(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListLicenses(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var leaseAdminDesc = grpc.ServiceDesc{
	ServiceName: leaseAdminService,
	HandlerType: (*leaseAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SweepExpired", Handler: unary("SweepExpired", leaseAdminServer.SweepExpired)},
		{MethodName: "ListLicenses", Handler: unary("ListLicenses", leaseAdminServer.ListLicenses)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "licensehub/v1/lease_admin.proto",
}

func unary(method string, call func(leaseAdminServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + leaseAdminService + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(leaseAdminServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(leaseAdminServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}
