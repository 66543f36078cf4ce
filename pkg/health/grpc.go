package health

import (
	"context"

	"questledger/pkg/errutil"

	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var GRPCModule = fx.Module("health.grpc", fx.Invoke(RegisterGRPC))

type grpcHealth struct {
	grpc_health_v1.UnimplementedHealthServer
	svc HealthService
}

func RegisterGRPC(srv *grpc.Server, svc HealthService) {
	grpc_health_v1.RegisterHealthServer(srv, NewGRPC(svc))
}

func NewGRPC(svc HealthService) grpc_health_v1.HealthServer {
	return &grpcHealth{svc: svc}
}

func (s *grpcHealth) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errutil.ToGRPCError(err)
	}

	if s.svc.Check(ctx).Status != StatusHealthy {
		return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING}, nil
	}
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}
