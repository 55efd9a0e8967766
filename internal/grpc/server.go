package grpc

import (
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gymflow/occupancy/internal/logging"
	"gymflow/occupancy/internal/metrics"
)

// NewServer builds the gRPC server with the query and health services registered.
// Interceptors run metrics, then logging, then service auth.
func NewServer(serviceToken string, query OccupancyQueryServer, log logrus.FieldLogger, m *metrics.Metrics) (*grpc.Server, *health.Server, error) {
	serviceAuth, err := NewServiceAuthUnaryInterceptor(serviceToken)
	if err != nil {
		return nil, nil, err
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.UnaryServerInterceptor(m),
		logging.UnaryServerInterceptor(log),
		serviceAuth,
	))
	RegisterOccupancyQueryServer(server, query)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server, healthServer, nil
}
