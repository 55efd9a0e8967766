// Package clients dials the occupancy query service for other services and tools.
package clients

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	occupancygrpc "gymflow/occupancy/internal/grpc"
)

type Clients struct {
	OccupancyConn *grpc.ClientConn
	Occupancy     *occupancygrpc.OccupancyQueryClient
	Health        healthpb.HealthClient
}

// New dials addr and attaches serviceToken to every call. Extra options are appended,
// e.g. a custom dialer in tests.
func New(ctx context.Context, addr, serviceToken string, timeout time.Duration, opts ...grpc.DialOption) (*Clients, error) {
	if serviceToken == "" {
		return nil, errors.New("service auth token required")
	}
	conn, err := dial(ctx, addr, serviceToken, timeout, opts)
	if err != nil {
		return nil, err
	}
	return &Clients{
		OccupancyConn: conn,
		Occupancy:     occupancygrpc.NewOccupancyQueryClient(conn),
		Health:        healthpb.NewHealthClient(conn),
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.OccupancyConn != nil {
		_ = c.OccupancyConn.Close()
	}
}

func dial(ctx context.Context, addr, serviceToken string, timeout time.Duration, extra []grpc.DialOption) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(serviceAuthUnaryClientInterceptor(serviceToken)),
	}, extra...)
	return grpc.DialContext(ctx, addr, opts...)
}

func serviceAuthUnaryClientInterceptor(serviceToken string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, occupancygrpc.ServiceTokenHeader, serviceToken)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
