package grpc

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gymflow/occupancy/internal/access"
	"gymflow/occupancy/internal/model"
)

const (
	ServiceName = "gymflow.occupancy.v1.OccupancyQueryService"

	GetCapacityMethod        = "/" + ServiceName + "/GetCapacity"
	ListActiveSessionsMethod = "/" + ServiceName + "/ListActiveSessions"
	ListCheckInsMethod       = "/" + ServiceName + "/ListCheckIns"
	ResolveAccessMethod      = "/" + ServiceName + "/ResolveAccess"
)

type GymRequest struct {
	GymID string `json:"gym_id"`
}

type ListCheckInsRequest struct {
	GymID string    `json:"gym_id"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

type CheckInsResponse struct {
	CheckIns []model.CheckIn `json:"checkins"`
}

type ResolveAccessRequest struct {
	GymID  string `json:"gym_id"`
	UserID string `json:"user_id,omitempty"`
	RUT    string `json:"rut,omitempty"`
	QRCode string `json:"qr_code,omitempty"`
}

// OccupancyReader is the engine surface the query service reads from.
type OccupancyReader interface {
	CurrentCapacity(ctx context.Context, gymID string) (model.Capacity, error)
	ActiveSessions(ctx context.Context, gymID string) ([]model.CheckIn, error)
	CheckIns(ctx context.Context, gymID string, from, to time.Time) ([]model.CheckIn, error)
}

type AccessResolver interface {
	ResolveAccess(ctx context.Context, gymID string, cred access.Credential) (access.Decision, error)
}

type OccupancyQueryServer interface {
	GetCapacity(context.Context, *GymRequest) (*model.Capacity, error)
	ListActiveSessions(context.Context, *GymRequest) (*CheckInsResponse, error)
	ListCheckIns(context.Context, *ListCheckInsRequest) (*CheckInsResponse, error)
	ResolveAccess(context.Context, *ResolveAccessRequest) (*access.Decision, error)
}

type QueryServer struct {
	occupancy OccupancyReader
	access    AccessResolver
}

func NewQueryServer(occupancy OccupancyReader, resolver AccessResolver) *QueryServer {
	return &QueryServer{occupancy: occupancy, access: resolver}
}

func (s *QueryServer) GetCapacity(ctx context.Context, req *GymRequest) (*model.Capacity, error) {
	gymID, err := requireGym(req.GymID)
	if err != nil {
		return nil, err
	}
	capacity, err := s.occupancy.CurrentCapacity(ctx, gymID)
	if err != nil {
		return nil, statusError(err)
	}
	return &capacity, nil
}

func (s *QueryServer) ListActiveSessions(ctx context.Context, req *GymRequest) (*CheckInsResponse, error) {
	gymID, err := requireGym(req.GymID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.occupancy.ActiveSessions(ctx, gymID)
	if err != nil {
		return nil, statusError(err)
	}
	return &CheckInsResponse{CheckIns: sessions}, nil
}

func (s *QueryServer) ListCheckIns(ctx context.Context, req *ListCheckInsRequest) (*CheckInsResponse, error) {
	gymID, err := requireGym(req.GymID)
	if err != nil {
		return nil, err
	}
	if req.From.IsZero() || req.To.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "from and to required")
	}
	checkIns, err := s.occupancy.CheckIns(ctx, gymID, req.From, req.To)
	if err != nil {
		return nil, statusError(err)
	}
	return &CheckInsResponse{CheckIns: checkIns}, nil
}

func (s *QueryServer) ResolveAccess(ctx context.Context, req *ResolveAccessRequest) (*access.Decision, error) {
	gymID, err := requireGym(req.GymID)
	if err != nil {
		return nil, err
	}
	decision, err := s.access.ResolveAccess(ctx, gymID, access.Credential{UserID: req.UserID, RUT: req.RUT, QRCode: req.QRCode})
	if err != nil {
		return nil, statusError(err)
	}
	return &decision, nil
}

func requireGym(gymID string) (string, error) {
	gymID = strings.TrimSpace(gymID)
	if gymID == "" {
		return "", status.Error(codes.InvalidArgument, "gym_id required")
	}
	return gymID, nil
}

func RegisterOccupancyQueryServer(registrar grpc.ServiceRegistrar, srv OccupancyQueryServer) {
	registrar.RegisterService(&occupancyQueryServiceDesc, srv)
}

var occupancyQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OccupancyQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetCapacity",
			Handler: unaryHandler(GetCapacityMethod, func(srv OccupancyQueryServer, ctx context.Context, req *GymRequest) (any, error) {
				return srv.GetCapacity(ctx, req)
			}),
		},
		{
			MethodName: "ListActiveSessions",
			Handler: unaryHandler(ListActiveSessionsMethod, func(srv OccupancyQueryServer, ctx context.Context, req *GymRequest) (any, error) {
				return srv.ListActiveSessions(ctx, req)
			}),
		},
		{
			MethodName: "ListCheckIns",
			Handler: unaryHandler(ListCheckInsMethod, func(srv OccupancyQueryServer, ctx context.Context, req *ListCheckInsRequest) (any, error) {
				return srv.ListCheckIns(ctx, req)
			}),
		},
		{
			MethodName: "ResolveAccess",
			Handler: unaryHandler(ResolveAccessMethod, func(srv OccupancyQueryServer, ctx context.Context, req *ResolveAccessRequest) (any, error) {
				return srv.ResolveAccess(ctx, req)
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

func unaryHandler[Req any](fullMethod string, call func(OccupancyQueryServer, context.Context, *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OccupancyQueryServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OccupancyQueryServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OccupancyQueryClient calls the query service over the JSON codec.
type OccupancyQueryClient struct {
	cc grpc.ClientConnInterface
}

func NewOccupancyQueryClient(cc grpc.ClientConnInterface) *OccupancyQueryClient {
	return &OccupancyQueryClient{cc: cc}
}

func (c *OccupancyQueryClient) GetCapacity(ctx context.Context, gymID string, opts ...grpc.CallOption) (*model.Capacity, error) {
	out := new(model.Capacity)
	if err := c.invoke(ctx, GetCapacityMethod, &GymRequest{GymID: gymID}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OccupancyQueryClient) ListActiveSessions(ctx context.Context, gymID string, opts ...grpc.CallOption) (*CheckInsResponse, error) {
	out := new(CheckInsResponse)
	if err := c.invoke(ctx, ListActiveSessionsMethod, &GymRequest{GymID: gymID}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OccupancyQueryClient) ListCheckIns(ctx context.Context, req *ListCheckInsRequest, opts ...grpc.CallOption) (*CheckInsResponse, error) {
	out := new(CheckInsResponse)
	if err := c.invoke(ctx, ListCheckInsMethod, req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OccupancyQueryClient) ResolveAccess(ctx context.Context, req *ResolveAccessRequest, opts ...grpc.CallOption) (*access.Decision, error) {
	out := new(access.Decision)
	if err := c.invoke(ctx, ResolveAccessMethod, req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OccupancyQueryClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}
