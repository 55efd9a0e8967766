package grpc

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gymflow/occupancy/internal/model"
)

const errorDomain = "gymflow.occupancy"

// statusError converts domain errors to a gRPC status carrying an ErrorInfo whose
// reason is the domain code.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *model.Error
	switch {
	case errors.As(err, &domainErr):
		st := status.New(domainErr.Code.GRPCCode(), domainErr.Message)
		detailed, detailErr := st.WithDetails(&errdetails.ErrorInfo{
			Reason: string(domainErr.Code),
			Domain: errorDomain,
		})
		if detailErr != nil {
			return st.Err()
		}
		return detailed.Err()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// ReasonOf extracts the domain code from a status error, if any.
func ReasonOf(err error) model.Code {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			return model.Code(info.GetReason())
		}
	}
	return ""
}
