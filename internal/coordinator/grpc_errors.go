package coordinator

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/orbital-training-coordinator/core"
	"github.com/signalsfoundry/orbital-training-coordinator/federated"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/config"
	"github.com/signalsfoundry/orbital-training-coordinator/kb"
)

// ToStatusError maps coordinator errors onto gRPC status codes for
// transport collaborators.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, core.ErrUnknownNode),
		errors.Is(err, core.ErrLinkNotFound),
		errors.Is(err, kb.ErrNodeNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, federated.ErrUnsupportedBits),
		errors.Is(err, federated.ErrInvalidRatio),
		errors.Is(err, federated.ErrSizeMismatch),
		errors.Is(err, config.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, federated.ErrNoPendingData),
		errors.Is(err, ErrNoPlan):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, kb.ErrNodeExists), errors.Is(err, core.ErrDuplicateNode):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
