package db

import (
	"context"
	"errors"

	"gymflow/occupancy/internal/model"
)

// DomainError translates a storage error into the coded domain error surfaced to callers.
// Domain errors pass through unchanged; notFound is the message used for ErrNotFound.
func DomainError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var domainErr *model.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, ErrNotFound):
		return model.WrapError(model.CodeNotFound, notFound, err)
	case errors.Is(err, ErrDuplicateSession):
		return model.WrapError(model.CodeDuplicateSession, model.ErrDuplicateSession.Message, err)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateEvent):
		return model.WrapError(model.CodeConflict, "conflicting record", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return model.WrapError(model.CodeConnection, model.ErrConnection.Message, err)
	}
}
