package service

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"github.com/mmynk/tabsplit/internal/billedit"
	"github.com/mmynk/tabsplit/internal/collab"
	"github.com/mmynk/tabsplit/internal/extract"
	"github.com/mmynk/tabsplit/internal/storage"
)

var errInvalidOp = errors.New("invalid op")

// toConnectError maps domain errors onto Connect codes.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	var ve *billedit.ValidationError
	var xe *extract.Error
	switch {
	case errors.As(err, &ve):
		if ve.Kind == billedit.NotFound {
			return connect.NewError(connect.CodeNotFound, err)
		}
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.As(err, &xe):
		switch xe.Kind {
		case extract.Unauthenticated:
			return connect.NewError(connect.CodeUnauthenticated, err)
		case extract.InvalidImage:
			return connect.NewError(connect.CodeInvalidArgument, err)
		default:
			return connect.NewError(connect.CodeUnavailable, err)
		}
	case errors.Is(err, errInvalidOp):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, storage.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, collab.ErrInvalidShareCode), errors.Is(err, collab.ErrNotCreator):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, storage.ErrSessionEnded):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, storage.ErrConflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
