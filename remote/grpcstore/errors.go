package grpcstore

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildstash/stash/remote"
)

func mapRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return remote.ErrNotFound
	case codes.InvalidArgument:
		// Server uses InvalidArgument for malformed resource names.
		return remote.ErrInvalidDigest
	case codes.DataLoss:
		// Server uses DataLoss when bytes do not match the declared digest.
		return remote.ErrDigestMismatch
	default:
		// Best-effort: if the server sent a known sentinel message, preserve it.
		switch st.Message() {
		case remote.ErrNotFound.Error():
			return remote.ErrNotFound
		case remote.ErrInvalidDigest.Error():
			return remote.ErrInvalidDigest
		case remote.ErrDigestMismatch.Error():
			return remote.ErrDigestMismatch
		default:
			return err
		}
	}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case remote.IsNotFound(err):
		return status.Error(codes.NotFound, remote.ErrNotFound.Error())
	case err == remote.ErrInvalidDigest:
		return status.Error(codes.InvalidArgument, err.Error())
	case err == remote.ErrDigestMismatch:
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
