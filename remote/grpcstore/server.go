package grpcstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/buildstash/stash/remote"
)

// Backend is the storage a Server serves from. Implementations must return
// remote.ErrNotFound for absent fingerprints and blobs.
type Backend interface {
	Association(fingerprint string) (remote.AssociationRecord, error)
	SaveAssociation(record remote.AssociationRecord) (string, error)
	Blob(d remote.ContentDigest) ([]byte, error)
	SaveBlob(d remote.ContentDigest, data []byte) error
	HasBlob(d remote.ContentDigest) bool
}

// Server exposes a Backend over the Associations and ByteStream services.
// It is the reference service implementation the client is tested against.
type Server struct {
	UnimplementedAssociationsServer
	bytestream.UnimplementedByteStreamServer

	Backend Backend

	// Token, when non-empty, is the bearer token every RPC must present.
	Token string

	// ChunkBytes bounds Read response sizes. Zero means 64 KiB.
	ChunkBytes int
}

// RegisterServer registers both services on a gRPC server.
func RegisterServer(g grpc.ServiceRegistrar, srv *Server) {
	RegisterAssociationsServer(g, srv)
	bytestream.RegisterByteStreamServer(g.(*grpc.Server), srv)
}

func (s *Server) Lookup(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing backend")
	}
	record, err := s.Backend.Association(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	return recordToStruct(record), nil
}

func (s *Server) Register(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing backend")
	}
	record, err := recordFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, remote.ErrInvalidDigest.Error())
	}
	id, err := s.Backend.SaveAssociation(record)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.String(id), nil
}

func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	if err := s.authorize(stream.Context()); err != nil {
		return err
	}
	if s.Backend == nil {
		return status.Error(codes.FailedPrecondition, "missing backend")
	}

	var (
		resource string
		declared remote.ContentDigest
		buf      bytes.Buffer
		hasher   = sha256.New()
		finished bool
	)
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if finished {
			return status.Error(codes.InvalidArgument, "frame after finish_write")
		}
		if resource == "" {
			session, d, perr := remote.ParseResource(req.GetResourceName())
			if perr != nil || session == "" {
				return status.Error(codes.InvalidArgument, remote.ErrInvalidDigest.Error())
			}
			resource, declared = req.GetResourceName(), d
		} else if req.GetResourceName() != "" && req.GetResourceName() != resource {
			return status.Error(codes.InvalidArgument, "resource name changed mid-stream")
		}
		if req.GetWriteOffset() != int64(buf.Len()) {
			return status.Error(codes.InvalidArgument, "non-contiguous write offset")
		}
		buf.Write(req.GetData())
		hasher.Write(req.GetData())
		if req.GetFinishWrite() {
			finished = true
		}
	}
	if resource == "" {
		return status.Error(codes.InvalidArgument, "empty write stream")
	}
	if !finished {
		// Abandoned upload: report progress, persist nothing.
		return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(buf.Len())})
	}

	got := remote.ContentDigest{
		Hash:      hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes: uint64(buf.Len()),
	}
	if got != declared {
		return status.Error(codes.DataLoss, remote.ErrDigestMismatch.Error())
	}
	if err := s.Backend.SaveBlob(declared, buf.Bytes()); err != nil {
		return mapErr(err)
	}
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(buf.Len())})
}

func (s *Server) Read(req *bytestream.ReadRequest, stream bytestream.ByteStream_ReadServer) error {
	if err := s.authorize(stream.Context()); err != nil {
		return err
	}
	if s.Backend == nil {
		return status.Error(codes.FailedPrecondition, "missing backend")
	}

	session, d, err := remote.ParseResource(req.GetResourceName())
	if err != nil || session != "" {
		return status.Error(codes.InvalidArgument, remote.ErrInvalidDigest.Error())
	}
	data, err := s.Backend.Blob(d)
	if err != nil {
		return mapErr(err)
	}

	offset := req.GetReadOffset()
	if offset < 0 || offset > int64(len(data)) {
		return status.Error(codes.OutOfRange, "read offset beyond blob")
	}
	data = data[offset:]
	if limit := req.GetReadLimit(); limit > 0 && limit < int64(len(data)) {
		data = data[:limit]
	}

	chunk := s.ChunkBytes
	if chunk <= 0 {
		chunk = 64 * 1024
	}
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		if err := stream.Send(&bytestream.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (s *Server) QueryWriteStatus(ctx context.Context, req *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing backend")
	}
	// Writes commit atomically on finish_write, so a resource is either
	// fully committed or unknown.
	_, d, err := remote.ParseResource(req.GetResourceName())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, remote.ErrInvalidDigest.Error())
	}
	if !s.Backend.HasBlob(d) {
		return nil, status.Error(codes.NotFound, remote.ErrNotFound.Error())
	}
	return &bytestream.QueryWriteStatusResponse{
		CommittedSize: int64(d.SizeBytes),
		Complete:      true,
	}, nil
}

func (s *Server) authorize(ctx context.Context) error {
	if s.Token == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, v := range md.Get("authorization") {
		if v == "Bearer "+s.Token {
			return nil
		}
	}
	return status.Error(codes.Unauthenticated, "missing or invalid credential")
}
