// Package grpcstore implements remote.Store over gRPC: a hand-written
// Associations service for the fingerprint index and the standard ByteStream
// service for blob transfer.
package grpcstore

import (
	"context"
	"errors"
	"io"
	"time"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/buildstash/stash/remote"
)

// Client implements remote.Store over a cache service connection.
type Client struct {
	cc         *grpc.ClientConn
	assoc      AssociationsClient
	blobs      bytestream.ByteStreamClient
	credential string

	// Timeout applies per unary RPC when non-zero. Streams are bounded
	// by the caller's context instead; a fixed timeout would cut off
	// large transfers.
	Timeout time.Duration
}

var _ remote.Store = (*Client)(nil)

type DialOptions struct {
	// Credential is sent as a bearer token with every RPC.
	Credential string

	// Timeout applies to the initial dial when non-zero, and becomes the
	// client's per-unary-RPC timeout.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(cc, opts.Credential, opts.Timeout), nil
}

// NewClient wraps an existing connection. Tests use this with bufconn.
func NewClient(cc *grpc.ClientConn, credential string, timeout time.Duration) *Client {
	return &Client{
		cc:         cc,
		assoc:      NewAssociationsClient(cc),
		blobs:      bytestream.NewByteStreamClient(cc),
		credential: credential,
		Timeout:    timeout,
	}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) LookupAssociation(ctx context.Context, fingerprint string) (remote.AssociationRecord, error) {
	ctx, cancel := c.unaryCtx(ctx)
	defer cancel()

	reply, err := c.assoc.Lookup(ctx, wrapperspb.String(fingerprint))
	if err != nil {
		return remote.AssociationRecord{}, mapRPC(err)
	}
	return recordFromStruct(reply)
}

func (c *Client) RegisterAssociation(ctx context.Context, record remote.AssociationRecord) (string, error) {
	ctx, cancel := c.unaryCtx(ctx)
	defer cancel()

	reply, err := c.assoc.Register(ctx, recordToStruct(record))
	if err != nil {
		return "", mapRPC(err)
	}
	return reply.GetValue(), nil
}

func (c *Client) OpenUploadStream(ctx context.Context) (remote.UploadStream, error) {
	stream, err := c.blobs.Write(c.authorized(ctx))
	if err != nil {
		return nil, mapRPC(err)
	}
	return &uploadStream{stream: stream}, nil
}

func (c *Client) OpenDownloadStream(ctx context.Context, resourceName string) (remote.DownloadStream, error) {
	ctx, cancel := context.WithCancel(c.authorized(ctx))
	stream, err := c.blobs.Read(ctx, &bytestream.ReadRequest{ResourceName: resourceName})
	if err != nil {
		cancel()
		return nil, mapRPC(err)
	}
	return &downloadStream{stream: stream, cancel: cancel}, nil
}

func (c *Client) authorized(ctx context.Context) context.Context {
	if c.credential == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.credential)
}

func (c *Client) unaryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = c.authorized(ctx)
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

type uploadStream struct {
	stream bytestream.ByteStream_WriteClient
}

func (s *uploadStream) Send(frame remote.WriteFrame) error {
	err := s.stream.Send(&bytestream.WriteRequest{
		ResourceName: frame.ResourceName,
		WriteOffset:  frame.WriteOffset,
		FinishWrite:  frame.FinishWrite,
		Data:         frame.Data,
	})
	if err != nil {
		// Send surfaces io.EOF once the server has closed the stream;
		// the real error comes from CloseAndRecv.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return mapRPC(err)
	}
	return nil
}

func (s *uploadStream) CloseAndRecv() (int64, error) {
	reply, err := s.stream.CloseAndRecv()
	if err != nil {
		return 0, mapRPC(err)
	}
	return reply.GetCommittedSize(), nil
}

type downloadStream struct {
	stream bytestream.ByteStream_ReadClient
	cancel context.CancelFunc
}

func (s *downloadStream) Next() ([]byte, error) {
	reply, err := s.stream.Recv()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, mapRPC(err)
	}
	return reply.GetData(), nil
}

func (s *downloadStream) Close() error {
	s.cancel()
	return nil
}
