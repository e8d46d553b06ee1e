package grpcstore

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/buildstash/stash/remote"
)

// AssociationsServer is the server API for the Associations gRPC service.
//
// We intentionally use protobuf well-known types so this package does not
// require a protoc/codegen toolchain. Lookup takes a fingerprint and returns
// the record as a Struct; Register takes a record Struct and returns the
// assigned id. Blob bytes travel on the separate ByteStream service.
//
// Proto definition: associations.proto.
type AssociationsServer interface {
	Lookup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
}

// UnimplementedAssociationsServer can be embedded to have forward compatible implementations.
type UnimplementedAssociationsServer struct{}

func (UnimplementedAssociationsServer) Lookup(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Lookup not implemented")
}
func (UnimplementedAssociationsServer) Register(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Register not implemented")
}

// RegisterAssociationsServer registers the Associations service on a gRPC server.
func RegisterAssociationsServer(s grpc.ServiceRegistrar, srv AssociationsServer) {
	s.RegisterService(&Associations_ServiceDesc, srv)
}

// AssociationsClient is the client API for the Associations gRPC service.
type AssociationsClient interface {
	Lookup(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	Register(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type associationsClient struct{ cc grpc.ClientConnInterface }

func NewAssociationsClient(cc grpc.ClientConnInterface) AssociationsClient {
	return &associationsClient{cc: cc}
}

func (c *associationsClient) Lookup(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, "/stash.remote.v1.Associations/Lookup", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *associationsClient) Register(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	err := c.cc.Invoke(ctx, "/stash.remote.v1.Associations/Register", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func _Associations_Lookup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssociationsServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stash.remote.v1.Associations/Lookup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AssociationsServer).Lookup(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Associations_Register_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AssociationsServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/stash.remote.v1.Associations/Register"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AssociationsServer).Register(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Associations_ServiceDesc is the grpc.ServiceDesc for Associations service.
var Associations_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "stash.remote.v1.Associations",
	HandlerType: (*AssociationsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Lookup", Handler: _Associations_Lookup_Handler},
		{MethodName: "Register", Handler: _Associations_Register_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "associations.proto",
}

// Struct field names of the wire form of an AssociationRecord. Size travels
// as a decimal string: Struct numbers are float64 and would lose precision
// above 2^53.
const (
	fieldID          = "id"
	fieldFingerprint = "fingerprint"
	fieldHash        = "hash"
	fieldSize        = "size"
	fieldPaths       = "paths"
)

func recordToStruct(r remote.AssociationRecord) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldID:          structpb.NewStringValue(r.ID),
		fieldFingerprint: structpb.NewStringValue(r.Fingerprint),
		fieldHash:        structpb.NewStringValue(r.Digest.Hash),
		fieldSize:        structpb.NewStringValue(strconv.FormatUint(r.Digest.SizeBytes, 10)),
		fieldPaths:       structpb.NewStringValue(r.Paths),
	}}
}

func recordFromStruct(s *structpb.Struct) (remote.AssociationRecord, error) {
	get := func(field string) string {
		return s.GetFields()[field].GetStringValue()
	}
	size, err := strconv.ParseUint(get(fieldSize), 10, 64)
	if err != nil {
		return remote.AssociationRecord{}, remote.ErrInvalidDigest
	}
	r := remote.AssociationRecord{
		ID:          get(fieldID),
		Fingerprint: get(fieldFingerprint),
		Digest:      remote.ContentDigest{Hash: get(fieldHash), SizeBytes: size},
		Paths:       get(fieldPaths),
	}
	if r.Fingerprint == "" || !r.Digest.Defined() {
		return remote.AssociationRecord{}, remote.ErrInvalidDigest
	}
	return r, nil
}
