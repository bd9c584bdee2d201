// Package proto defines the CrabDb gRPC service.
//
// Messages travel as msgpack rather than protobuf; both ends must select
// Codec (see ForceServerCodec and ForceCodec in the grpc package).
package proto

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "crabdb.CrabDb"

	WriteMethod = "/crabdb.CrabDb/Write"
	ReadMethod  = "/crabdb.CrabDb/Read"
)

// WriteRequest stores Data under Key.
type WriteRequest struct {
	Key  string `msgpack:"key"`
	Data []byte `msgpack:"data"`
}

// WriteResponse confirms a write.
type WriteResponse struct {
	Message string `msgpack:"message"`
}

// ReadRequest fetches the value stored under Key.
type ReadRequest struct {
	Key string `msgpack:"key"`
}

// ReadResponse carries the value; Found is false for a missing key.
type ReadResponse struct {
	Data  []byte `msgpack:"data"`
	Found bool   `msgpack:"found"`
}

// Codec marshals messages with msgpack.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (Codec) Name() string {
	return "msgpack"
}

func init() {
	encoding.RegisterCodec(Codec{})
}

// CrabDbServer is the server API for the CrabDb service.
type CrabDbServer interface {
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
}

// UnimplementedCrabDbServer can be embedded for forward compatibility.
type UnimplementedCrabDbServer struct{}

func (UnimplementedCrabDbServer) Write(context.Context, *WriteRequest) (*WriteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Write not implemented")
}

func (UnimplementedCrabDbServer) Read(context.Context, *ReadRequest) (*ReadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Read not implemented")
}

// RegisterCrabDbServer registers srv on s.
func RegisterCrabDbServer(s grpc.ServiceRegistrar, srv CrabDbServer) {
	s.RegisterService(&serviceDesc, srv)
}

func writeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CrabDbServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WriteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CrabDbServer).Write(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CrabDbServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReadMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CrabDbServer).Read(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CrabDbServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Read", Handler: readHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "crabdb.proto",
}

// CrabDbClient is the client API for the CrabDb service.
type CrabDbClient interface {
	Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error)
}

type crabDbClient struct {
	cc grpc.ClientConnInterface
}

// NewCrabDbClient returns a client that always selects Codec.
func NewCrabDbClient(cc grpc.ClientConnInterface) CrabDbClient {
	return &crabDbClient{cc: cc}
}

func (c *crabDbClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, WriteMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *crabDbClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	if err := c.cc.Invoke(ctx, ReadMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
