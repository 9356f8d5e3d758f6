// ============================================================================
// MachaonWeb Worker Transport — service stubs
// ============================================================================
//
// Package: internal/transport/jobreceiver
// Purpose: Client and server stubs for the JobReceiver service, shaped the
// way protoc-gen-go-grpc output is shaped (a Client interface backed by
// grpc.ClientConnInterface.Invoke/NewStream, a Server interface, and a
// grpc.ServiceDesc used to register it) but hand-written against the plain
// structs in messages.go instead of generated code. See codec.go and
// DESIGN.md "Worker Transport".
//
// ============================================================================

package jobreceiver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "jobreceiver.JobReceiver"

// callOpts forces every RPC and stream on this service to negotiate the
// JSON codec instead of grpc's default protobuf codec.
var callOpts = []grpc.CallOption{grpc.CallContentSubtype(CodecName)}

// Client is the coordinator-side interface to a single worker node.
type Client interface {
	GetStatus(ctx context.Context, in *StatusRequest) (*ServerStatus, error)
	StartJob(ctx context.Context, in *JobRequest) (*JobStatus, error)
	DownloadResult(ctx context.Context, in *ResultRequest) (DownloadResultClient, error)
	Synchronize(ctx context.Context) (SynchronizeClient, error)
}

// DownloadResultClient streams JobResult messages from a worker.
type DownloadResultClient interface {
	Recv() (*JobResult, error)
}

// SynchronizeClient streams UncachedData messages to a worker and returns
// the final ServerStatus.
type SynchronizeClient interface {
	Send(*UncachedData) error
	CloseAndRecv() (*ServerStatus, error)
}

type client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established grpc connection (expected to be configured
// with mutual TLS transport credentials by the caller) as a JobReceiver
// client.
func NewClient(cc grpc.ClientConnInterface) Client {
	return &client{cc: cc}
}

func (c *client) GetStatus(ctx context.Context, in *StatusRequest) (*ServerStatus, error) {
	out := new(ServerStatus)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetStatus", in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) StartJob(ctx context.Context, in *JobRequest) (*JobStatus, error) {
	out := new(JobStatus)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/StartJob", in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) DownloadResult(ctx context.Context, in *ResultRequest) (DownloadResultClient, error) {
	desc := &grpc.StreamDesc{StreamName: "DownloadResult", ServerStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+serviceName+"/DownloadResult", callOpts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &downloadResultClient{stream}, nil
}

type downloadResultClient struct {
	grpc.ClientStream
}

func (x *downloadResultClient) Recv() (*JobResult, error) {
	m := new(JobResult)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *client) Synchronize(ctx context.Context) (SynchronizeClient, error) {
	desc := &grpc.StreamDesc{StreamName: "Synchronize", ClientStreams: true}
	stream, err := c.cc.NewStream(ctx, desc, "/"+serviceName+"/Synchronize", callOpts...)
	if err != nil {
		return nil, err
	}
	return &synchronizeClient{stream}, nil
}

type synchronizeClient struct {
	grpc.ClientStream
}

func (x *synchronizeClient) Send(m *UncachedData) error {
	return x.ClientStream.SendMsg(m)
}

func (x *synchronizeClient) CloseAndRecv() (*ServerStatus, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(ServerStatus)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Server is implemented by a worker node (out of scope — its internals are
// not ours per spec §1 — this interface exists so a fake worker can be
// stood up in tests of internal/transport).
type Server interface {
	GetStatus(context.Context, *StatusRequest) (*ServerStatus, error)
	StartJob(context.Context, *JobRequest) (*JobStatus, error)
	DownloadResult(*ResultRequest, DownloadResultServer) error
	Synchronize(SynchronizeServer) error
}

// DownloadResultServer streams JobResult messages to the coordinator.
type DownloadResultServer interface {
	Send(*JobResult) error
}

// SynchronizeServer receives UncachedData messages from the coordinator.
type SynchronizeServer interface {
	Recv() (*UncachedData, error)
	SendAndClose(*ServerStatus) error
}

// RegisterServer registers a Server implementation on a grpc.Server under
// the jobreceiver.JobReceiver service name.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(StatusRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(Server).GetStatus(ctx, in)
			},
		},
		{
			MethodName: "StartJob",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(JobRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(Server).StartJob(ctx, in)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "DownloadResult",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(ResultRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(Server).DownloadResult(in, &downloadResultServer{stream})
			},
		},
		{
			StreamName:    "Synchronize",
			ClientStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(Server).Synchronize(&synchronizeServer{stream})
			},
		},
	},
	Metadata: "jobreceiver.proto",
}

type downloadResultServer struct {
	grpc.ServerStream
}

func (x *downloadResultServer) Send(m *JobResult) error {
	return x.ServerStream.SendMsg(m)
}

type synchronizeServer struct {
	grpc.ServerStream
}

func (x *synchronizeServer) Recv() (*UncachedData, error) {
	m := new(UncachedData)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *synchronizeServer) SendAndClose(m *ServerStatus) error {
	return x.ServerStream.SendMsg(m)
}
