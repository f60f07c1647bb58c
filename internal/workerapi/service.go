// Package workerapi declares the gRPC stream workers attach to the master
// over. Messages are structpb envelopes carrying the JSON shape of the
// protocol message types.
package workerapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName      = "buildmaster.WorkerService"
	FullMethodAttach = "/" + ServiceName + "/Attach"
)

// AttachServer is the master side of one worker stream.
type AttachServer = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// AttachClient is the worker side of the stream.
type AttachClient = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

type WorkerServiceServer interface {
	Attach(AttachServer) error
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServiceServer).Attach(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Attach",
			Handler:       attachHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "buildmaster/worker.proto",
}

func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Attach opens the worker stream on cc.
func Attach(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (AttachClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], FullMethodAttach, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
