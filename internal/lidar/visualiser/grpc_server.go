package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamPosesMethod is the full gRPC method name of the pose stream.
const StreamPosesMethod = "/lidarmap.PoseStream/StreamPoses"

// PoseStreamServer is the server API for the lidarmap.PoseStream service.
type PoseStreamServer interface {
	StreamPoses(*emptypb.Empty, grpc.ServerStream) error
}

// PoseStreamServiceDesc describes lidarmap.PoseStream. Messages are
// well-known protobuf types, so no generated code is needed on either side.
var PoseStreamServiceDesc = grpc.ServiceDesc{
	ServiceName: "lidarmap.PoseStream",
	HandlerType: (*PoseStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamPoses",
			Handler:       streamPosesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lidarmap/pose_stream",
}

func streamPosesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(emptypb.Empty)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(PoseStreamServer).StreamPoses(req, stream)
}

// RegisterPoseStreamServer registers srv with s.
func RegisterPoseStreamServer(s grpc.ServiceRegistrar, srv PoseStreamServer) {
	s.RegisterService(&PoseStreamServiceDesc, srv)
}

// Ensure Server implements the gRPC interface.
var _ PoseStreamServer = (*Server)(nil)

// Server implements the PoseStream service over a Publisher.
type Server struct {
	publisher *Publisher
}

// StreamPoses sends every update published after the client connects
// until the client goes away or the publisher stops.
func (s *Server) StreamPoses(_ *emptypb.Empty, stream grpc.ServerStream) error {
	client, err := s.publisher.addClient()
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.publisher.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.doneCh:
			return nil
		case u := <-client.ch:
			if err := stream.SendMsg(u.toStruct()); err != nil {
				logs.Diagf("client %d send error: %v", client.id, err)
				return err
			}
		}
	}
}

// PoseStreamClient receives pose updates from a server.
type PoseStreamClient struct {
	stream grpc.ClientStream
}

// StreamPoses opens the pose stream on conn.
func StreamPoses(ctx context.Context, conn grpc.ClientConnInterface) (*PoseStreamClient, error) {
	stream, err := conn.NewStream(ctx, &PoseStreamServiceDesc.Streams[0], StreamPosesMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &PoseStreamClient{stream: stream}, nil
}

// Recv blocks for the next update. It returns io.EOF when the server ends
// the stream.
func (c *PoseStreamClient) Recv() (PoseUpdate, error) {
	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		return PoseUpdate{}, err
	}
	return UpdateFromStruct(msg), nil
}
