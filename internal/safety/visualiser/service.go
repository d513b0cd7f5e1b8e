package visualiser

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dynsafety.Visualiser"

const streamStatesMethod = "/" + ServiceName + "/StreamStates"

// visualiserServer is the handler type of the service. Requests and
// responses are google.protobuf.Struct so no generated stubs are needed.
type visualiserServer interface {
	StreamStates(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*visualiserServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamStates",
		Handler:       streamStatesHandler,
		ServerStreams: true,
	}},
	Metadata: "dynsafety/visualiser",
}

func streamStatesHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(visualiserServer).StreamStates(req, stream)
}

// Register adds the visualiser service backed by p to s.
func Register(s *grpc.Server, p *Publisher) {
	s.RegisterService(&serviceDesc, p)
}

// StreamConn subscribes over an existing connection and calls fn for every
// message until ctx is done, the server ends the stream or fn fails.
func StreamConn(ctx context.Context, conn grpc.ClientConnInterface, client string, fn func(Message) error) error {
	cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamStatesMethod)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	req, err := structpb.NewStruct(map[string]any{"client": client})
	if err != nil {
		return err
	}
	if err := cs.SendMsg(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := cs.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		m, err := Decode(msg)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}

// Stream dials addr and streams messages to fn.
func Stream(ctx context.Context, addr, client string, fn func(Message) error) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	return StreamConn(ctx, conn, client, fn)
}
