package transport

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"

	"github.com/ChuLiYu/stealq/internal/protocol"
)

const (
	serviceName   = "stealq.v1.Broker"
	connectMethod = "/" + serviceName + "/Connect"
)

// Handler serves one accepted connection. The stream ends when ServeConn
// returns.
type Handler interface {
	ServeConn(conn Conn) error
}

// codec lets gRPC carry protocol frames without generated stubs.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*protocol.Frame)
	if !ok {
		return nil, fmt.Errorf("stealq codec: cannot marshal %T", v)
	}
	return protocol.Encode(*f)
}

func (codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*protocol.Frame)
	if !ok {
		return fmt.Errorf("stealq codec: cannot unmarshal into %T", v)
	}
	out, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	*f = out
	return nil
}

func (codec) Name() string { return "stealq" }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "stealq/v1/broker",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	remote := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote = p.Addr.String()
	}
	conn := newStreamConn(stream, remote, nil)
	defer conn.Close()
	return srv.(Handler).ServeConn(conn)
}

// Server accepts peer connections.
type Server struct {
	grpc *grpc.Server
}

// NewServer registers h on a new gRPC server.
func NewServer(h Handler, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(codec{})}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, h)
	return &Server{grpc: s}
}

// Serve blocks accepting connections on lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// Dial opens a connection to the coordinator at target. ctx bounds the
// lifetime of the connection, not just its establishment.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (Conn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], connectMethod, grpc.ForceCodec(codec{}))
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("open stream to %s: %w", target, err)
	}

	return newStreamConn(stream, target, func() {
		cancel()
		cc.Close()
	}), nil
}
