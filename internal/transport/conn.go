// Package transport carries protocol frames over one long-lived,
// bidirectional gRPC stream per peer. Frames on a connection are delivered
// in send order; any stream error means the connection is gone.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/stealq/internal/protocol"
)

// ErrClosed is returned by Send and Recv after Close.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one peer connection. Send may be called from several goroutines;
// Recv must only be called from one.
type Conn interface {
	Send(f protocol.Frame) error
	Recv() (protocol.Frame, error)
	Close() error
	// Done is closed once Close has been called.
	Done() <-chan struct{}
	RemoteAddr() string
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

type streamConn struct {
	stream  grpcStream
	remote  string
	sendMu  sync.Mutex
	once    sync.Once
	done    chan struct{}
	cleanup func()
}

func newStreamConn(stream grpcStream, remote string, cleanup func()) *streamConn {
	return &streamConn{
		stream:  stream,
		remote:  remote,
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
}

func (c *streamConn) Send(f protocol.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.stream.SendMsg(&f)
}

func (c *streamConn) Recv() (protocol.Frame, error) {
	var f protocol.Frame
	if err := c.stream.RecvMsg(&f); err != nil {
		select {
		case <-c.done:
			return protocol.Frame{}, ErrClosed
		default:
		}
		return protocol.Frame{}, err
	}
	return f, nil
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return nil
}

func (c *streamConn) Done() <-chan struct{} { return c.done }

func (c *streamConn) RemoteAddr() string { return c.remote }
