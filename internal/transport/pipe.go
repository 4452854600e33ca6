package transport

import (
	"io"
	"sync"

	"github.com/ChuLiYu/stealq/internal/protocol"
)

// Pipe returns two connected in-process Conns. Frames are encoded and
// decoded on the way through, so both ends see what a network peer would.
// Closing either end closes the pair.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 128)
	ba := make(chan []byte, 128)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeConn{in: ba, out: ab, state: shared, name: "pipe:a"},
		&pipeConn{in: ab, out: ba, state: shared, name: "pipe:b"}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
	name  string
}

func (p *pipeConn) Send(f protocol.Frame) error {
	b, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.state.done:
		return ErrClosed
	}
}

func (p *pipeConn) Recv() (protocol.Frame, error) {
	// drain frames sent before the close
	select {
	case b := <-p.in:
		return protocol.Decode(b)
	default:
	}
	select {
	case b := <-p.in:
		return protocol.Decode(b)
	case <-p.state.done:
		return protocol.Frame{}, io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

func (p *pipeConn) Done() <-chan struct{} { return p.state.done }

func (p *pipeConn) RemoteAddr() string { return p.name }
