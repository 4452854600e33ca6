package transport

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/stealq/internal/auth"
	"github.com/ChuLiYu/stealq/internal/protocol"
)

// ErrRejected is returned when the coordinator refuses a registration.
var ErrRejected = errors.New("registration rejected")

// Handshake registers on conn and answers an auth challenge if one is sent.
// It returns the coordinator's Welcome.
func Handshake(conn Conn, reg *protocol.Register, secret string) (*protocol.Welcome, error) {
	if reg.Version == 0 {
		reg.Version = protocol.Version
	}
	if err := conn.Send(protocol.Frame{Msg: reg}); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	for {
		f, err := conn.Recv()
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}
		switch m := f.Msg.(type) {
		case *protocol.AuthChallenge:
			if secret == "" {
				return nil, fmt.Errorf("%w: coordinator requires a shared secret", ErrRejected)
			}
			resp := &protocol.AuthResponse{Digest: auth.Digest(secret, m.Salt)}
			if err := conn.Send(protocol.Frame{Msg: resp}); err != nil {
				return nil, fmt.Errorf("send auth response: %w", err)
			}
		case *protocol.Welcome:
			return m, nil
		case *protocol.Response:
			return nil, fmt.Errorf("%w: %s", ErrRejected, m.Error)
		default:
			return nil, fmt.Errorf("%w: unexpected %s during handshake", protocol.ErrProtocol, f.Msg.Kind())
		}
	}
}
