package coordinator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ChuLiYu/stealq/internal/auth"
	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/internal/registry"
	"github.com/ChuLiYu/stealq/internal/transport"
)

var (
	// errGoodbye ends a session after a Disconnect message.
	errGoodbye = errors.New("peer disconnected")
	// errSlowPeer means a peer let its send queue fill up.
	errSlowPeer = errors.New("send queue full")
)

// sendQueueSize 每條連線的待送訊息上限
const sendQueueSize = 256

// session 一條已完成握手的連線
//
// 送往 session 的訊息只進入 queue，由 writeLoop 依序送出；任何 handler 都不會
// 因為另一條連線送不出去而阻塞。
type session struct {
	id    string // worker: registry id；client: 隨機 id
	role  protocol.Role
	conn  transport.Conn
	queue chan protocol.Frame
}

func newSession(conn transport.Conn, role protocol.Role) *session {
	return &session{role: role, conn: conn, queue: make(chan protocol.Frame, sendQueueSize)}
}

// enqueue 不阻塞；佇列已滿時斷開這條連線並回傳 errSlowPeer
func (s *session) enqueue(f protocol.Frame) error {
	select {
	case <-s.conn.Done():
		return transport.ErrClosed
	default:
	}
	select {
	case s.queue <- f:
		return nil
	default:
		s.conn.Close()
		return errSlowPeer
	}
}

// writeLoop 送出佇列中的訊息，直到連線關閉
func (s *session) writeLoop(log *slog.Logger) {
	for {
		select {
		case f := <-s.queue:
			if err := s.conn.Send(f); err != nil {
				log.Debug("Send failed, closing connection", "session", s.id, "kind", f.Msg.Kind(), "error", err)
				s.conn.Close()
				return
			}
		case <-s.conn.Done():
			return
		}
	}
}

// outbound 在鎖內產生、鎖外交給各 session 的訊息
type outbound struct {
	to    *session
	frame protocol.Frame
	close bool
}

type outbox []outbound

func (o *outbox) send(s *session, seq uint64, msg protocol.Message) {
	if s == nil {
		return
	}
	*o = append(*o, outbound{to: s, frame: protocol.Frame{Seq: seq, Msg: msg}})
}

func (o *outbox) closeConn(s *session) {
	*o = append(*o, outbound{to: s, close: true})
}

// flush 把訊息放進各 session 的佇列，不會阻塞；呼叫方不可持有 c.mu
func (o outbox) flush(log *slog.Logger) {
	for _, m := range o {
		if m.close {
			m.to.conn.Close()
			continue
		}
		err := m.to.enqueue(m.frame)
		switch {
		case errors.Is(err, errSlowPeer):
			log.Warn("Peer not reading, connection dropped",
				"session", m.to.id,
				"role", m.to.role,
				"kind", m.frame.Msg.Kind(),
				"remote", m.to.conn.RemoteAddr())
		case err != nil:
			log.Debug("Dropped outgoing message", "session", m.to.id, "kind", m.frame.Msg.Kind(), "error", err)
		}
	}
}

// ============================================================================
// 連線處理
// ============================================================================

// ServeConn 處理一條連線直到對方離線、協定錯誤或 coordinator 停止
//
// 實作 transport.Handler。
func (c *Coordinator) ServeConn(conn transport.Conn) error {
	s, err := c.accept(conn)
	if err != nil {
		c.log.Info("Rejected connection", "remote", conn.RemoteAddr(), "error", err)
		return err
	}
	defer c.closeSession(s)
	go s.writeLoop(c.log)

	frames := make(chan protocol.Frame)
	errc := make(chan error, 1)
	go func() {
		for {
			f, err := conn.Recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		select {
		case f := <-frames:
			if err := c.handle(s, f); err != nil {
				if errors.Is(err, errGoodbye) {
					return nil
				}
				c.log.Warn("Dropping connection", "session", s.id, "role", s.role, "error", err)
				return err
			}
		case err := <-errc:
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			c.log.Info("Connection lost", "session", s.id, "role", s.role, "error", err)
			return err
		case <-conn.Done():
			return nil
		case <-c.stopCh:
			return nil
		}
	}
}

// accept 執行握手：Register →（AuthChallenge → AuthResponse）→ Welcome
func (c *Coordinator) accept(conn transport.Conn) (*session, error) {
	f, err := conn.Recv()
	if err != nil {
		return nil, err
	}
	reg, ok := f.Msg.(*protocol.Register)
	if !ok {
		reject(conn, "expected register")
		return nil, fmt.Errorf("%w: first message was %s", protocol.ErrProtocol, f.Msg.Kind())
	}
	if reg.Version != protocol.Version {
		reject(conn, fmt.Sprintf("unsupported protocol version %d", reg.Version))
		return nil, fmt.Errorf("%w: version %d", protocol.ErrProtocol, reg.Version)
	}

	if c.cfg.SharedSecret != "" {
		if err := c.challenge(conn); err != nil {
			reject(conn, "authentication failed")
			return nil, err
		}
	}

	s := newSession(conn, reg.Role)
	welcome := &protocol.Welcome{HeartbeatInterval: c.cfg.HeartbeatInterval}

	switch reg.Role {
	case protocol.RoleWorker:
		c.mu.Lock()
		info, err := c.workers.Register(registry.Handshake{
			Name:     reg.Name,
			Hostname: reg.Hostname,
			Capacity: reg.Capacity,
			Parallel: reg.Parallel,
		})
		c.mu.Unlock()
		if err != nil {
			reject(conn, err.Error())
			return nil, err
		}
		s.id = info.ID
		welcome.ID = info.ID
		welcome.Renamed = reg.Name != "" && info.ID != reg.Name
		c.log.Info("Worker registered",
			"worker", info.ID,
			"hostname", info.Hostname,
			"capacity", info.Capacity,
			"parallel", info.Parallel,
			"remote", conn.RemoteAddr())
	case protocol.RoleClient:
		s.id = "client-" + uuid.NewString()[:8]
		welcome.ID = s.id
		c.log.Debug("Client connected", "session", s.id, "remote", conn.RemoteAddr())
	default:
		reject(conn, fmt.Sprintf("unknown role %q", reg.Role))
		return nil, fmt.Errorf("%w: role %q", protocol.ErrProtocol, reg.Role)
	}

	// Welcome 必須是握手後的第一則訊息，因此 session 在送出後才對廣播可見
	if err := conn.Send(protocol.Frame{Msg: welcome}); err != nil {
		c.mu.Lock()
		if s.role == protocol.RoleWorker {
			c.workers.Evict(s.id)
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.sessions[s.id] = s
	c.metrics.UpdateQueueStats(c.jobs.Stats(), c.workers.Len())
	c.mu.Unlock()
	return s, nil
}

func (c *Coordinator) challenge(conn transport.Conn) error {
	salt := auth.NewSalt()
	if err := conn.Send(protocol.Frame{Msg: &protocol.AuthChallenge{Salt: salt}}); err != nil {
		return err
	}
	f, err := conn.Recv()
	if err != nil {
		return err
	}
	resp, ok := f.Msg.(*protocol.AuthResponse)
	if !ok {
		return fmt.Errorf("%w: expected auth response, got %s", protocol.ErrProtocol, f.Msg.Kind())
	}
	return auth.Verify(c.cfg.SharedSecret, salt, resp.Digest)
}

func reject(conn transport.Conn, reason string) {
	conn.Send(protocol.Frame{Msg: &protocol.Response{Error: reason}})
}

// closeSession 連線結束：worker 走驅逐流程，client 取消所有訂閱
func (c *Coordinator) closeSession(s *session) {
	var out outbox
	c.mu.Lock()
	if cur, ok := c.sessions[s.id]; ok && cur == s {
		if s.role == protocol.RoleWorker {
			c.evictLocked(s.id, "connection lost", &out)
		}
		delete(c.sessions, s.id)
		c.unwatchAllLocked(s.id)
	}
	c.mu.Unlock()
	out.flush(c.log)
	s.conn.Close()
}

// handle 在鎖內路由一則訊息，鎖外送出回覆
//
// handler panic 只會斷開這條連線。
func (c *Coordinator) handle(s *session, f protocol.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", f.Msg.Kind(), r)
		}
	}()

	var out outbox
	func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		err = c.route(s, f, &out)
	}()
	switch f.Msg.Kind() {
	case protocol.KindRemoveJob, protocol.KindCleanJobs:
		c.flushArchive()
	}
	out.flush(c.log)
	return err
}

// route 依訊息種類分派；呼叫方持有 c.mu
func (c *Coordinator) route(s *session, f protocol.Frame, out *outbox) error {
	if !allowed(s.role, f.Msg.Kind()) {
		return fmt.Errorf("%w: %s not allowed for %s", protocol.ErrProtocol, f.Msg.Kind(), s.role)
	}

	switch m := f.Msg.(type) {
	// worker → coordinator
	case *protocol.Heartbeat:
		return c.handleHeartbeat(s, m)
	case *protocol.RequestWork:
		c.dispatchLocked(s, out)
	case *protocol.AcceptJob:
		c.handleAccept(s, m, out)
	case *protocol.DeclineJob:
		c.handleDecline(s, m, out)
	case *protocol.JobOutput:
		c.handleOutput(s, m, out)
	case *protocol.JobResult:
		c.handleResult(s, m, out)

	// client → coordinator
	case *protocol.SubmitJob:
		c.handleSubmit(s, f.Seq, m, out)
	case *protocol.CancelJob:
		c.handleCancel(s, f.Seq, m, out)
	case *protocol.ListJobs:
		c.handleList(s, f.Seq, m, out)
	case *protocol.ShowJob:
		c.handleShow(s, f.Seq, m, out)
	case *protocol.ObserveJob:
		c.handleObserve(s, f.Seq, m, out)
	case *protocol.RemoveJob:
		c.handleRemove(s, f.Seq, m, out)
	case *protocol.CleanJobs:
		c.handleClean(s, f.Seq, out)
	case *protocol.ListWorkers:
		out.send(s, f.Seq, &protocol.WorkerList{Workers: c.workers.List()})

	case *protocol.Disconnect:
		c.log.Info("Peer disconnecting", "session", s.id, "reason", m.Reason)
		return errGoodbye
	case *protocol.Unknown:
		c.log.Warn("Ignoring unknown message kind", "session", s.id, "kind", uint64(m.Code))
	default:
		return fmt.Errorf("%w: unexpected %s", protocol.ErrProtocol, f.Msg.Kind())
	}
	return nil
}

// allowed 檢查訊息方向
func allowed(role protocol.Role, k protocol.Kind) bool {
	switch k {
	case protocol.KindHeartbeat, protocol.KindRequestWork, protocol.KindAcceptJob,
		protocol.KindDeclineJob, protocol.KindJobOutput, protocol.KindJobResult:
		return role == protocol.RoleWorker
	case protocol.KindSubmitJob, protocol.KindCancelJob, protocol.KindListJobs,
		protocol.KindShowJob, protocol.KindObserveJob, protocol.KindRemoveJob,
		protocol.KindCleanJobs, protocol.KindListWorkers:
		return role == protocol.RoleClient
	}
	return true
}
