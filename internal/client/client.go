// Package client talks to a stealq coordinator on behalf of users: it
// submits jobs, queries the queue and workers, and follows a job's status
// and output until it ends.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/stealq/internal/protocol"
	"github.com/ChuLiYu/stealq/internal/transport"
	"github.com/ChuLiYu/stealq/pkg/types"
)

var (
	// ErrClosed is returned once the connection to the coordinator is gone.
	ErrClosed = errors.New("client: connection closed")
	// ErrRequestFailed wraps errors reported by the coordinator.
	ErrRequestFailed = errors.New("request failed")
	// ErrWorkerNotFound is returned by Worker for an unknown id.
	ErrWorkerNotFound = errors.New("worker not found")
)

// updateBuffer is the per-subscription queue of status and output updates.
const updateBuffer = 256

// Options configures a Client.
type Options struct {
	Secret      string
	Logger      *slog.Logger
	DialOptions []grpc.DialOption
}

// Client is a connection to the coordinator. Methods are safe for
// concurrent use.
type Client struct {
	conn transport.Conn
	id   string
	log  *slog.Logger

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]*call
	watchers map[types.JobID]map[chan protocol.Message]struct{}
	err      error

	done chan struct{}
}

// Dial connects to the coordinator at addr. ctx bounds the whole lifetime
// of the connection.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, opts.DialOptions...)
	if err != nil {
		return nil, err
	}
	c, err := New(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New registers as a client on an established connection.
func New(conn transport.Conn, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	welcome, err := transport.Handshake(conn, &protocol.Register{Role: protocol.RoleClient, Name: "cli"}, opts.Secret)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		id:       welcome.ID,
		log:      logger.With("component", "client", "session", welcome.ID),
		pending:  make(map[uint64]*call),
		watchers: make(map[types.JobID]map[chan protocol.Message]struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID is the session id the coordinator assigned.
func (c *Client) ID() string { return c.id }

// Close says goodbye and closes the connection.
func (c *Client) Close() error {
	c.conn.Send(protocol.Frame{Msg: &protocol.Disconnect{Reason: "client closing"}})
	return c.conn.Close()
}

// ============================================================================
// Requests
// ============================================================================

// Submit enqueues a job and returns its id.
func (c *Client) Submit(ctx context.Context, spec types.JobSpec) (types.JobID, error) {
	reply, err := c.request(ctx, &protocol.SubmitJob{Spec: spec})
	if err != nil {
		return 0, err
	}
	accepted, ok := reply.(*protocol.JobAccepted)
	if !ok {
		return 0, unexpected(reply)
	}
	return accepted.JobID, nil
}

// Show returns a job, including archived ones.
func (c *Client) Show(ctx context.Context, id types.JobID) (*types.Job, error) {
	reply, err := c.request(ctx, &protocol.ShowJob{JobID: id})
	if err != nil {
		return nil, err
	}
	return jobOf(reply)
}

// List returns in-memory jobs ordered by id. An empty statuses slice
// matches every status; limit <= 0 means no limit.
func (c *Client) List(ctx context.Context, statuses []types.JobStatus, limit int) ([]*types.Job, error) {
	reply, err := c.request(ctx, &protocol.ListJobs{Statuses: statuses, Limit: limit})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(*protocol.JobList)
	if !ok {
		return nil, unexpected(reply)
	}
	return list.Jobs, nil
}

// Workers lists registered workers ordered by id.
func (c *Client) Workers(ctx context.Context) ([]types.WorkerInfo, error) {
	reply, err := c.request(ctx, &protocol.ListWorkers{})
	if err != nil {
		return nil, err
	}
	list, ok := reply.(*protocol.WorkerList)
	if !ok {
		return nil, unexpected(reply)
	}
	return list.Workers, nil
}

// Worker returns a single registered worker.
func (c *Client) Worker(ctx context.Context, id string) (types.WorkerInfo, error) {
	workers, err := c.Workers(ctx)
	if err != nil {
		return types.WorkerInfo{}, err
	}
	for _, w := range workers {
		if w.ID == id {
			return w, nil
		}
	}
	return types.WorkerInfo{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
}

// Cancel withdraws a job that has not ended yet.
func (c *Client) Cancel(ctx context.Context, id types.JobID, reason string) error {
	_, err := c.ack(ctx, &protocol.CancelJob{JobID: id, Reason: reason})
	return err
}

// Remove archives a terminal job. With kill set, an active job is
// cancelled first.
func (c *Client) Remove(ctx context.Context, id types.JobID, kill bool) error {
	_, err := c.ack(ctx, &protocol.RemoveJob{JobID: id, Kill: kill})
	return err
}

// Clean archives every terminal job and returns how many were removed.
func (c *Client) Clean(ctx context.Context) (int, error) {
	return c.ack(ctx, &protocol.CleanJobs{})
}

// ============================================================================
// Following jobs
// ============================================================================

// Wait blocks until the job is terminal and returns its final record.
func (c *Client) Wait(ctx context.Context, id types.JobID) (*types.Job, error) {
	return c.follow(ctx, id, nil)
}

// Tail copies the job's live output to stdout and stderr until the job
// ends. Output produced before Tail subscribed is not replayed; for a job
// that already ended the captured output from its result is written.
func (c *Client) Tail(ctx context.Context, id types.JobID, stdout, stderr io.Writer) (*types.Job, error) {
	return c.follow(ctx, id, &sink{stdout: stdout, stderr: stderr})
}

// sink receives a followed job's output. Nil writers discard.
type sink struct {
	stdout, stderr io.Writer
}

func (s *sink) write(stream protocol.Stream, data []byte) error {
	w := s.stdout
	if stream == protocol.StreamStderr {
		w = s.stderr
	}
	if w == nil || len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// Run submits spec and follows it like Tail until it ends. The
// subscription is made together with the submission, so no status change
// or output is missed.
func (c *Client) Run(ctx context.Context, spec types.JobSpec, stdout, stderr io.Writer) (types.JobID, *types.Job, error) {
	updates := make(chan protocol.Message, updateBuffer)
	var id types.JobID

	// runs on the read goroutine before any later frame is routed
	hook := func(m protocol.Message) {
		if accepted, ok := m.(*protocol.JobAccepted); ok {
			id = accepted.JobID
			c.addWatcher(id, updates)
		}
	}
	reply, err := c.call(ctx, &protocol.SubmitJob{Spec: spec, Observe: true}, hook)
	if err != nil {
		return 0, nil, err
	}
	if _, ok := reply.(*protocol.JobAccepted); !ok {
		return 0, nil, unexpected(reply)
	}
	defer c.unwatch(id, updates)

	job, err := c.consume(ctx, updates, &sink{stdout: stdout, stderr: stderr})
	return id, job, err
}

// follow subscribes to id and consumes updates until a terminal status.
// With out set, output chunks are requested and written to it.
func (c *Client) follow(ctx context.Context, id types.JobID, out *sink) (*types.Job, error) {
	updates := make(chan protocol.Message, updateBuffer)
	c.addWatcher(id, updates)
	defer c.unwatch(id, updates)

	reply, err := c.request(ctx, &protocol.ObserveJob{JobID: id, Output: out != nil})
	if err != nil {
		return nil, err
	}
	job, err := jobOf(reply)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		if out != nil && job.Result != nil {
			if err := out.write(protocol.StreamStdout, job.Result.Stdout); err != nil {
				return job, err
			}
			if err := out.write(protocol.StreamStderr, job.Result.Stderr); err != nil {
				return job, err
			}
		}
		return job, nil
	}
	return c.consume(ctx, updates, out)
}

// consume reads updates until a terminal JobStatus arrives.
func (c *Client) consume(ctx context.Context, updates <-chan protocol.Message, out *sink) (*types.Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.closedErr()
		case msg := <-updates:
			switch m := msg.(type) {
			case *protocol.JobStatus:
				if m.Job.Status.IsTerminal() {
					return m.Job, nil
				}
			case *protocol.JobOutput:
				if out != nil {
					if err := out.write(m.Stream, m.Data); err != nil {
						return nil, err
					}
				}
			}
		}
	}
}

func (c *Client) addWatcher(id types.JobID, ch chan protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.watchers[id]
	if !ok {
		set = make(map[chan protocol.Message]struct{})
		c.watchers[id] = set
	}
	set[ch] = struct{}{}
}

func (c *Client) unwatch(id types.JobID, ch chan protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers[id], ch)
	if len(c.watchers[id]) == 0 {
		delete(c.watchers, id)
	}
}

// ============================================================================
// Plumbing
// ============================================================================

// call is an outstanding request. hook, when set, runs on the read
// goroutine with the reply before the next frame is processed.
type call struct {
	reply chan protocol.Message
	hook  func(protocol.Message)
}

// request sends msg with a fresh sequence number and waits for the reply
// carrying the same number.
func (c *Client) request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	return c.call(ctx, msg, nil)
}

func (c *Client) call(ctx context.Context, msg protocol.Message, hook func(protocol.Message)) (protocol.Message, error) {
	pc := &call{reply: make(chan protocol.Message, 1), hook: hook}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.seq++
	seq := c.seq
	c.pending[seq] = pc
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(protocol.Frame{Seq: seq, Msg: msg}); err != nil {
		return nil, fmt.Errorf("send %s: %w", msg.Kind(), err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	case m := <-pc.reply:
		if resp, ok := m.(*protocol.Response); ok && resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error)
		}
		return m, nil
	}
}

// ack sends a request answered by a generic Response and returns its count.
func (c *Client) ack(ctx context.Context, msg protocol.Message) (int, error) {
	reply, err := c.request(ctx, msg)
	if err != nil {
		return 0, err
	}
	resp, ok := reply.(*protocol.Response)
	if !ok {
		return 0, unexpected(reply)
	}
	return resp.Count, nil
}

func (c *Client) readLoop() {
	for {
		f, err := c.conn.Recv()
		if err != nil {
			c.fail(err)
			return
		}
		if f.Seq != 0 {
			c.mu.Lock()
			pc, ok := c.pending[f.Seq]
			c.mu.Unlock()
			if ok {
				if pc.hook != nil {
					pc.hook(f.Msg)
				}
				pc.reply <- f.Msg
			}
			continue
		}

		switch m := f.Msg.(type) {
		case *protocol.JobStatus:
			c.route(m.Job.ID, m)
		case *protocol.JobOutput:
			c.route(m.JobID, m)
		case *protocol.Disconnect:
			c.log.Info("Coordinator closed the session", "reason", m.Reason)
		default:
			c.log.Debug("Ignoring unsolicited message", "kind", f.Msg.Kind())
		}
	}
}

func (c *Client) route(id types.JobID, msg protocol.Message) {
	c.mu.Lock()
	chans := make([]chan protocol.Message, 0, len(c.watchers[id]))
	for ch := range c.watchers[id] {
		chans = append(chans, ch)
	}
	c.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
		}
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func jobOf(reply protocol.Message) (*types.Job, error) {
	status, ok := reply.(*protocol.JobStatus)
	if !ok || status.Job == nil {
		return nil, unexpected(reply)
	}
	return status.Job, nil
}

func unexpected(m protocol.Message) error {
	return fmt.Errorf("%w: unexpected reply %s", protocol.ErrProtocol, m.Kind())
}
