package agentwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// ErrConnClosed is returned by write operations after the socket transport has
// shut down.
var ErrConnClosed = errors.New("socket transport is closed")

// Conn is a single full-duplex connection carrying one complete frame per message.
// ReadMessage is called only from the transport's read loop, and WriteMessage only
// from its write loop, so implementations need not be safe for concurrent use.
type Conn interface {
	// ReadMessage returns the next complete inbound frame, or io.EOF when the
	// connection is cleanly closed.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one complete frame.
	WriteMessage(p []byte) error

	// Close releases the connection. Pending reads must unblock.
	Close() error
}

// SocketTransport is the frontend-facing transport over one full-duplex socket. A
// single read loop classifies inbound frames into the logical channel; each
// materialized Request carries Progress and Respond operations that write back to
// the same socket tagged with the request's id.
//
// Instances are created with DialSocket or NewSocketTransport and must be released
// with Close.
type SocketTransport struct {
	conn   Conn
	logger *slog.Logger

	ch     *Channel
	writes chan socketWrite
	done   chan struct{}
	group  *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

type socketWrite struct {
	frame []byte
	errs  chan error
}

// SocketOption configures a SocketTransport.
type SocketOption func(*SocketTransport)

// WithSocketLogger sets the logger for the transport.
func WithSocketLogger(logger *slog.Logger) SocketOption {
	return func(t *SocketTransport) {
		t.logger = logger
	}
}

// DialSocket opens a websocket connection to socketURL and starts a transport on
// it. Construction fails with a connection error if the socket cannot be opened.
func DialSocket(ctx context.Context, socketURL string, options ...SocketOption) (*SocketTransport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial socket: %w", err)
	}
	return NewSocketTransport(wsConn{ws: ws}, options...), nil
}

// NewSocketTransport starts a transport on an already-open connection. The raw
// NDJSON framing over any io.ReadWriteCloser is available through NewStreamConn.
func NewSocketTransport(conn Conn, options ...SocketOption) *SocketTransport {
	t := &SocketTransport{
		conn:   conn,
		logger: slog.Default(),
		ch:     NewChannel(),
		writes: make(chan socketWrite),
		done:   make(chan struct{}),
		group:  new(errgroup.Group),
	}
	for _, opt := range options {
		opt(t)
	}

	t.group.Go(t.readFrames)
	t.group.Go(t.processWrites)

	return t
}

// Messages returns the iterator over incoming requests, in arrival order. The
// iterator terminates when the socket closes.
func (t *SocketTransport) Messages() (iter.Seq[Message], error) {
	return t.ch.Subscribe()
}

// Close shuts the socket down, stops both loops, and closes the logical channel.
// Safe to call more than once.
func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
		_ = t.group.Wait()
	})
	return t.closeErr
}

func (t *SocketTransport) readFrames() error {
	defer func() {
		t.ch.Close()
		close(t.done)
	}()

	for {
		frame, err := t.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("socket read ended", "err", err)
			}
			return nil
		}
		t.routeFrame(frame)
	}
}

func (t *SocketTransport) routeFrame(frame []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.logger.Debug("dropping malformed frame", "err", err)
		return
	}

	if env.Type != envelopeRequest {
		// On this socket the frontend is only ever the request receiver; progress
		// and response frames have no consumer here.
		t.logger.Debug("dropping unhandled frame", slog.String("type", env.Type))
		return
	}

	var req Request
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.ID == "" {
		t.logger.Debug("dropping malformed request frame")
		return
	}
	req.transport = t

	if err := t.ch.Send(&req); err != nil {
		t.logger.Warn("channel closed while routing request", slog.String("id", req.ID))
	}
}

func (t *SocketTransport) processWrites() error {
	for {
		select {
		case <-t.done:
			return nil
		case w := <-t.writes:
			w.errs <- t.conn.WriteMessage(w.frame)
		}
	}
}

// write serializes an envelope onto the socket through the write queue, so frames
// from concurrent callers never interleave.
func (t *SocketTransport) write(ctx context.Context, env wireEnvelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	w := socketWrite{frame: frame, errs: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrConnClosed
	case t.writes <- w:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrConnClosed
	case err := <-w.errs:
		return err
	}
}

// Progress writes a progress envelope tagged with the request's id back to the
// socket the request arrived on. Progress is advisory and may be sent any number
// of times before Respond.
func (r *Request) Progress(ctx context.Context, data any) error {
	if r.transport == nil {
		return errors.New("request is not bound to a transport")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal progress data: %w", err)
	}
	return r.transport.write(ctx, wireEnvelope{Type: envelopeProgress, ID: r.ID, Data: raw})
}

// Respond writes the terminal response envelope for the request. The transport
// does not police the one-response-per-request contract; that belongs to the
// caller.
func (r *Request) Respond(ctx context.Context, answer any) error {
	if r.transport == nil {
		return errors.New("request is not bound to a transport")
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return r.transport.write(ctx, wireEnvelope{Type: envelopeResponse, ID: r.ID, Response: raw})
}

type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) ReadMessage() ([]byte, error) {
	_, p, err := c.ws.ReadMessage()
	return p, err
}

func (c wsConn) WriteMessage(p []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, p)
}

func (c wsConn) Close() error {
	return c.ws.Close()
}

// streamConn frames newline-delimited JSON over a raw byte stream, so net.Conn,
// pipes, and process stdio all work as socket carriers.
type streamConn struct {
	rw      io.ReadWriteCloser
	framer  *LineFramer
	pending []json.RawMessage
	buf     []byte
	readErr error
}

// NewStreamConn wraps a raw byte stream in NDJSON framing. The trailing partial
// line at stream end is flushed as one final frame if non-empty.
func NewStreamConn(rw io.ReadWriteCloser) Conn {
	return &streamConn{
		rw:     rw,
		framer: NewLineFramer(nil),
		buf:    make([]byte, 4096),
	}
}

func (c *streamConn) ReadMessage() ([]byte, error) {
	for len(c.pending) == 0 {
		if c.readErr != nil {
			return nil, c.readErr
		}
		n, err := c.rw.Read(c.buf)
		if n > 0 {
			c.pending = append(c.pending, c.framer.Feed(c.buf[:n])...)
		}
		if err != nil {
			c.pending = append(c.pending, c.framer.Flush()...)
			c.readErr = err
		}
	}

	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, nil
}

func (c *streamConn) WriteMessage(p []byte) error {
	frame := make([]byte, 0, len(p)+1)
	frame = append(frame, p...)
	frame = append(frame, '\n')
	_, err := c.rw.Write(frame)
	return err
}

func (c *streamConn) Close() error {
	return c.rw.Close()
}
