package agentwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrSessionClosed is returned by Call when the underlying transport terminates
// while a request is still open.
var ErrSessionClosed = errors.New("session is closed")

// Method names for the nested sub-protocol exchanges.
const (
	MethodElicitationCreate     = "elicitation/create"
	MethodSamplingCreateMessage = "sampling/createMessage"
)

// ClientTransport is the principal-facing half of a transport: an outgoing message
// sink plus the shared incoming message source, correlated by request id.
type ClientTransport interface {
	Send(ctx context.Context, payload any) error
	Messages() (iter.Seq[Message], error)
	Close() error
}

// ProgressFunc receives progress data for an open request. It is invoked from the
// session's routing goroutine and must not block.
type ProgressFunc func(data json.RawMessage)

// Session tracks per-request lifecycle on top of a ClientTransport: a request is
// opened by Call, receives zero or more progress events, and finishes on exactly
// one terminal response. Messages for unknown or already-finished ids are ignored.
//
// A nested elicitation or sampling exchange is just another Call with its own id,
// progressing through the same lifecycle independently of the outer request.
type Session struct {
	transport ClientTransport
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall

	done chan struct{}
}

type pendingCall struct {
	onProgress ProgressFunc
	result     chan *Response
}

// outboundRequest is the envelope Call puts on the wire. The id is the correlation
// key the remote side echoes in progress and response messages.
type outboundRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession starts the routing loop on the transport's message source. The
// session borrows the transport's single subscription, so nothing else may
// consume it.
func NewSession(transport ClientTransport, options ...SessionOption) (*Session, error) {
	s := &Session{
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[string]*pendingCall),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	msgs, err := transport.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to transport: %w", err)
	}
	go s.route(msgs)

	return s, nil
}

// Call issues a request and blocks until its terminal response, the context is
// cancelled, or the session closes. Progress events for the request are delivered
// to onProgress as they arrive; onProgress may be nil. Cancellation deregisters
// the request, and anything arriving late for its id is ignored.
func (s *Session) Call(ctx context.Context, method string, params any, onProgress ProgressFunc) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := uuid.New().String()
	pc := &pendingCall{onProgress: onProgress, result: make(chan *Response, 1)}

	s.mu.Lock()
	s.pending[id] = pc
	s.mu.Unlock()

	if err := s.transport.Send(ctx, outboundRequest{ID: id, Method: method, Params: raw}); err != nil {
		s.drop(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.drop(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	case res := <-pc.result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Result, nil
	}
}

// Elicit asks the remote side to supply user-provided input.
func (s *Session) Elicit(ctx context.Context, params any) (json.RawMessage, error) {
	return s.Call(ctx, MethodElicitationCreate, params, nil)
}

// Sample asks the remote side to perform a model-generation step.
func (s *Session) Sample(ctx context.Context, params any) (json.RawMessage, error) {
	return s.Call(ctx, MethodSamplingCreateMessage, params, nil)
}

// Close releases the underlying transport. Open calls finish with
// ErrSessionClosed once the routing loop drains.
func (s *Session) Close() error {
	return s.transport.Close()
}

func (s *Session) route(msgs iter.Seq[Message]) {
	defer close(s.done)

	for msg := range msgs {
		switch m := msg.(type) {
		case *Progress:
			s.mu.Lock()
			pc, ok := s.pending[m.RequestID]
			s.mu.Unlock()
			if !ok {
				// Late or unknown id: a protocol violation on the remote side,
				// ignored rather than fatal.
				s.logger.Debug("dropping progress for unknown request", slog.String("id", m.RequestID))
				continue
			}
			if pc.onProgress != nil {
				pc.onProgress(m.Data)
			}
		case *Response:
			s.mu.Lock()
			pc, ok := s.pending[m.RequestID]
			delete(s.pending, m.RequestID)
			s.mu.Unlock()
			if !ok {
				s.logger.Debug("dropping response for unknown request", slog.String("id", m.RequestID))
				continue
			}
			pc.result <- m
		default:
			s.logger.Debug("dropping unexpected message type")
		}
	}
}

func (s *Session) drop(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
