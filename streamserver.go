package agentwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamServer is the serving end of the push-stream carrier: it pushes progress
// and response events to connected principals over server-sent events and takes
// their outgoing messages in over a POST endpoint. The HandleEvents and
// HandleMessages handlers are framework-agnostic and can be mounted on any mux.
//
// Instances should be created with NewStreamServer and shut down with Shutdown.
type StreamServer struct {
	postURL string
	logger  *slog.Logger

	sessions chan *ServerSession
	removed  chan string
	received chan serverSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// ServerSession is one connected principal. Send pushes an event to it; Messages
// yields the raw JSON messages it POSTed in.
type ServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs chan serverSessionSend
	received chan json.RawMessage

	done           chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type serverSessionMessage struct {
	sessID string
	msg    json.RawMessage
}

type serverSessionSend struct {
	msg  *sse.Message
	errs chan<- error
}

// StreamServerOption configures a StreamServer.
type StreamServerOption func(*StreamServer)

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) StreamServerOption {
	return func(s *StreamServer) {
		s.logger = logger
	}
}

// NewStreamServer creates a stream server whose sessions advertise
// postURL?sessionID=<id> as their message endpoint.
func NewStreamServer(postURL string, options ...StreamServerOption) *StreamServer {
	s := &StreamServer{
		postURL:  postURL,
		logger:   slog.Default(),
		sessions: make(chan *ServerSession, 5),
		removed:  make(chan string),
		received: make(chan serverSessionMessage),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Sessions returns an iterator over connecting principals. It also runs the
// routing loop that forwards POSTed messages to their sessions, so it must be
// consumed for the server to operate.
func (s *StreamServer) Sessions() iter.Seq[*ServerSession] {
	return func(yield func(*ServerSession) bool) {
		defer close(s.closed)

		sessionsMap := make(map[string]*ServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSends()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removed:
				delete(sessionsMap, sessID)
			case msg := <-s.received:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// Session may already be gone; the message is dropped.
					continue
				}

				select {
				case <-s.done:
					return
				case session.received <- msg.msg:
				}
			}
		}
	}
}

// Shutdown terminates all active sessions and stops the routing loop. It blocks
// until shutdown completes or ctx expires.
func (s *StreamServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shut down stream server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleEvents returns the http.Handler for the event-stream endpoint. It upgrades
// the connection, assigns a session id, advertises the session's post endpoint, and
// keeps the connection open until either side stops the session.
func (s *StreamServer) HandleEvents() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		msg := sse.Message{Type: sse.Type(eventTypeEndpoint)}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.postURL, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &ServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger,
			sendMsgs:       make(chan serverSessionSend, 5),
			received:       make(chan json.RawMessage, 5),
			done:           make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		s.sessions <- srvSession

		// Keep the connection open until the session is stopped.
		<-srvSession.sendClosed
		<-srvSession.receivedClosed

		select {
		case s.removed <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessages returns the http.Handler for the POST intake endpoint. It expects
// a sessionID query parameter and a JSON body, and routes the body to the matching
// session's Messages iterator.
func (s *StreamServer) HandleMessages() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.logger.Warn("failed to read message body", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			s.logger.Warn("discarding invalid message body", slog.String("sessionID", sessID))
			http.Error(w, "body is not valid JSON", http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
		case s.received <- serverSessionMessage{sessID: sessID, msg: body}:
		}
	})
}

// ID returns the session's unique identifier.
func (s *ServerSession) ID() string { return s.id }

// Send pushes one raw event payload to the principal.
func (s *ServerSession) Send(payload any) error {
	bs, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(bs))

	errs := make(chan error)

	// Queue the message to keep a single writer on the SSE session.
	select {
	case s.sendMsgs <- serverSessionSend{msg, errs}:
	case <-s.done:
		return fmt.Errorf("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return fmt.Errorf("session is closed")
	}
}

// SendProgress pushes a progress event for the given request id.
func (s *ServerSession) SendProgress(requestID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal progress data: %w", err)
	}
	return s.Send(Progress{RequestID: requestID, Data: raw})
}

// SendResponse pushes the terminal result for the given request id.
func (s *ServerSession) SendResponse(requestID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return s.Send(Response{RequestID: requestID, Result: raw})
}

// SendError pushes the terminal error for the given request id.
func (s *ServerSession) SendError(requestID string, rErr *ResponseError) error {
	return s.Send(Response{RequestID: requestID, Err: rErr})
}

// Messages yields the raw JSON messages the principal POSTed to this session.
func (s *ServerSession) Messages() iter.Seq[json.RawMessage] {
	return func(yield func(json.RawMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.received:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

// Stop terminates the session and waits for its loops to exit.
func (s *ServerSession) Stop() {
	close(s.done)

	<-s.sendClosed
	<-s.receivedClosed
}

func (s *ServerSession) processSends() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))

				select {
				case sm.errs <- err:
				default:
				}
				continue
			}

			select {
			case sm.errs <- nil:
			default:
			}
		case <-s.done:
			return
		}
	}
}
