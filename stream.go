package agentwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// StreamTransport is the principal-side transport over a server-push event stream.
// The read side is a single long-lived connection to the event endpoint, decoded by
// an EventFramer and routed into the logical channel; the write side issues an
// independent POST per outgoing message. Responses never arrive on the write path —
// they show up asynchronously on the shared channel, correlated by the id the
// caller embedded in the message.
//
// Instances are created with DialStream and must be released with Close.
type StreamTransport struct {
	httpClient   *http.Client
	logger       *slog.Logger
	maxEventSize int

	mu      sync.Mutex
	postURL string
	ready   chan struct{}

	ch     *Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

// WithHTTPClient overrides the HTTP client used for both the event stream and
// outgoing POSTs. Useful for tests and custom transports.
func WithHTTPClient(client *http.Client) StreamOption {
	return func(t *StreamTransport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithStreamLogger sets the logger for the transport.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(t *StreamTransport) {
		t.logger = logger
	}
}

// WithMaxEventSize caps the size of a single event payload. Oversized events are
// dropped with a warning.
func WithMaxEventSize(size int) StreamOption {
	return func(t *StreamTransport) {
		t.maxEventSize = size
	}
}

const eventTypeEndpoint = "endpoint"

// DialStream opens the long-lived read connection to eventURL and starts the read
// loop. postURL is the endpoint outgoing messages are POSTed to; it may be left
// empty when the serving side advertises a per-session endpoint on the stream.
// Construction fails with a connection error if the stream cannot be established,
// responds with a non-OK status, or carries no body.
func DialStream(ctx context.Context, eventURL, postURL string, options ...StreamOption) (*StreamTransport, error) {
	t := &StreamTransport{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		postURL:    postURL,
		ready:      make(chan struct{}),
		ch:         NewChannel(),
		done:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	if t.postURL != "" {
		close(t.ready)
	}

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	req, err := http.NewRequestWithContext(readCtx, http.MethodGet, eventURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		cancel()
		return nil, errors.New("event stream carries no body")
	}

	go t.readEvents(resp.Body)

	return t, nil
}

// Messages returns the iterator over incoming messages. The iterator terminates
// when the upstream closes the stream or the transport is closed.
func (t *StreamTransport) Messages() (iter.Seq[Message], error) {
	return t.ch.Subscribe()
}

// Ready is closed once a post endpoint is known, either from configuration or
// from the server's endpoint advertisement. Send fails until then.
func (t *StreamTransport) Ready() <-chan struct{} {
	return t.ready
}

// Send delivers the JSON-serialized message to the post endpoint. It resolves once
// delivery is accepted or fails; it never waits for an operation response.
func (t *StreamTransport) Send(ctx context.Context, payload any) error {
	t.mu.Lock()
	postURL := t.postURL
	t.mu.Unlock()
	if postURL == "" {
		return errors.New("no post endpoint configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Close stops the read loop, releases the stream reader, and closes the logical
// channel. It blocks until the read loop has exited. Safe to call more than once.
func (t *StreamTransport) Close() error {
	t.cancel()
	<-t.done
	return nil
}

func (t *StreamTransport) readEvents(body io.ReadCloser) {
	// The reader is released on every exit path: normal end, read error, or
	// cancellation through the dial context.
	defer func() {
		body.Close()
		t.ch.Close()
		close(t.done)
	}()

	framer := NewEventFramer()
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range framer.Feed(buf[:n]) {
				t.handleEvent(ev)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				t.logger.Error("failed to read event stream", "err", err)
			}
			return
		}
	}
}

func (t *StreamTransport) handleEvent(ev Event) {
	if t.maxEventSize > 0 && len(ev.Data) > t.maxEventSize {
		t.logger.Warn("dropping oversized event", slog.Int("size", len(ev.Data)))
		return
	}

	if ev.Type == eventTypeEndpoint {
		t.adoptEndpoint(ev.Data)
		return
	}

	msg := Classify(json.RawMessage(ev.Data))
	if msg == nil {
		t.logger.Debug("dropping unrecognized event payload", slog.String("data", ev.Data))
		return
	}
	if err := t.ch.Send(msg); err != nil {
		t.logger.Warn("channel closed while routing event")
	}
}

// adoptEndpoint picks up a server-advertised post endpoint. A configured postURL
// always wins; the advertisement only fills the gap when none was given.
func (t *StreamTransport) adoptEndpoint(raw string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.String() == "" {
		t.logger.Error("invalid endpoint event", slog.String("data", raw))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.postURL == "" {
		t.postURL = u.String()
		close(t.ready)
	}
}
