package agentwire

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// buffer accumulates raw byte chunks for one connection and hands out complete
// records from the front, leaving the unterminated tail in place. Records are split
// only on ASCII delimiters, so a multi-byte UTF-8 sequence that arrives split across
// chunks is reassembled before any string conversion sees it.
type buffer struct {
	b []byte
}

func (b *buffer) write(p []byte) {
	b.b = append(b.b, p...)
}

// next returns a copy of the bytes before the first occurrence of delim and consumes
// them together with the delimiter. Returns false if no complete record is buffered.
func (b *buffer) next(delim string) ([]byte, bool) {
	i := bytes.Index(b.b, []byte(delim))
	if i < 0 {
		return nil, false
	}
	rec := make([]byte, i)
	copy(rec, b.b[:i])
	b.b = b.b[i+len(delim):]
	return rec, true
}

// drain consumes and returns whatever remains buffered.
func (b *buffer) drain() []byte {
	rec := b.b
	b.b = nil
	return rec
}

// LineFramer reassembles newline-delimited JSON from raw byte chunks. Feed may be
// called with arbitrary chunk boundaries; complete records are yielded in order.
// Malformed records are dropped and framing continues, so one bad upstream frame
// cannot take down a live session.
type LineFramer struct {
	buf    buffer
	logger *slog.Logger
}

// NewLineFramer creates a LineFramer. A nil logger falls back to slog.Default().
func NewLineFramer(logger *slog.Logger) *LineFramer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineFramer{logger: logger}
}

// Feed appends a chunk and returns every complete record it unlocks, in order.
func (f *LineFramer) Feed(p []byte) []json.RawMessage {
	f.buf.write(p)

	var records []json.RawMessage
	for {
		line, ok := f.buf.next("\n")
		if !ok {
			return records
		}
		if rec := f.record(line); rec != nil {
			records = append(records, rec)
		}
	}
}

// Flush emits the trailing unterminated record at end of stream, if any.
func (f *LineFramer) Flush() []json.RawMessage {
	if rec := f.record(f.buf.drain()); rec != nil {
		return []json.RawMessage{rec}
	}
	return nil
}

func (f *LineFramer) record(line []byte) json.RawMessage {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	if !json.Valid(line) {
		f.logger.Debug("dropping malformed record", slog.String("record", string(line)))
		return nil
	}
	return json.RawMessage(line)
}

// Event is one server-push block reconstructed from consecutive "label: value"
// lines up to a blank-line terminator.
type Event struct {
	Type  string
	Data  string
	ID    string
	Retry int
}

// EventFramer reassembles server-push event blocks from raw byte chunks. Blocks are
// terminated by a blank line; lines are interpreted by prefix (event, data, id,
// retry), and the bodies of repeated data lines are concatenated in order with a
// newline between them, each stripped of at most one leading space. Blocks with
// empty data are discarded.
type EventFramer struct {
	buf buffer
}

// NewEventFramer creates an EventFramer.
func NewEventFramer() *EventFramer {
	return &EventFramer{}
}

// Feed appends a chunk and returns every complete event block it unlocks, in order.
func (f *EventFramer) Feed(p []byte) []Event {
	f.buf.write(p)

	var events []Event
	for {
		block, ok := f.buf.next("\n\n")
		if !ok {
			return events
		}
		if ev, ok := parseEventBlock(block); ok {
			events = append(events, ev)
		}
	}
}

func parseEventBlock(block []byte) (Event, bool) {
	var ev Event
	var data []string

	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Type = fieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = append(data, fieldValue(line, "data:"))
		case strings.HasPrefix(line, "id:"):
			ev.ID = fieldValue(line, "id:")
		case strings.HasPrefix(line, "retry:"):
			// Malformed retry values are ignored; the block is kept.
			if n, err := strconv.Atoi(fieldValue(line, "retry:")); err == nil {
				ev.Retry = n
			}
		}
	}

	ev.Data = strings.Join(data, "\n")
	if strings.TrimSpace(ev.Data) == "" {
		return Event{}, false
	}
	return ev, true
}

// fieldValue strips the field prefix and at most one leading space from the body.
func fieldValue(line, prefix string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, prefix), " ")
}
