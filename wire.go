package agentwire

import (
	"encoding/json"
	"fmt"
)

// Message is an incoming message yielded by a transport. The concrete type is one of
// *Progress, *Response, or *Request, depending on what arrived on the wire.
type Message interface {
	isMessage()
}

// Progress is an advisory, non-terminal update tied to a request id. Any number of
// progress messages may arrive for an open request; none of them closes it.
type Progress struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// Response is the single terminal message for a request id. Exactly one of Result or
// Err is populated.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       *ResponseError  `json:"error,omitempty"`
}

// ResponseError carries the error half of a terminal response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// RequestKind distinguishes the sub-protocol a request belongs to.
type RequestKind string

const (
	// KindElicit asks the receiving side to supply user-provided input before the
	// outer operation can continue.
	KindElicit RequestKind = "elicit"
	// KindNotify is a one-way request that needs no response.
	KindNotify RequestKind = "notify"
)

// Request is an inbound request received on a duplex-socket transport. Progress and
// Respond write back to the socket the request arrived on, tagged with the same id.
//
// The transport does not enforce that Respond is called exactly once per request;
// that contract belongs to the consumer. Late or duplicate responses are a protocol
// bug the transport only carries, never detects.
type Request struct {
	ID      string          `json:"id"`
	Kind    RequestKind     `json:"kind"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	transport *SocketTransport
}

func (*Progress) isMessage() {}
func (*Response) isMessage() {}
func (*Request) isMessage()  {}

// wireEnvelope is the framing contract on the duplex socket. Exactly one frame shape
// exists per Type: {type:"request", payload:{...}}, {type:"progress", id, data}, and
// {type:"response", id, response}.
type wireEnvelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

const (
	envelopeRequest  = "request"
	envelopeProgress = "progress"
	envelopeResponse = "response"
)
