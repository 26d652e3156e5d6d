// Package agentwire implements a bidirectional interactive transport protocol for
// connecting an agent backend with a frontend. A backend running a tool or agent step
// exchanges correlated request, progress, and response traffic with the frontend,
// including nested elicitation and sampling exchanges that happen while the outer
// operation is still open.
//
// Two physical carriers are unified behind one logical interface: a server-push event
// stream paired with a separate outbound POST channel, and a single full-duplex socket
// carrying both directions. Both present the same semantics to callers: an outgoing
// message sink and an incoming message source correlated by request id, with
// per-request progress and exactly one terminal response.
package agentwire
