// Package dap implements the Debug Adapter Protocol client described in
// §4.7 (C7): request/response/event envelopes framed over Content-Length
// headers (rpccore in framing.ModeHTTP), a closed response-variant registry
// with an UnknownResponse fallback, and an open event registry with an
// UnknownEvent fallback (§4.7, §6).
package dap

import "encoding/json"

// ProtocolMessage is the envelope every DAP message shares: a monotonic
// sequence number and a type discriminator ("request", "response", or
// "event").
type ProtocolMessage struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
}

// Request is an outbound or inbound DAP request.
type Request struct {
	ProtocolMessage
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response is the DAP response envelope. Success carries Body; failure
// carries Message (§4.7 "typed response variants").
type Response struct {
	ProtocolMessage
	RequestSeq int64           `json:"request_seq"`
	Success    bool            `json:"success"`
	Command    string          `json:"command"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Event is an unsolicited DAP event.
type Event struct {
	ProtocolMessage
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// envelope sniffs the "type" discriminator plus the fields needed to route
// the message before fully decoding it into Request, Response, or Event.
type envelope struct {
	ProtocolMessage
	Command    string          `json:"command"`
	Event      string          `json:"event"`
	RequestSeq int64           `json:"request_seq"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"body"`
	Arguments  json.RawMessage `json:"arguments"`
}

// ResponseConstruct builds a typed response value out of the decoded
// envelope body. Registered per command through the responses map passed to
// New; commands with no registration decode to UnknownResponse (§4.7).
type ResponseConstruct func(body json.RawMessage) (any, error)

// EventConstruct builds a typed event value out of the decoded envelope
// body. Registered per event name via RegisterEvent; events with no
// registration decode to UnknownEvent (§4.7, §6 "open event registry").
type EventConstruct func(body json.RawMessage) (any, error)

// UnknownResponse is the fallback variant for a command with no registered
// ResponseConstruct.
type UnknownResponse struct {
	Command string          `json:"command"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// UnknownEvent is the fallback variant for an event name with no registered
// EventConstruct.
type UnknownEvent struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// PingResponseBody is the body of the Ping operation's synthetic response
// (§10.6, supplementing foundry-dap-client.c which has no direct analogue
// for liveness checking; "ping" here is our own command name, not part of
// the DAP spec proper).
type PingResponseBody struct {
	Alive bool `json:"alive"`
}
