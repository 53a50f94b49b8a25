// Package wire implements the control-plane state machine and data-plane
// framing for a single relay endpoint: the persistent control WebSocket,
// per-request rendezvous sockets, and the HTTP request/response framing
// layered over a rendezvous socket.
//
// This package is deliberately decoupled from the public relay façade: it
// knows nothing about Endpoint, ConnectionString or Listener. Callers
// supply plain functions (dial URL builders, auth header getters, accept
// callbacks) rather than the façade types themselves, which is what keeps
// the Listener/ControlChannel/TokenRenewer reference cycle from becoming
// an import cycle.
package wire

import "encoding/json"

// HeaderPair is a single name/value pair, preserving multiplicity and
// order the way a real HTTP header list requires.
type HeaderPair [2]string

// AcceptPayload is the body of an "accept" control envelope.
type AcceptPayload struct {
	ID             string            `json:"id"`
	Address        string            `json:"address"`
	ConnectHeaders map[string]string `json:"connectHeaders,omitempty"`
	RequestInfo    *RequestInfo      `json:"requestInfo,omitempty"`
}

// RequestInfo describes the HTTP request carried alongside an accept
// when the rendezvous is opening in Hybrid HTTP mode.
type RequestInfo struct {
	Method  string       `json:"method"`
	Target  string       `json:"target"`
	Headers []HeaderPair `json:"headers,omitempty"`
}

// RenewTokenPayload is the body of an outbound "renewToken" envelope.
type RenewTokenPayload struct {
	Token string `json:"token"`
}

// RequestPayload is the HTTP-mode request envelope sent over a
// rendezvous socket.
type RequestPayload struct {
	ID      string       `json:"id"`
	Method  string       `json:"method"`
	Target  string       `json:"target"`
	Headers []HeaderPair `json:"headers"`
	Body    bool         `json:"body"`
}

// ResponsePayload is the HTTP-mode response envelope sent back over a
// rendezvous socket.
type ResponsePayload struct {
	StatusCode int          `json:"statusCode"`
	Reason     string       `json:"reason,omitempty"`
	Headers    []HeaderPair `json:"headers"`
	Body       bool         `json:"body"`
}

// InjectFaultPayload is a test hook: the control channel accepts it and
// logs it at Debug level; it is neither acted on nor sent back.
type InjectFaultPayload struct {
	DelayMs int `json:"delayMs,omitempty"`
}

// ControlEnvelope is the outer JSON object carrying exactly one of the
// known discriminant keys.
type ControlEnvelope struct {
	Accept      *AcceptPayload      `json:"accept,omitempty"`
	RenewToken  *RenewTokenPayload  `json:"renewToken,omitempty"`
	Request     *RequestPayload     `json:"request,omitempty"`
	Response    *ResponsePayload    `json:"response,omitempty"`
	InjectFault *InjectFaultPayload `json:"injectFault,omitempty"`
}

// Discriminant names which of the envelope's fields is populated, or ""
// if none is (an unrecognized or empty message).
func (e ControlEnvelope) Discriminant() string {
	switch {
	case e.Accept != nil:
		return "accept"
	case e.RenewToken != nil:
		return "renewToken"
	case e.Request != nil:
		return "request"
	case e.Response != nil:
		return "response"
	case e.InjectFault != nil:
		return "injectFault"
	default:
		return ""
	}
}

// DecodeControlEnvelope parses one JSON control message.
func DecodeControlEnvelope(data []byte) (ControlEnvelope, error) {
	var env ControlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ControlEnvelope{}, err
	}
	return env, nil
}

// EncodeRenewToken builds the JSON bytes for an outbound renewToken
// envelope.
func EncodeRenewToken(token string) ([]byte, error) {
	return json.Marshal(ControlEnvelope{RenewToken: &RenewTokenPayload{Token: token}})
}

// EncodeAccept builds the JSON bytes for an "accept" control envelope,
// the relay-side counterpart ControlChannel.runOnce decodes.
func EncodeAccept(p AcceptPayload) ([]byte, error) {
	return json.Marshal(ControlEnvelope{Accept: &p})
}

// EncodeRequest builds the JSON bytes for an HTTP-mode request envelope.
func EncodeRequest(p RequestPayload) ([]byte, error) {
	return json.Marshal(ControlEnvelope{Request: &p})
}

// EncodeResponse builds the JSON bytes for an HTTP-mode response
// envelope.
func EncodeResponse(p ResponsePayload) ([]byte, error) {
	return json.Marshal(ControlEnvelope{Response: &p})
}
