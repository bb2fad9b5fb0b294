package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire message types of the graphql-ws protocol spoken by the AppSync
// realtime endpoint.
const (
	msgConnectionInit  = "connection_init"
	msgConnectionAck   = "connection_ack"
	msgConnectionError = "connection_error"
	msgKeepAlive       = "ka"
	msgStart           = "start"
	msgStartAck        = "start_ack"
	msgData            = "data"
	msgError           = "error"
	msgComplete        = "complete"
	msgStop            = "stop"
)

const subprotocol = "graphql-ws"

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Data       string          `json:"data"`
	Extensions startExtensions `json:"extensions"`
}

type startExtensions struct {
	Authorization map[string]string `json:"authorization"`
}

type operation struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operationName,omitempty"`
}

var (
	ErrClosed         = errors.New("realtime client closed")
	ErrGaveUp         = errors.New("realtime reconnect budget exhausted")
	ErrConnectionLost = errors.New("realtime connection lost")
	ErrHandshake      = errors.New("realtime handshake failed")
)

// ProtocolError describes an incoming message that could not be routed.
// Such messages are logged and dropped; the connection stays open.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// ServerError carries the payload of an `error` message.
type ServerError struct {
	ID      string
	Payload json.RawMessage
}

func (e *ServerError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("server error: %s", string(e.Payload))
	}
	return fmt.Sprintf("server error for subscription %s: %s", e.ID, string(e.Payload))
}

// State is the lifecycle state of the shared connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// GaveUp is entered once the reconnect budget is exhausted. Only an
	// explicit Connect leaves it.
	GaveUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case GaveUp:
		return "gave-up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
