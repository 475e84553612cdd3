package stream

import (
	"context"
	"errors"
)

// State is the transport-lifecycle state of the stream client. It is
// deliberately decoupled from the analysis status: the stream can be torn
// down and rebuilt many times while the job passes through exactly one
// terminal transition.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateComplete     State = "complete"
)

// Status is the connection-status signal exposed to the UI: the current
// state plus the reconnect attempt counter for display/retry affordance.
type Status struct {
	State   State
	Attempt int
}

// SignalKind discriminates transport signals.
type SignalKind int

const (
	// SignalOpened reports a successfully established connection.
	SignalOpened SignalKind = iota
	// SignalMessage carries one raw inbound message.
	SignalMessage
	// SignalClosed reports that the connection ended, cleanly or not.
	SignalClosed
	// SignalError reports a failure to establish a connection.
	SignalError
)

// Signal is the tagged union of transport events fed into the state machine.
// Modeling these explicitly keeps the machine independent of the concrete
// transport, so it is unit-testable without a real socket.
type Signal struct {
	Kind    SignalKind
	Conn    Conn   // opened
	Payload []byte // message
	Err     error  // closed / error detail
	Clean   bool   // closed: peer shut down normally
}

// ErrNormalClosure marks a read error caused by a clean peer shutdown.
// Transports wrap their protocol-specific close codes into this sentinel.
var ErrNormalClosure = errors.New("stream: normal closure")

// Conn is one live message-oriented connection.
type Conn interface {
	// ReadMessage blocks for the next inbound message. A clean peer shutdown
	// is reported as an error matching ErrNormalClosure.
	ReadMessage() ([]byte, error)
	Close() error
}

// Transport establishes connections scoped to an analysis id.
type Transport interface {
	Dial(ctx context.Context, analysisID string) (Conn, error)
}
