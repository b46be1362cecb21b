package connection

import "fmt"

// State is the lifecycle position of a Connection
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateIdle
	StateSendingRequest
	StateReceivingHeader
	StateReceivingBody
	StateConnectTimeout
	StateResponseTimeout
	StateIdleTimeout
	StateClosedByServer
	StateError
	StateClosed
)

var stateNames = [...]string{
	StateCreated:         "Created",
	StateConnecting:      "Connecting",
	StateIdle:            "Idle",
	StateSendingRequest:  "SendingRequest",
	StateReceivingHeader: "ReceivingHeader",
	StateReceivingBody:   "ReceivingBody",
	StateConnectTimeout:  "ConnectTimeout",
	StateResponseTimeout: "ResponseTimeout",
	StateIdleTimeout:     "IdleTimeout",
	StateClosedByServer:  "ClosedByServer",
	StateError:           "Error",
	StateClosed:          "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Busy reports whether a request occupies the connection in state s
func (s State) Busy() bool {
	switch s {
	case StateSendingRequest, StateReceivingHeader, StateReceivingBody:
		return true
	}
	return false
}

// StateListener observes state transitions. It is called on the
// connection's event goroutine and must not block.
type StateListener interface {
	StateChanged(c *Connection, from, to State)
}

// StateListenerFunc adapts a function to StateListener
type StateListenerFunc func(c *Connection, from, to State)

func (f StateListenerFunc) StateChanged(c *Connection, from, to State) {
	f(c, from, to)
}
