package transport

import (
	"context"
	"errors"
)

// ErrConnClosed indicates the connection is closed.
var ErrConnClosed = errors.New("connection closed")

// ErrSessionClosed indicates the session has been closed and will not reconnect.
var ErrSessionClosed = errors.New("session closed")

// Conn is one established bidirectional message connection.
// The engine only requires independently applicable, redelivery-tolerant
// messages; framing and encoding of the underlying medium are up to the
// implementation.
type Conn interface {
	// Send transmits one message. It may block on the underlying I/O.
	Send(payload []byte) error

	// Receive blocks until one message arrives or the connection dies.
	Receive() ([]byte, error)

	Close() error
}

// Dialer establishes connections to the collaboration endpoint.
// Production uses WebSocketDialer; tests and the demo use MemoryHub.
type Dialer interface {
	Dial(ctx context.Context, project string) (Conn, error)
}
