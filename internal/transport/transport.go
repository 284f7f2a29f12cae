// Package transport abstracts the physical WebSocket connection so that the
// connection manager can be driven by any client library, or by a fake in
// tests.
package transport

import "context"

// Conn is a single established connection carrying whole text frames.
type Conn interface {
	// Read blocks until one frame arrives. It returns an error once the
	// connection is closed or ctx is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections. It is the injected transport factory of the
// connection manager.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
