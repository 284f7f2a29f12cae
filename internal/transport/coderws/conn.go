// Package coderws provides a WebSocket client transport built on
// github.com/coder/websocket.
package coderws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/omochice/chatlink/internal/transport"
)

// Conn adapts a coder/websocket connection to transport.Conn.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string
	closeOnce  sync.Once
	closeErr   error
}

// Read implements transport.Conn. Binary messages are skipped; a done ctx
// is reported as ctx.Err().
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

// Write implements transport.Conn.
// Frames are sent as text messages.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return c.closeErr
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Dialer dials with coder/websocket.
type Dialer struct {
	Header http.Header
	// ReadLimit caps the size of one inbound frame; zero keeps the library
	// default.
	ReadLimit int64
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	addr := url
	if resp != nil && resp.Request != nil {
		addr = resp.Request.URL.Host
	}
	return &Conn{conn: conn, remoteAddr: addr}, nil
}

var _ transport.Dialer = Dialer{}
