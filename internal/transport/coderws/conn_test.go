package coderws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatlink/internal/transport/coderws"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConn_Read(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		_ = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"pong","data":{}}`))
		_, _, _ = c.Read(context.Background())
	}))
	defer server.Close()

	conn, err := coderws.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	data, err := conn.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"pong","data":{}}`, string(data))
	assert.NotEmpty(t, conn.RemoteAddr())
}

func TestConn_Write(t *testing.T) {
	received := make(chan []byte, 1)
	kinds := make(chan websocket.MessageType, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		typ, data, err := c.Read(context.Background())
		if err != nil {
			return
		}
		kinds <- typ
		received <- data
	}))
	defer server.Close()

	conn, err := coderws.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), []byte("hello")))

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, websocket.MessageText, <-kinds)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestConn_ReadHonorsContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		_, _, _ = c.Read(context.Background())
	}))
	defer server.Close()

	conn, err := coderws.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = conn.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_ReadSkipsBinary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		_ = c.Write(context.Background(), websocket.MessageBinary, []byte{0x01, 0x02})
		_ = c.Write(context.Background(), websocket.MessageText, []byte(`{"type":"typing","data":{}}`))
		_, _, _ = c.Read(context.Background())
	}))
	defer server.Close()

	conn, err := coderws.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"typing","data":{}}`, string(data))
}

func TestConn_CloseTwice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		_, _, _ = c.Read(context.Background())
	}))
	defer server.Close()

	conn, err := coderws.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)

	first := conn.Close()
	second := conn.Close()
	assert.Equal(t, first, second)
}

func TestDialer_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := coderws.Dialer{}.Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
