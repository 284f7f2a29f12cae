package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wstransport "github.com/omochice/chatlink/internal/transport/ws"
)

// echoServer upgrades every request and writes back each data frame it
// receives with the same opcode.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if err := wsutil.WriteServerMessage(conn, op, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConn_WriteRead(t *testing.T) {
	server := echoServer(t)

	conn, err := wstransport.Dialer{Timeout: time.Second}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), []byte(`{"type":"ping","data":{"seq":1}}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"ping","data":{"seq":1}}`, string(data))
}

func TestConn_ReadCancelled(t *testing.T) {
	server := echoServer(t)

	conn, err := wstransport.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after cancel")
	}
}

func TestConn_ReadAfterServerClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	conn, err := wstransport.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = conn.Read(ctx)
	assert.Error(t, err)
}

func TestConn_CloseIdempotent(t *testing.T) {
	server := echoServer(t)

	conn, err := wstransport.Dialer{}.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	assert.NotEmpty(t, conn.RemoteAddr())

	first := conn.Close()
	assert.Equal(t, first, conn.Close())
}

func TestDialer_Unreachable(t *testing.T) {
	_, err := wstransport.Dialer{Timeout: 500 * time.Millisecond}.Dial(context.Background(), "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
