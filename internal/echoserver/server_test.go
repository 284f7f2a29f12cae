package echoserver_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatlink/internal/echoserver"
	"github.com/omochice/chatlink/internal/transport"
	"github.com/omochice/chatlink/internal/transport/ws"
	"github.com/omochice/chatlink/pkg/protocol"
)

func startServer(t *testing.T, opts echoserver.Options) *echoserver.Server {
	t.Helper()
	srv := echoserver.New("127.0.0.1:0", opts)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *echoserver.Server) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ws.Dialer{Timeout: 2 * time.Second}.Dial(ctx, srv.URL())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readType(t, conn, protocol.TypeWelcome)
	assert.NotEmpty(t, protocol.String(welcome.Data, "client_id"))
	return conn
}

func write(t *testing.T, conn transport.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), data))
}

// readType reads frames until one of type typ arrives.
func readType(t *testing.T, conn transport.Conn, typ string) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		data, err := conn.Read(ctx)
		require.NoError(t, err)
		var env protocol.Envelope
		require.NoError(t, env.Decode(data))
		if env.Type == typ {
			return env
		}
	}
}

func TestServer_PingPong(t *testing.T) {
	srv := startServer(t, echoserver.Options{})
	conn := dial(t, srv)

	write(t, conn, protocol.NewEnvelope(protocol.TypePing, map[string]any{"seq": int64(7), "timestamp": int64(1234)}))
	pong := readType(t, conn, protocol.TypePong)

	seq, ok := protocol.Number(pong.Data, "seq")
	require.True(t, ok)
	assert.EqualValues(t, 7, seq)
	ts, _ := protocol.Number(pong.Data, "timestamp")
	assert.EqualValues(t, 1234, ts)
}

func TestServer_DropPongs(t *testing.T) {
	srv := startServer(t, echoserver.Options{DropPongs: true})
	conn := dial(t, srv)

	write(t, conn, protocol.NewEnvelope(protocol.TypePing, map[string]any{"seq": int64(1)}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := conn.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	srv.SetDropPongs(false)
	write(t, conn, protocol.NewEnvelope(protocol.TypePing, map[string]any{"seq": int64(2)}))
	readType(t, conn, protocol.TypePong)
}

func TestServer_EchoesMessages(t *testing.T) {
	srv := startServer(t, echoserver.Options{})
	alice := dial(t, srv)
	bob := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	write(t, alice, protocol.NewEnvelope(protocol.TypeSendMessage,
		protocol.SendMessageData("tmp_1", "conv-1", "hello", time.Now())))

	for _, conn := range []transport.Conn{alice, bob} {
		env := readType(t, conn, protocol.DomainPrefix+protocol.DomainMessageAppended)
		msg, ok := protocol.ParseChatMessage(protocol.Normalize(env).Payload)
		require.True(t, ok)
		assert.Equal(t, "1", msg.ID)
		assert.Equal(t, "tmp_1", msg.TempID)
		assert.Equal(t, "conv-1", msg.ConversationID)
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "user", msg.SenderType)
		assert.False(t, msg.Timestamp.IsZero())
	}

	srv.SetOmitTempID(true)
	write(t, alice, protocol.NewEnvelope(protocol.TypeSendMessage,
		protocol.SendMessageData("tmp_2", "conv-1", "again", time.Now())))
	env := readType(t, alice, protocol.DomainPrefix+protocol.DomainMessageAppended)
	msg, _ := protocol.ParseChatMessage(protocol.Normalize(env).Payload)
	assert.Equal(t, "2", msg.ID)
	assert.Empty(t, msg.TempID)
}

func TestServer_BurstIsNotDropped(t *testing.T) {
	srv := startServer(t, echoserver.Options{})
	conn := dial(t, srv)

	const senders, perSender = 8, 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				env := protocol.NewEnvelope(protocol.TypeSendMessage,
					protocol.SendMessageData(fmt.Sprintf("tmp_%d_%d", i, j), "conv-1", "burst", time.Now()))
				data, err := env.Encode()
				if err != nil {
					t.Error(err)
					return
				}
				if err := conn.Write(context.Background(), data); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}

	seen := make(map[string]bool)
	for len(seen) < senders*perSender {
		env := readType(t, conn, protocol.DomainPrefix+protocol.DomainMessageAppended)
		msg, ok := protocol.ParseChatMessage(protocol.Normalize(env).Payload)
		require.True(t, ok)
		seen[msg.TempID] = true
	}
	wg.Wait()
	assert.Zero(t, srv.Dropped())
}

func TestServer_IgnoresBlankMessages(t *testing.T) {
	srv := startServer(t, echoserver.Options{})
	conn := dial(t, srv)

	write(t, conn, protocol.NewEnvelope(protocol.TypeSendMessage, map[string]any{"content": ""}))
	write(t, conn, protocol.NewEnvelope(protocol.TypePing, map[string]any{"seq": int64(1)}))

	// The pong is the first thing to come back.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, env.Decode(data))
	assert.Equal(t, protocol.TypePong, env.Type)
}

func TestServer_Kick(t *testing.T) {
	srv := startServer(t, echoserver.Options{})
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, srv.Kick())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := conn.Read(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Broadcast(t *testing.T) {
	srv := startServer(t, echoserver.Options{})
	conn := dial(t, srv)

	require.NoError(t, srv.Broadcast(protocol.NewEnvelope(protocol.TypeTyping, map[string]any{"user": "bob"})))
	env := readType(t, conn, protocol.TypeTyping)
	assert.Equal(t, "bob", protocol.String(env.Data, "user"))
}

func TestServer_StartFailsOnBusyAddress(t *testing.T) {
	srv := startServer(t, echoserver.Options{})

	other := echoserver.New(srv.Addr(), echoserver.Options{})
	assert.Error(t, other.Start())
}
