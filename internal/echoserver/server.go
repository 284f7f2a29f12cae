// Package echoserver is a small reference chat server speaking the client
// protocol over gobwas/ws: it answers heartbeats, assigns server ids to sent
// messages and fans them out to every connected client.
package echoserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/chatlink/pkg/protocol"
)

// Path is the WebSocket endpoint.
const Path = "/ws"

const (
	outgoingBuffer = 256
	// enqueueTimeout bounds how long a frame waits for a slow client.
	enqueueTimeout = time.Second
)

// Options configures a Server.
type Options struct {
	Logger *zap.Logger
	// DropPongs makes the server ignore pings, simulating a stalled link.
	DropPongs bool
	// OmitTempID leaves temp_id out of message echoes, so that clients have
	// to reconcile by content.
	OmitTempID bool
}

type client struct {
	id       string
	conn     net.Conn
	reader   io.Reader
	outgoing chan []byte
	wmu      sync.Mutex
}

type lockedWriter struct {
	c *client
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()
	return w.c.conn.Write(p)
}

// Server represents the echo chat server.
type Server struct {
	address  string
	listener net.Listener
	server   *http.Server
	clients  map[*client]bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
	log      *zap.Logger

	dropPongs  atomic.Bool
	omitTempID atomic.Bool
	seq        atomic.Int64
	dropped    atomic.Uint64
	stopOnce   sync.Once
}

// New creates a Server listening on address once started.
func New(address string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		address: address,
		clients: make(map[*client]bool),
		log:     opts.Logger,
	}
	s.dropPongs.Store(opts.DropPongs)
	s.omitTempID.Store(opts.OmitTempID)
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWebSocket)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("echo server started", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("echo server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the listener and every client, then waits for them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			_ = s.server.Close()
		}
		s.Kick()
		s.wg.Wait()
	})
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// URL returns the WebSocket URL of the server.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + Path
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many frames were dropped because a client did not
// keep up.
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

// SetDropPongs toggles ping handling at runtime.
func (s *Server) SetDropPongs(drop bool) {
	s.dropPongs.Store(drop)
}

// SetOmitTempID toggles temp_id echoing at runtime.
func (s *Server) SetOmitTempID(omit bool) {
	s.omitTempID.Store(omit)
}

// Kick drops every client connection without a close handshake and returns
// how many were dropped.
func (s *Server) Kick() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	return len(s.clients)
}

// Broadcast sends env to every client.
func (s *Server) Broadcast(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{
		id:       uuid.NewString(),
		conn:     conn,
		reader:   conn,
		outgoing: make(chan []byte, outgoingBuffer),
	}
	if rw != nil && rw.Reader.Buffered() > 0 {
		c.reader = rw.Reader
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.handleClient(c)
}

// handleClient serves one client until its connection ends.
func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		close(c.outgoing)
		_ = c.conn.Close()
		s.log.Debug("client disconnected", zap.String("client", c.id))
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for data := range c.outgoing {
			c.wmu.Lock()
			err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)
			c.wmu.Unlock()
			if err != nil {
				s.log.Debug("failed to send message to client", zap.String("client", c.id), zap.Error(err))
				_ = c.conn.Close()
				return
			}
		}
	}()

	s.log.Debug("client connected", zap.String("client", c.id), zap.String("remote", c.conn.RemoteAddr().String()))
	s.send(c, protocol.NewEnvelope(protocol.TypeWelcome, map[string]any{"client_id": c.id}))

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}

	for {
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}

		var env protocol.Envelope
		if err := env.Decode(data); err != nil {
			s.log.Debug("failed to decode frame", zap.String("client", c.id), zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			if !s.dropPongs.Load() {
				s.send(c, protocol.NewEnvelope(protocol.TypePong, env.Data))
			}
		case protocol.TypeSendMessage:
			s.handleSendMessage(c, env)
		default:
			s.log.Debug("ignoring frame", zap.String("client", c.id), zap.String("type", env.Type))
		}
	}
}

func (s *Server) handleSendMessage(c *client, env protocol.Envelope) {
	content := protocol.String(env.Data, "content")
	if content == "" {
		return
	}
	msg := map[string]any{
		"id":              s.seq.Add(1),
		"conversation_id": protocol.String(env.Data, "conversation_id"),
		"content":         content,
		"sender_type":     "user",
		"sender_id":       c.id,
		"created_at":      time.Now().UnixMilli(),
	}
	if tempID := protocol.String(env.Data, "temp_id"); tempID != "" && !s.omitTempID.Load() {
		msg["temp_id"] = tempID
	}

	out := protocol.NewEnvelope(protocol.DomainPrefix+protocol.DomainMessageAppended, map[string]any{"message": msg})
	if err := s.Broadcast(out); err != nil {
		s.log.Warn("failed to encode message", zap.Error(err))
	}
}

func (s *Server) send(c *client, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		s.log.Warn("failed to encode frame", zap.Error(err))
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.clients[c] {
		s.enqueue(c, data)
	}
}

// broadcast sends a frame to all clients.
func (s *Server) broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		s.enqueue(c, data)
	}
}

// enqueue hands data to the client's writer, waiting up to enqueueTimeout
// when its buffer is full.
func (s *Server) enqueue(c *client, data []byte) {
	select {
	case c.outgoing <- data:
		return
	default:
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case c.outgoing <- data:
	case <-timer.C:
		s.dropped.Add(1)
		s.log.Warn("client too slow, dropping frame", zap.String("client", c.id))
	}
}
