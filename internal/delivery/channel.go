// Package delivery implements at-least-once delivery of outgoing chat
// messages on top of a connection: optimistic local echo, reconciliation of
// client temp ids with server echoes, and ack-timeout driven retries.
package delivery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omochice/chatlink/internal/clock"
	"github.com/omochice/chatlink/internal/recent"
	"github.com/omochice/chatlink/pkg/protocol"
)

// State is the delivery state of a PendingMessage.
type State int

const (
	StatePending State = iota
	StateSending
	StateSent
	StateFailed
	StateCanceled
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSending:
		return "sending"
	case StateSent:
		return "sent"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalYAML renders the state by name.
func (s State) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Defaults.
const (
	DefaultAckTimeout        = 8 * time.Second
	DefaultMaxRetries        = 3
	DefaultMatchWindow       = 30 * time.Second
	DefaultConfirmedCapacity = 200
	DefaultSenderType        = "user"
	TempIDPrefix             = "tmp_"
)

// Config configures a Channel.
type Config struct {
	// ConversationID is used by SendText.
	ConversationID string `mapstructure:"conversation_id" yaml:"conversation_id"`
	// AckTimeout is how long a transmission waits for its server echo.
	AckTimeout time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	// MaxRetries bounds the automatic transmissions of one message.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// MatchWindow bounds heuristic reconciliation: an echo without temp id
	// only matches a message transmitted at most this long ago.
	MatchWindow time.Duration `mapstructure:"match_window" yaml:"match_window"`
	// ConfirmedCapacity is how many confirmed ids are remembered so that
	// repeated echoes are recognized.
	ConfirmedCapacity int `mapstructure:"confirmed_capacity" yaml:"confirmed_capacity"`
	// SenderType is the sender_type of our own messages. Echoes carrying a
	// different sender type are never matched heuristically.
	SenderType string `mapstructure:"sender_type" yaml:"sender_type"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        DefaultAckTimeout,
		MaxRetries:        DefaultMaxRetries,
		MatchWindow:       DefaultMatchWindow,
		ConfirmedCapacity: DefaultConfirmedCapacity,
		SenderType:        DefaultSenderType,
	}
}

// Sender writes an envelope to the transport; false means it was not written.
type Sender interface {
	Send(env protocol.Envelope) bool
}

// PendingMessage is an outgoing message tracked until the server confirms it.
type PendingMessage struct {
	TempID         string    `yaml:"temp_id"`
	ServerID       string    `yaml:"server_id,omitempty"`
	ConversationID string    `yaml:"conversation_id"`
	Content        string    `yaml:"content"`
	State          State     `yaml:"state"`
	EnqueuedAt     time.Time `yaml:"enqueued_at"`
	LastAttemptAt  time.Time `yaml:"last_attempt_at"`
	Attempts       int       `yaml:"attempts"`
	// Written reports whether the latest transmission reached the transport.
	Written bool `yaml:"written"`
}

// Change is published on every delivery state transition.
type Change struct {
	TempID   string
	ServerID string
	From     State
	To       State
	Attempts int
}

// Options carries the collaborators of a Channel. Every field is optional.
type Options struct {
	Clock    clock.Clock
	Logger   *zap.Logger
	OnChange func(Change)
	// NewID generates temp ids; it defaults to "tmp_" + a random UUID.
	NewID func() string
}

type entry struct {
	msg   PendingMessage
	timer clock.Timer
	// gen invalidates timers and write results of earlier transmissions.
	gen uint64
}

// Channel is the message delivery channel.
type Channel struct {
	sender   Sender
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger
	onChange func(Change)
	newID    func() string

	mu           sync.Mutex
	conversation string
	pending      map[string]*entry
	confirmed    *recent.Set
}

// NewChannel creates a Channel writing through sender.
func NewChannel(sender Sender, cfg Config, opts Options) *Channel {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = def.MatchWindow
	}
	if cfg.ConfirmedCapacity <= 0 {
		cfg.ConfirmedCapacity = def.ConfirmedCapacity
	}
	if cfg.SenderType == "" {
		cfg.SenderType = def.SenderType
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return TempIDPrefix + uuid.NewString() }
	}
	return &Channel{
		sender:       sender,
		cfg:          cfg,
		clock:        opts.Clock,
		log:          opts.Logger,
		onChange:     opts.OnChange,
		newID:        opts.NewID,
		conversation: cfg.ConversationID,
		pending:      make(map[string]*entry),
		confirmed:    recent.New(cfg.ConfirmedCapacity * 2),
	}
}

// SetConversation changes the conversation used by SendText.
func (c *Channel) SetConversation(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversation = id
}

// Conversation returns the conversation used by SendText.
func (c *Channel) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// SendText sends content to the current conversation. See SendTextTo.
func (c *Channel) SendText(content string) string {
	return c.SendTextTo(c.Conversation(), content)
}

// SendTextTo enqueues content optimistically and transmits it. It returns
// the temp id, or "" when content is blank. Transport failures do not fail
// the call: the message stays tracked and is retransmitted later.
func (c *Channel) SendTextTo(conversationID, content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	now := c.clock.Now()
	tempID := c.newID()

	c.mu.Lock()
	e := &entry{msg: PendingMessage{
		TempID:         tempID,
		ConversationID: conversationID,
		Content:        content,
		State:          StatePending,
		EnqueuedAt:     now,
	}}
	c.pending[tempID] = e
	env, gen, change := c.armLocked(e, now)
	c.mu.Unlock()

	c.publish(change)
	c.transmit(tempID, gen, env)
	return tempID
}

// armLocked starts a new transmission of e: it counts the attempt, moves e
// to Sending and replaces its ack timer.
func (c *Channel) armLocked(e *entry, now time.Time) (protocol.Envelope, uint64, Change) {
	from := e.msg.State
	e.msg.Attempts++
	e.msg.LastAttemptAt = now
	e.msg.State = StateSending
	e.msg.Written = false
	e.gen++
	gen := e.gen
	if e.timer != nil {
		e.timer.Stop()
	}
	tempID := e.msg.TempID
	e.timer = c.clock.AfterFunc(c.cfg.AckTimeout, func() { c.expire(tempID, gen) })

	env := protocol.NewEnvelope(protocol.TypeSendMessage,
		protocol.SendMessageData(tempID, e.msg.ConversationID, e.msg.Content, e.msg.EnqueuedAt))
	return env, gen, c.changeLocked(e, from)
}

func (c *Channel) transmit(tempID string, gen uint64, env protocol.Envelope) bool {
	ok := c.sender.Send(env)

	c.mu.Lock()
	if e, found := c.pending[tempID]; found && e.gen == gen {
		e.msg.Written = ok
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("message not written, waiting for retransmit", zap.String("temp_id", tempID))
	}
	return ok
}

// expire handles an ack timeout: it retransmits while the retry budget
// lasts and settles the message in Failed afterwards.
func (c *Channel) expire(tempID string, gen uint64) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.pending[tempID]
	if !ok || e.gen != gen || e.msg.State != StateSending {
		c.mu.Unlock()
		return
	}
	e.timer = nil

	if e.msg.Attempts < c.cfg.MaxRetries {
		env, newGen, change := c.armLocked(e, now)
		attempts := e.msg.Attempts
		c.mu.Unlock()

		c.log.Info("ack timeout, retransmitting", zap.String("temp_id", tempID), zap.Int("attempt", attempts))
		c.publish(change)
		c.transmit(tempID, newGen, env)
		return
	}

	from := e.msg.State
	e.msg.State = StateFailed
	e.gen++
	change := c.changeLocked(e, from)
	c.mu.Unlock()

	c.log.Warn("message delivery failed", zap.String("temp_id", tempID), zap.Int("attempts", change.Attempts))
	c.publish(change)
}

// MarkServerMessage reconciles an inbound chat message with the pending set.
// It reports whether msg confirms one of our sends, including an echo of a
// message that was already confirmed. Matching prefers the echoed temp id,
// then the earliest-enqueued message of the same conversation whose content
// is equal after whitespace normalization and which was transmitted within
// the match window.
func (c *Channel) MarkServerMessage(msg protocol.ChatMessage) bool {
	now := c.clock.Now()

	c.mu.Lock()
	if msg.TempID != "" {
		if e, ok := c.pending[msg.TempID]; ok {
			change := c.confirmLocked(e, msg.ID)
			c.mu.Unlock()
			c.publish(change)
			return true
		}
	}
	if c.alreadyConfirmedLocked(msg) {
		c.mu.Unlock()
		return true
	}
	if msg.TempID != "" || (msg.SenderType != "" && msg.SenderType != c.cfg.SenderType) {
		c.mu.Unlock()
		return false
	}

	e := c.heuristicMatchLocked(msg, now)
	if e == nil {
		c.mu.Unlock()
		return false
	}
	change := c.confirmLocked(e, msg.ID)
	c.mu.Unlock()

	c.log.Debug("message confirmed heuristically", zap.String("temp_id", change.TempID), zap.String("server_id", msg.ID))
	c.publish(change)
	return true
}

func (c *Channel) alreadyConfirmedLocked(msg protocol.ChatMessage) bool {
	if msg.TempID != "" && c.confirmed.Has("tmp:"+msg.TempID) {
		return true
	}
	return msg.ID != "" && c.confirmed.Has("id:"+msg.ID)
}

func (c *Channel) heuristicMatchLocked(msg protocol.ChatMessage, now time.Time) *entry {
	content := normalize(msg.Content)
	if content == "" {
		return nil
	}
	var best *entry
	for _, e := range c.pending {
		if msg.ConversationID != "" && e.msg.ConversationID != "" && msg.ConversationID != e.msg.ConversationID {
			continue
		}
		if normalize(e.msg.Content) != content {
			continue
		}
		if now.Sub(e.msg.LastAttemptAt) > c.cfg.MatchWindow {
			continue
		}
		if best == nil || e.msg.EnqueuedAt.Before(best.msg.EnqueuedAt) ||
			(e.msg.EnqueuedAt.Equal(best.msg.EnqueuedAt) && e.msg.TempID < best.msg.TempID) {
			best = e
		}
	}
	return best
}

func (c *Channel) confirmLocked(e *entry, serverID string) Change {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	from := e.msg.State
	e.msg.State = StateSent
	e.msg.ServerID = serverID
	delete(c.pending, e.msg.TempID)
	c.confirmed.Add("tmp:" + e.msg.TempID)
	if serverID != "" {
		c.confirmed.Add("id:" + serverID)
	}
	return c.changeLocked(e, from)
}

// ResendFailed retransmits a Failed message with a fresh retry budget.
func (c *Channel) ResendFailed(tempID string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.pending[tempID]
	if !ok || e.msg.State != StateFailed {
		c.mu.Unlock()
		return false
	}
	e.msg.Attempts = 0
	env, gen, change := c.armLocked(e, now)
	c.mu.Unlock()

	c.publish(change)
	c.transmit(tempID, gen, env)
	return true
}

// ResendAllFailed resends every Failed message, oldest first, and returns
// how many were resent.
func (c *Channel) ResendAllFailed() int {
	n := 0
	for _, msg := range c.QueueSnapshot() {
		if msg.State == StateFailed && c.ResendFailed(msg.TempID) {
			n++
		}
	}
	return n
}

// Cancel abandons a Pending or Sending message. A late echo of it is then
// treated as an ordinary inbound message.
func (c *Channel) Cancel(tempID string) bool {
	return c.drop(tempID, StatePending, StateSending)
}

// Discard removes a Failed message the user chose not to resend.
func (c *Channel) Discard(tempID string) bool {
	return c.drop(tempID, StateFailed)
}

func (c *Channel) drop(tempID string, allowed ...State) bool {
	c.mu.Lock()
	e, ok := c.pending[tempID]
	if !ok || !stateIn(e.msg.State, allowed) {
		c.mu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	from := e.msg.State
	e.msg.State = StateCanceled
	delete(c.pending, tempID)
	change := c.changeLocked(e, from)
	c.mu.Unlock()

	c.publish(change)
	return true
}

// RetransmitUnsent rewrites every in-flight message whose last transmission
// never reached the transport, e.g. after a reconnect, and returns how many
// were written. No attempt is counted and the ack timer keeps running.
func (c *Channel) RetransmitUnsent() int {
	type job struct {
		tempID string
		gen    uint64
		env    protocol.Envelope
	}

	c.mu.Lock()
	var jobs []job
	for _, e := range c.sortedLocked() {
		if e.msg.State != StateSending || e.msg.Written {
			continue
		}
		jobs = append(jobs, job{
			tempID: e.msg.TempID,
			gen:    e.gen,
			env: protocol.NewEnvelope(protocol.TypeSendMessage,
				protocol.SendMessageData(e.msg.TempID, e.msg.ConversationID, e.msg.Content, e.msg.EnqueuedAt)),
		})
	}
	c.mu.Unlock()

	written := 0
	for _, j := range jobs {
		if c.transmit(j.tempID, j.gen, j.env) {
			written++
		}
	}
	if written > 0 {
		c.log.Info("retransmitted unsent messages", zap.Int("count", written))
	}
	return written
}

// QueueSnapshot returns copies of the tracked messages, oldest first.
func (c *Channel) QueueSnapshot() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted := c.sortedLocked()
	out := make([]PendingMessage, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, e.msg)
	}
	return out
}

// Len returns the number of tracked messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) sortedLocked() []*entry {
	out := make([]*entry, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].msg.EnqueuedAt.Equal(out[j].msg.EnqueuedAt) {
			return out[i].msg.TempID < out[j].msg.TempID
		}
		return out[i].msg.EnqueuedAt.Before(out[j].msg.EnqueuedAt)
	})
	return out
}

func (c *Channel) changeLocked(e *entry, from State) Change {
	return Change{
		TempID:   e.msg.TempID,
		ServerID: e.msg.ServerID,
		From:     from,
		To:       e.msg.State,
		Attempts: e.msg.Attempts,
	}
}

func (c *Channel) publish(change Change) {
	if c.onChange != nil && change.From != change.To {
		c.onChange(change)
	}
}

func stateIn(s State, states []State) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// normalize trims content and collapses inner whitespace.
func normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}
