package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/omochice/chatlink/internal/connection"
	"github.com/omochice/chatlink/internal/delivery"
	"github.com/omochice/chatlink/internal/metricsexporter"
	"github.com/omochice/chatlink/internal/notify"
	"github.com/omochice/chatlink/internal/quality"
	"github.com/omochice/chatlink/internal/router"
	"github.com/omochice/chatlink/internal/session"
	"github.com/omochice/chatlink/pkg/protocol"
)

const helpText = `Commands:
  /retry [temp_id]   resend one failed message, or all of them
  /cancel <temp_id>  abandon a message still in flight
  /discard <temp_id> drop a failed message
  /queue             list unconfirmed messages
  /conv <id>         switch the conversation new messages go to
  /stats             dump connection diagnostics as YAML
  /quit              disconnect and exit
Anything else is sent as a chat message.`

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   CmdConnect,
		Short: "Connect to a chat server and chat from stdin",
		Args:  cobra.NoArgs,
		RunE:  runConnect,
	}
}

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Connection.URL == "" {
		return errors.New("a websocket URL is required (--url or connection.url)")
	}

	sess := session.New(cfg.Dialer(), cfg.Config, session.Options{Logger: logger})

	if cfg.Exporter.Addr != "" {
		exp := metricsexporter.New(sess, prometheus.Labels{"session": sess.ID()})
		sess.HandleAny(exp.Observe)
		reg := prometheus.NewRegistry()
		reg.MustRegister(exp)
		srv := metricsexporter.NewServer(cfg.Exporter.Addr, reg, logger.Named("metrics"))
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	r := &repl{sess: sess, out: cmd.OutOrStdout()}
	sess.HandleAny(r.onEvent)
	watched := r.watch(sess.Subscribe(64))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in the background", zap.Error(err))
		r.printf("Session %s started, still connecting. Type /help for commands.\n", sess.ID())
	} else {
		r.printf("Session %s started. Type /help for commands.\n", sess.ID())
	}

	err = r.run(ctx, cmd.InOrStdin())
	_ = sess.Close()
	<-watched
	return err
}

// repl is the interactive front end of one session.
type repl struct {
	sess *session.Session
	out  io.Writer
	mu   sync.Mutex
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// onEvent prints inbound chat messages that are not echoes of our own sends.
func (r *repl) onEvent(rt router.Routed) {
	if !rt.HasMessage || rt.Confirmed {
		return
	}
	msg := rt.Message
	switch rt.Name {
	case protocol.DomainMessageDeleted:
		r.printf("[%s] message %s deleted\n", msg.ConversationID, msg.ID)
	case protocol.DomainMessageUpdated:
		r.printf("[%s] %s (edited): %s\n", msg.ConversationID, sender(msg), msg.Content)
	default:
		r.printf("[%s] %s: %s\n", msg.ConversationID, sender(msg), msg.Content)
	}
}

func sender(msg protocol.ChatMessage) string {
	if msg.SenderType == "" {
		return "unknown"
	}
	return msg.SenderType
}

// watch prints notifications until sub is closed; the returned channel is
// closed then.
func (r *repl) watch(sub *notify.Subscriber) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range sub.C {
			switch c := n.Payload.(type) {
			case connection.StateChange:
				r.printf("*** connection %s -> %s (%s) ***\n", c.From, c.To, c.Reason)
			case quality.Change:
				r.printf("*** quality %s -> %s (score %.1f) ***\n", c.From, c.To, c.Score)
			case delivery.Change:
				switch c.To {
				case delivery.StateSent:
					r.printf("*** %s delivered as %s ***\n", c.TempID, c.ServerID)
				case delivery.StateFailed:
					r.printf("*** %s failed after %d attempts, /retry %s ***\n", c.TempID, c.Attempts, c.TempID)
				}
			}
		}
	}()
	return done
}

// run reads commands until /quit, EOF or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("error reading input: %w", err)
			}
			return nil
		case line := <-lines:
			if quit := r.exec(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// exec runs one input line and reports whether the user asked to quit.
func (r *repl) exec(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if id := r.sess.SendText(line); id != "" {
			r.printf("... %s queued\n", id)
		}
		return false
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/retry":
		if arg == "" {
			r.printf("resent %d failed message(s)\n", r.sess.ResendAllFailed())
		} else if !r.sess.ResendFailed(arg) {
			r.printf("%s is not a failed message\n", arg)
		}
	case "/cancel":
		if !r.sess.Cancel(arg) {
			r.printf("%s is not in flight\n", arg)
		}
	case "/discard":
		if !r.sess.Discard(arg) {
			r.printf("%s is not a failed message\n", arg)
		}
	case "/queue":
		queue := r.sess.QueueSnapshot()
		if len(queue) == 0 {
			r.printf("no unconfirmed messages\n")
		}
		for _, m := range queue {
			r.printf("%s %-8s attempts=%d %q\n", m.TempID, m.State, m.Attempts, m.Content)
		}
	case "/conv":
		if arg == "" {
			r.printf("usage: /conv <id>\n")
			break
		}
		r.sess.SetConversation(arg)
		r.printf("sending to conversation %s\n", arg)
	case "/stats":
		out, err := yaml.Marshal(r.sess.Diagnostics())
		if err != nil {
			r.printf("failed to encode diagnostics: %v\n", err)
			break
		}
		r.printf("%s", out)
	default:
		r.printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}
