// Package notify is the invalidation bus. Administrative writes queue
// pg_notify events inside their own transaction (see the store schema
// triggers); every executor and gateway replica runs a Listener that
// LISTENs on the two channels, debounces per derived key, and drives its
// local caches. Notifications lost while disconnected are compensated by a
// full refresh on reconnect.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/heliosfn/helios/internal/logging"
)

// Default channel names.
const (
	ChannelGateway   = "gateway_invalidated"
	ChannelExecution = "execution_cache_invalidated"
)

// Payload identifies the invalidated scope on the execution channel. The
// gateway channel carries an empty payload.
type Payload struct {
	Table      string `json:"table"`
	FunctionID string `json:"function_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
}

// Event is one notification delivered to the handler after debouncing.
type Event struct {
	Channel string
	Payload Payload
}

// Key derives the debounce key for an event. Same-key notifications within
// the debounce window collapse into one callback carrying the latest
// payload.
func (e Event) Key() string {
	if e.Channel != ChannelExecution {
		return "gateway"
	}
	switch e.Payload.Table {
	case "function_environment_variables":
		return "envvars:" + e.Payload.FunctionID
	case "project_network_policies":
		return "netpol:" + e.Payload.ProjectID
	case "global_network_policies":
		return "netpol:global"
	case "functions":
		return "fn:" + e.Payload.FunctionID
	}
	return e.Channel + ":" + e.Payload.Table
}

// Handler consumes debounced events. It must be idempotent: delivery is
// at-least-once within a session.
type Handler func(Event)

// Listener subscribes to the invalidation channels over a dedicated
// connection, reconnecting automatically with backoff.
type Listener struct {
	dsn         string
	channels    []string
	debounce    time.Duration
	handler     Handler
	onReconnect func()

	deb *debouncer
}

// NewListener creates a listener. onReconnect is invoked after every
// (re)establishment of the connection except the first; consumers must use
// it to fully refresh their caches, because notifications issued while
// disconnected are lost.
func NewListener(dsn string, channels []string, debounce time.Duration, handler Handler, onReconnect func()) *Listener {
	return &Listener{
		dsn:         dsn,
		channels:    channels,
		debounce:    debounce,
		handler:     handler,
		onReconnect: onReconnect,
		deb:         newDebouncer(debounce, handler),
	}
}

// Run blocks until ctx is cancelled, maintaining the LISTEN session.
func (l *Listener) Run(ctx context.Context) {
	defer l.deb.stop()

	first := true
	backoff := time.Second
	for ctx.Err() == nil {
		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}

		err := l.listenOnce(ctx, !first)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Op().Warn("notify listener disconnected", "error", err)
		}
		first = false
	}
}

func (l *Listener) listenOnce(ctx context.Context, reconnected bool) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	for _, ch := range l.channels {
		if !validChannelName(ch) {
			return fmt.Errorf("invalid channel name %q", ch)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	logging.Op().Info("notify listener connected", "channels", strings.Join(l.channels, ","))

	if reconnected && l.onReconnect != nil {
		l.onReconnect()
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev := Event{Channel: n.Channel}
		if n.Payload != "" {
			if err := json.Unmarshal([]byte(n.Payload), &ev.Payload); err != nil {
				logging.Op().Warn("malformed notify payload", "channel", n.Channel, "payload", n.Payload)
				continue
			}
		}
		l.deb.offer(ev)
	}
}

// channel names come from config; LISTEN takes an identifier, not a
// bind parameter, so restrict to safe characters.
func validChannelName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
