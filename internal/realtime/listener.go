package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"hemtjanst/api/internal/logging"
)

const DefaultChannel = "table_changes"

// WatchedTables are the tables whose triggers notify DefaultChannel.
var WatchedTables = []string{
	"content_blocks",
	"feature_flags",
	"feature_flag_overrides",
	"scheduled_flag_changes",
	"jobs",
	"job_requests",
	"projects",
	"quotes",
	"leads",
	"users",
}

// NotificationConn is the part of *pgx.Conn the listener uses.
type NotificationConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type Dispatcher interface {
	Dispatch(event Event)
}

// PGListener turns Postgres NOTIFY payloads into bridge events and reconnects with backoff.
type PGListener struct {
	connect    func(ctx context.Context) (NotificationConn, error)
	channel    string
	tables     []string
	dispatcher Dispatcher
	log        logging.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

type ListenerOption func(*PGListener)

func WithChannel(channel string) ListenerOption {
	return func(l *PGListener) {
		l.channel = channel
	}
}

func WithTables(tables ...string) ListenerOption {
	return func(l *PGListener) {
		l.tables = append([]string(nil), tables...)
	}
}

func WithBackoff(minBackoff, maxBackoff time.Duration) ListenerOption {
	return func(l *PGListener) {
		l.minBackoff = minBackoff
		l.maxBackoff = maxBackoff
	}
}

func WithListenerLogger(log logging.Logger) ListenerOption {
	return func(l *PGListener) {
		l.log = logging.OrNoOp(log)
	}
}

// WithConnector replaces the pgx dialer, mainly for tests.
func WithConnector(connect func(ctx context.Context) (NotificationConn, error)) ListenerOption {
	return func(l *PGListener) {
		l.connect = connect
	}
}

func NewPGListener(databaseURL string, dispatcher Dispatcher, opts ...ListenerOption) *PGListener {
	l := &PGListener{
		connect: func(ctx context.Context) (NotificationConn, error) {
			conn, err := pgx.Connect(ctx, databaseURL)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		channel:    DefaultChannel,
		tables:     WatchedTables,
		dispatcher: dispatcher,
		log:        logging.NoOp(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type notifyPayload struct {
	Table    string `json:"table"`
	Type     string `json:"type"`
	RecordID string `json:"record_id"`
}

// Run listens until ctx is cancelled. Every successful (re)connect is followed by one Resync per table.
func (l *PGListener) Run(ctx context.Context) error {
	backoff := l.minBackoff
	for {
		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn("realtime listener disconnected", "error", err, "retry_in", backoff.String())

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if errors.Is(err, errListenerHealthy) {
			backoff = l.minBackoff
			continue
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// errListenerHealthy marks a connection that delivered at least one notification before dropping.
var errListenerHealthy = errors.New("connection dropped after delivering notifications")

func (l *PGListener) listenOnce(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.log.Info("realtime listener connected", "channel", l.channel)

	now := time.Now().UTC()
	for _, table := range l.tables {
		l.dispatcher.Dispatch(Event{Table: table, Type: Resync, At: now})
	}

	delivered := false
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if delivered {
				return fmt.Errorf("%w: %v", errListenerHealthy, err)
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		event, err := parseNotification(notification.Payload)
		if err != nil {
			l.log.Warn("ignoring malformed notification", "payload", notification.Payload, "error", err)
			continue
		}
		delivered = true
		l.dispatcher.Dispatch(event)
	}
}

func parseNotification(payload string) (Event, error) {
	var decoded notifyPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return Event{}, err
	}
	if decoded.Table == "" {
		return Event{}, errors.New("missing table")
	}
	eventType := EventType(decoded.Type)
	switch eventType {
	case Insert, Update, Delete:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", decoded.Type)
	}
	return Event{Table: decoded.Table, Type: eventType, RecordID: decoded.RecordID, At: time.Now().UTC()}, nil
}
