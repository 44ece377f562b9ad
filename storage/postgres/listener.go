package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// RevisionNotification is the payload published by the revision trigger.
type RevisionNotification struct {
	ID         string `json:"id"`
	Revision   string `json:"rev"`
	Generation int    `json:"generation"`
}

// RevisionHandler handles one notification. Errors are logged.
type RevisionHandler func(ctx context.Context, n RevisionNotification) error

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	ConnectionString    string
	Channel             string
	ReconnectInterval   time.Duration
	NotificationTimeout time.Duration
	Logger              *logging.Logger
}

// Listener delivers revision notifications from a LISTEN/NOTIFY channel to
// registered handlers. Because every new leaf triggers a notification, it
// is the push-side complement of the bulk scanner: a handler can run
// detection on exactly the documents that just changed.
type Listener struct {
	channel string
	logger  *logging.Logger

	listener  *pq.Listener
	pingEvery time.Duration

	mu       sync.RWMutex
	handlers []RevisionHandler

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewListener creates a listener. Call Start to begin receiving.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("channel cannot be empty")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent(logging.Component("postgres-listener"))
	}

	l := &Listener{
		channel:   cfg.Channel,
		logger:    cfg.Logger,
		pingEvery: 3 * cfg.NotificationTimeout,
		done:      make(chan struct{}),
	}
	l.listener = pq.NewListener(cfg.ConnectionString, cfg.ReconnectInterval, 12*cfg.ReconnectInterval, l.eventCallback)
	return l, nil
}

// Channel returns the channel name.
func (l *Listener) Channel() string { return l.channel }

// Subscribe registers a handler. Handlers run sequentially in
// registration order on the listener goroutine.
func (l *Listener) Subscribe(handler RevisionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// eventCallback handles pq.Listener events
func (l *Listener) eventCallback(event pq.ListenerEventType, err error) {
	ctx := context.Background()
	switch event {
	case pq.ListenerEventConnected:
		l.logger.InfoContext(ctx, "connected to PostgreSQL for LISTEN/NOTIFY", slog.String("channel", l.channel))
	case pq.ListenerEventDisconnected:
		l.logger.LogWarn(ctx, err, "disconnected from PostgreSQL")
	case pq.ListenerEventReconnected:
		// pq re-issues LISTEN for every channel after a reconnect.
		// Notifications sent while disconnected are lost; a scan covers the gap.
		l.logger.InfoContext(ctx, "reconnected to PostgreSQL", slog.String("channel", l.channel))
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.LogWarn(ctx, err, "connection attempt failed")
	}
}

// Start issues LISTEN and processes notifications until ctx is done or the
// listener is closed.
func (l *Listener) Start(ctx context.Context) error {
	if l.closed.Load() {
		return fmt.Errorf("listener is closed")
	}
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already started")
	}
	if err := l.listener.Listen(l.channel); err != nil {
		l.started.Store(false)
		return fmt.Errorf("failed to listen to channel %s: %w", l.channel, err)
	}
	l.wg.Add(1)
	go l.listenLoop(ctx)
	return nil
}

// listenLoop is the main loop that processes notifications
func (l *Listener) listenLoop(ctx context.Context) {
	defer l.wg.Done()
	defer l.logger.DebugContext(ctx, "notification listener stopped")

	ticker := time.NewTicker(l.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// nil is sent after a reconnect.
			if n != nil {
				l.dispatch(ctx, n.Extra)
			}
		case <-ticker.C:
			if err := l.listener.Ping(); err != nil {
				l.logger.LogWarn(ctx, err, "listener ping failed")
			}
		}
	}
}

// dispatch decodes a payload and runs every handler.
func (l *Listener) dispatch(ctx context.Context, payload string) {
	var n RevisionNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.logger.LogWarn(ctx, err, "failed to parse notification payload", slog.String("payload", payload))
		return
	}

	l.mu.RLock()
	handlers := append([]RevisionHandler(nil), l.handlers...)
	l.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, n); err != nil {
			l.logger.LogWarn(ctx, err, "revision handler failed",
				slog.String("document_id", n.ID),
				slog.String("revision", n.Revision),
			)
		}
	}
}

// Close stops the listen loop and closes the connection.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	err := l.listener.Close()
	l.wg.Wait()
	return err
}
