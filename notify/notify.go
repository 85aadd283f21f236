// Package notify delivers store events to in-process subscribers over
// PostgreSQL LISTEN/NOTIFY.
//
// The Postgres store publishes a JSON payload on every archival write,
// compaction record, and fact insert. Listener consumes those payloads on a
// dedicated lib/pq connection, decodes them into typed events, and fans them
// out to subscribed handlers, so other gateway processes sharing a session
// can refresh their view without polling.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lodestarhq/threadline/logging"
)

// EventType represents the type of event.
type EventType string

// Event types published by the Postgres store. Values match the "type"
// field of the published payload.
const (
	EventSegmentArchived    EventType = "segment_archived"
	EventCompactionRecorded EventType = "compaction_recorded"
	EventFactAdded          EventType = "fact_added"
)

// Event represents a decoded notification.
type Event struct {
	// ID uniquely identifies this delivery.
	ID string

	// Type is the event type.
	Type EventType

	// SessionID scopes the event to a conversation, when the publisher set one.
	SessionID string

	// Payload holds the remaining fields of the published JSON body.
	Payload map[string]any

	// ReceivedAt is when the event was received.
	ReceivedAt time.Time
}

// Handler is called when an event is received.
type Handler func(event *Event)

// Defaults applied by New when the corresponding Config field is zero.
const (
	// DefaultChannel matches the channel the Postgres store publishes on.
	DefaultChannel = "threadline_events"

	DefaultMinReconnect = 1 * time.Second
	DefaultMaxReconnect = 30 * time.Second
	DefaultPingInterval = 90 * time.Second
)

// Config holds configuration for the listener.
type Config struct {
	// ConnInfo is the lib/pq connection string. Required.
	ConnInfo string

	// Channel is the NOTIFY channel to listen on.
	// Default: threadline_events
	Channel string

	// MinReconnect is the initial wait before reconnecting after a disconnect.
	// Default: 1 second
	MinReconnect time.Duration

	// MaxReconnect caps the reconnect backoff.
	// Default: 30 seconds
	MaxReconnect time.Duration

	// PingInterval is how often the connection is pinged to detect silent drops.
	// Default: 90 seconds
	PingInterval time.Duration

	// OnError is called when a connection error occurs.
	OnError func(err error)

	// OnReconnect is called when the listener reconnects. Notifications sent
	// during the outage were not delivered.
	OnReconnect func()

	// Logger receives connection and decode diagnostics. Defaults to a
	// no-op logger.
	Logger logging.Logger
}

// listenConn is the subset of *pq.Listener the run loop uses.
type listenConn interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

var _ listenConn = (*pq.Listener)(nil)

// subscription is one registered handler.
type subscription struct {
	eventType EventType
	handler   Handler
	id        int64
}

// Listener receives store events over a dedicated LISTEN connection and
// dispatches them to subscribers. Reconnection is handled by lib/pq.
type Listener struct {
	config *Config
	logger logging.Logger

	conn listenConn

	mu            sync.RWMutex
	subscriptions map[EventType][]*subscription
	nextSubID     int64

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a listener. The connection is not opened until Start.
func New(config *Config) (*Listener, error) {
	if config == nil || config.ConnInfo == "" {
		return nil, ErrMissingConnInfo
	}

	cfg := *config
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.MinReconnect <= 0 {
		cfg.MinReconnect = DefaultMinReconnect
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = DefaultMaxReconnect
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Listener{
		config:        &cfg,
		logger:        logger,
		subscriptions: make(map[EventType][]*subscription),
	}, nil
}

// Start opens the connection, issues LISTEN, and begins dispatching.
func (l *Listener) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if l.conn == nil {
		l.conn = pq.NewListener(l.config.ConnInfo, l.config.MinReconnect, l.config.MaxReconnect, l.connEvent)
	}
	if err := l.conn.Listen(l.config.Channel); err != nil {
		_ = l.conn.Close()
		l.conn = nil
		l.started.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", l.config.Channel, err)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)

	return nil
}

// Stop stops dispatching and closes the connection.
func (l *Listener) Stop() error {
	if !l.started.Load() {
		return ErrNotStarted
	}

	l.cancel()
	<-l.done

	err := l.conn.Close()
	l.conn = nil
	l.started.Store(false)
	return err
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.started.Load()
}

// Subscribe registers a handler for the given event type.
// Returns a function to unsubscribe.
func (l *Listener) Subscribe(eventType EventType, handler Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &subscription{
		eventType: eventType,
		handler:   handler,
		id:        l.nextSubID,
	}
	l.nextSubID++

	l.subscriptions[eventType] = append(l.subscriptions[eventType], sub)

	return func() {
		l.unsubscribe(eventType, sub.id)
	}
}

// unsubscribe removes a subscription.
func (l *Listener) unsubscribe(eventType EventType, id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.subscriptions[eventType]
	for i, sub := range subs {
		if sub.id == id {
			l.subscriptions[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// connEvent receives connection state changes from lib/pq.
func (l *Listener) connEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Debug("listener connected", "channel", l.config.Channel)
	case pq.ListenerEventDisconnected:
		l.logger.Warn("listener disconnected", "error", err)
		if l.config.OnError != nil && err != nil {
			l.config.OnError(err)
		}
	case pq.ListenerEventReconnected:
		l.logger.Info("listener reconnected", "channel", l.config.Channel)
		if l.config.OnReconnect != nil {
			l.config.OnReconnect()
		}
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("listener reconnect attempt failed", "error", err)
		if l.config.OnError != nil && err != nil {
			l.config.OnError(err)
		}
	}
}

// run is the main notification loop.
func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	notifications := l.conn.NotificationChannel()
	ping := time.NewTicker(l.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-notifications:
			if !ok {
				return
			}
			if notification == nil {
				// lib/pq delivers nil after a reconnect; anything published
				// during the outage was lost.
				l.logger.Warn("notification gap after reconnect", "channel", l.config.Channel)
				continue
			}
			event, err := parseEvent(notification.Extra)
			if err != nil {
				l.logger.Warn("failed to decode notification", "error", err)
				continue
			}
			l.dispatch(event)
		case <-ping.C:
			// Off the loop; Ping blocks until the connection answers.
			go func() {
				if err := l.conn.Ping(); err != nil {
					l.logger.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

// parseEvent decodes a published payload into an Event.
func parseEvent(payload string) (*Event, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}

	eventType, _ := raw["type"].(string)
	if eventType == "" {
		return nil, fmt.Errorf("event payload missing type: %s", payload)
	}
	delete(raw, "type")

	sessionID, _ := raw["session_id"].(string)
	delete(raw, "session_id")

	return &Event{
		ID:         uuid.NewString(),
		Type:       EventType(eventType),
		SessionID:  sessionID,
		Payload:    raw,
		ReceivedAt: time.Now(),
	}, nil
}

// dispatch sends an event to all subscribed handlers.
func (l *Listener) dispatch(event *Event) {
	l.mu.RLock()
	subs := make([]*subscription, len(l.subscriptions[event.Type]))
	copy(subs, l.subscriptions[event.Type])
	l.mu.RUnlock()

	for _, sub := range subs {
		// Handlers run synchronously to preserve ordering; long work
		// belongs in the handler's own goroutine.
		sub.handler(event)
	}
}
