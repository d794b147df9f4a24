// Package bridge forwards platform notifications onto a NATS cluster so
// downstream tooling can consume them without holding its own platform
// session. Topics map one-to-one onto NATS subjects under a configurable
// prefix; an optional JetStream stream makes delivery durable.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Bridge republishes notifications onto NATS. It is safe for concurrent use
// once connected.
type Bridge struct {
	url    string
	logger *slog.Logger

	subjectPrefix string
	clientName    string

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication
	username string
	password string
	token    string

	// JetStream durable mode
	streamName string

	status atomic.Value // stores ConnectionStatus

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Bridge
type Option func(*Bridge) error

// WithSubjectPrefix sets the prefix prepended to every forwarded subject
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) error {
		if prefix == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Bridge", "WithSubjectPrefix", "validate prefix")
		}
		b.subjectPrefix = prefix
		return nil
	}
}

// WithName sets the NATS client name
func WithName(name string) Option {
	return func(b *Bridge) error {
		b.clientName = name
		return nil
	}
}

// WithCredentials sets username and password authentication
func WithCredentials(username, password string) Option {
	return func(b *Bridge) error {
		b.username = username
		b.password = password
		return nil
	}
}

// WithToken sets token authentication
func WithToken(token string) Option {
	return func(b *Bridge) error {
		b.token = token
		return nil
	}
}

// WithMaxReconnects sets the maximum reconnection attempts, -1 for infinite
func WithMaxReconnects(max int) Option {
	return func(b *Bridge) error {
		b.maxReconnects = max
		return nil
	}
}

// WithReconnectWait sets the wait between reconnection attempts
func WithReconnectWait(d time.Duration) Option {
	return func(b *Bridge) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Bridge", "WithReconnectWait", "validate wait")
		}
		b.reconnectWait = d
		return nil
	}
}

// WithJetStream enables durable forwarding through a JetStream stream of the
// given name covering the bridge's subject prefix
func WithJetStream(streamName string) Option {
	return func(b *Bridge) error {
		if streamName == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Bridge", "WithJetStream", "validate stream name")
		}
		b.streamName = streamName
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Bridge", "WithLogger", "validate logger")
		}
		b.logger = logger
		return nil
	}
}

// NewBridge creates a disconnected bridge for the given NATS URL.
func NewBridge(url string, opts ...Option) (*Bridge, error) {
	if url == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Bridge", "NewBridge", "validate NATS URL")
	}
	b := &Bridge{
		url:           url,
		logger:        slog.Default(),
		subjectPrefix: "ampp",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}
	b.status.Store(StatusDisconnected)

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Status returns the current connection status
func (b *Bridge) Status() ConnectionStatus {
	return b.status.Load().(ConnectionStatus)
}

func (b *Bridge) setStatus(status ConnectionStatus) {
	b.status.Store(status)
}

// IsHealthy returns true if the bridge is connected.
func (b *Bridge) IsHealthy() bool {
	return b.Status() == StatusConnected
}

func (b *Bridge) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(b.maxReconnects),
		nats.ReconnectWait(b.reconnectWait),
		nats.Timeout(b.timeout),
		nats.DrainTimeout(b.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.setStatus(StatusReconnecting)
			b.logger.Warn("bridge disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.setStatus(StatusConnected)
			b.logger.Info("bridge reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.setStatus(StatusDisconnected)
		}),
	}

	if b.username != "" && b.password != "" {
		opts = append(opts, nats.UserInfo(b.username, b.password))
	}
	if b.token != "" {
		opts = append(opts, nats.Token(b.token))
	}
	if b.clientName != "" {
		opts = append(opts, nats.Name(b.clientName))
	}
	return opts
}

// Connect establishes the NATS connection and, in durable mode, creates or
// updates the JetStream stream.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.closed.Load() {
		return errors.WrapFatal(errors.ErrChannelClosed,
			"Bridge", "Connect", "connect on closed bridge")
	}

	b.setStatus(StatusConnecting)
	conn, err := nats.Connect(b.url, b.buildConnectionOptions()...)
	if err != nil {
		b.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Bridge", "Connect", "connect to NATS")
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	if b.streamName != "" {
		if err := b.setupStream(ctx, conn); err != nil {
			conn.Close()
			b.setStatus(StatusDisconnected)
			return err
		}
	}

	b.setStatus(StatusConnected)
	b.logger.Info("bridge connected", "url", b.url, "durable", b.streamName != "")
	return nil
}

func (b *Bridge) setupStream(ctx context.Context, conn *nats.Conn) error {
	js, err := jetstream.New(conn)
	if err != nil {
		return errors.WrapFatal(err, "Bridge", "setupStream", "create JetStream context")
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.streamName,
		Subjects: []string{b.subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "setupStream", "create stream")
	}

	b.mu.Lock()
	b.js = js
	b.stream = stream
	b.mu.Unlock()
	return nil
}

// Subject returns the NATS subject a notification topic forwards to.
func (b *Bridge) Subject(topic string) string {
	return b.subjectPrefix + "." + topic
}

// Forward republishes one notification. The payload is the notification's
// JSON encoding; the subject is the topic under the bridge prefix.
func (b *Bridge) Forward(ctx context.Context, n notification.Notification) error {
	b.mu.RLock()
	conn, js := b.conn, b.js
	b.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected,
			"Bridge", "Forward", "forward notification")
	}

	payload, err := encodeNotification(n)
	if err != nil {
		return err
	}
	subject := b.Subject(n.Topic)

	if js != nil {
		if _, err := js.Publish(ctx, subject, payload); err != nil {
			return errors.WrapTransient(err, "Bridge", "Forward", "publish to stream")
		}
		return nil
	}
	if err := conn.Publish(subject, payload); err != nil {
		return errors.WrapTransient(err, "Bridge", "Forward", "publish to NATS")
	}
	return nil
}

// Bind registers forwarding listeners for every notification family on the
// registry. The returned tokens remove them.
func (b *Bridge) Bind(registry *notification.Registry) []notification.Token {
	families := []notification.Family{
		notification.FamilyControlNotify,
		notification.FamilyControlStatus,
		notification.FamilyRouteMade,
		notification.FamilyKeyframe,
		notification.FamilyAudioProbe,
		notification.FamilyOpaque,
	}

	tokens := make([]notification.Token, 0, len(families))
	for _, family := range families {
		tokens = append(tokens, registry.Add(family, func(d notification.Dispatch) {
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()
			if err := b.Forward(ctx, d.Source); err != nil {
				b.logger.Warn("forward failed",
					"topic", d.Source.Topic, "error", err)
			}
		}))
	}
	return tokens
}

// Close drains and closes the NATS connection. Safe to call more than once.
func (b *Bridge) Close() error {
	var drainErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.mu.Lock()
		conn := b.conn
		b.conn = nil
		b.js = nil
		b.mu.Unlock()

		if conn != nil {
			if err := conn.Drain(); err != nil {
				drainErr = fmt.Errorf("drain failed: %w", err)
				conn.Close()
			}
		}
		b.setStatus(StatusDisconnected)
		b.logger.Info("bridge closed")
	})
	return drainErr
}
