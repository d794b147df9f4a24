// Package pushchannel implements the realtime notification channel against
// the platform push hub: a JSON hub protocol session over websocket with
// automatic reconnection and subscription replay.
package pushchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/axm06051/AmppControlSdk-0.9.32/auth"
	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/metric"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
)

const hubPath = "/pushnotificationshub"

// ConnectionStatus represents the state of the push hub connection
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

// Dispatcher receives every notification the hub pushes down the channel.
type Dispatcher interface {
	Dispatch(n notification.Notification)
}

// Channel is a push hub client. One Channel holds one hub session; topics
// subscribed through it are tracked and replayed after a reconnect.
type Channel struct {
	session    *auth.Session
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metric.Metrics

	source        string
	publishTTL    int
	correlationID string

	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	invokeTimeout    time.Duration
	reconnectWait    time.Duration
	maxReconnectWait time.Duration
	keepaliveEvery   time.Duration

	status atomic.Value // stores ConnectionStatus

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]struct{}

	pendingMu    sync.Mutex
	pending      map[string]chan hubMessage
	invocationID atomic.Int64

	onReconnecting func()
	onReconnected  func()
	onClosed       func(error)

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Channel
type Option func(*Channel) error

// WithDispatcher sets the notification dispatcher
func WithDispatcher(d Dispatcher) Option {
	return func(c *Channel) error {
		c.dispatcher = d
		return nil
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) error {
		if logger == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Channel", "WithLogger", "validate logger")
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics attaches core client metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(c *Channel) error {
		c.metrics = metrics
		return nil
	}
}

// WithSource sets the source stamped on published notifications
func WithSource(source string) Option {
	return func(c *Channel) error {
		c.source = source
		return nil
	}
}

// WithPublishTTL sets the TTL in milliseconds stamped on published
// notifications
func WithPublishTTL(ttl int) Option {
	return func(c *Channel) error {
		if ttl <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Channel", "WithPublishTTL", "validate ttl")
		}
		c.publishTTL = ttl
		return nil
	}
}

// WithReconnectWait sets the initial and maximum reconnect backoff
func WithReconnectWait(initial, max time.Duration) Option {
	return func(c *Channel) error {
		if initial <= 0 || max < initial {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Channel", "WithReconnectWait", "validate backoff bounds")
		}
		c.reconnectWait = initial
		c.maxReconnectWait = max
		return nil
	}
}

// WithOnReconnecting registers a callback fired when the channel loses its
// connection and begins reconnecting
func WithOnReconnecting(fn func()) Option {
	return func(c *Channel) error {
		c.onReconnecting = fn
		return nil
	}
}

// WithOnReconnected registers a callback fired after subscriptions have been
// replayed on a fresh connection
func WithOnReconnected(fn func()) Option {
	return func(c *Channel) error {
		c.onReconnected = fn
		return nil
	}
}

// WithOnClosed registers a callback fired exactly once when the channel
// shuts down
func WithOnClosed(fn func(error)) Option {
	return func(c *Channel) error {
		c.onClosed = fn
		return nil
	}
}

// NewChannel creates a push channel bound to an authenticated session.
func NewChannel(session *auth.Session, opts ...Option) (*Channel, error) {
	if session == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Channel", "NewChannel", "validate session")
	}

	c := &Channel{
		session:          session,
		logger:           slog.Default(),
		source:           "ampp-control-sdk",
		publishTTL:       3000,
		correlationID:    uuid.NewString(),
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: 10 * time.Second,
		invokeTimeout:    15 * time.Second,
		reconnectWait:    time.Second,
		maxReconnectWait: time.Minute,
		keepaliveEvery:   15 * time.Second,
		subs:             make(map[string]struct{}),
		pending:          make(map[string]chan hubMessage),
		done:             make(chan struct{}),
	}
	c.status.Store(StatusDisconnected)

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Status returns the current connection status
func (c *Channel) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Channel) setStatus(status ConnectionStatus) {
	c.status.Store(status)
	if c.metrics != nil {
		c.metrics.RecordPushConnected(status == StatusConnected)
	}
}

// CorrelationID returns the channel's subscription context id.
func (c *Channel) CorrelationID() string {
	return c.correlationID
}

// Connect dials the hub, performs the protocol handshake, and starts the
// read loop. It returns once the channel is ready for Subscribe and Publish.
func (c *Channel) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapFatal(errors.ErrChannelClosed,
			"Channel", "Connect", "connect on closed channel")
	}

	c.setStatus(StatusConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(StatusConnected)

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.keepalive()

	// Round-trip check; a broken session surfaces through the read loop.
	if err := c.Ping(ctx); err != nil {
		c.logger.Warn("initial ping failed", "error", err)
	}

	c.logger.Info("push channel connected", "url", c.hubURL())
	return nil
}

func (c *Channel) hubURL() string {
	base := c.session.PlatformURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + hubPath
}

// dial establishes a websocket connection and completes the hub handshake.
func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.session.Token()
	if err != nil {
		return nil, err
	}

	hubURL := c.hubURL() + "?access_token=" + url.QueryEscape(token)
	conn, resp, err := c.dialer.DialContext(ctx, hubURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: dial status %d", errors.ErrHandshake, resp.StatusCode),
				"Channel", "dial", "dial push hub")
		}
		return nil, errors.WrapTransient(err, "Channel", "dial", "dial push hub")
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Channel) handshake(conn *websocket.Conn) error {
	record, err := encodeRecord(handshakeRequest{Protocol: "json", Version: 1})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, record); err != nil {
		return errors.WrapTransient(errors.ErrHandshake,
			"Channel", "handshake", "send handshake request")
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return errors.WrapTransient(errors.ErrHandshake,
			"Channel", "handshake", "read handshake response")
	}
	conn.SetReadDeadline(time.Time{})

	records, err := splitRecords(data)
	if err != nil || len(records) == 0 {
		return errors.WrapTransient(errors.ErrHandshake,
			"Channel", "handshake", "frame handshake response")
	}
	var resp handshakeResponse
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return errors.WrapTransient(errors.ErrHandshake,
			"Channel", "handshake", "decode handshake response")
	}
	if resp.Error != "" {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s", errors.ErrHandshake, resp.Error),
			"Channel", "handshake", "negotiate hub protocol")
	}
	return nil
}

// Subscribe registers the topics on the hub and tracks them for replay
// after a reconnect.
func (c *Channel) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if err := c.invoke(ctx, targetSubscribe, c.subscriptionArg(topics)); err != nil {
		return err
	}
	c.subsMu.Lock()
	for _, topic := range topics {
		c.subs[topic] = struct{}{}
	}
	c.subsMu.Unlock()
	c.logger.Debug("subscribed", "topics", topics)
	return nil
}

// Unsubscribe removes the topics from the hub and from the replay set.
func (c *Channel) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	c.subsMu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()
	return c.invoke(ctx, targetUnsubscribe, c.subscriptionArg(topics))
}

// Subscriptions returns the tracked topic set.
func (c *Channel) Subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// Publish sends a notification to the given topic. Content is marshalled to
// JSON and carried as a string per the hub contract.
func (c *Channel) Publish(ctx context.Context, topic string, content any) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return errors.WrapInvalid(err, "Channel", "Publish", "encode content")
	}

	req := publishRequest{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC().Format("2006-01-02T15:04:05"),
		Topic:   topic,
		Source:  c.source,
		TTL:     c.publishTTL,
		Content: string(encoded),
		Context: notificationContext{CorrelationID: c.correlationID},
	}
	return c.invoke(ctx, targetPublish, req)
}

// Ping invokes the hub Ping method. The Pong event it triggers is logged by
// the read loop.
func (c *Channel) Ping(ctx context.Context) error {
	return c.invokeRaw(ctx, targetPing, nil)
}

func (c *Channel) subscriptionArg(topics []string) subscriptionRequest {
	return subscriptionRequest{
		Subscriptions: topics,
		Context:       notificationContext{CorrelationID: c.correlationID},
	}
}

// invoke sends a hub invocation with a single argument and waits for its
// completion record.
func (c *Channel) invoke(ctx context.Context, target string, arg any) error {
	encoded, err := json.Marshal(arg)
	if err != nil {
		return errors.WrapInvalid(err, "Channel", "invoke", "encode argument")
	}
	return c.invokeRaw(ctx, target, []json.RawMessage{encoded})
}

func (c *Channel) invokeRaw(ctx context.Context, target string, args []json.RawMessage) error {
	if c.Status() != StatusConnected {
		return errors.WrapTransient(errors.ErrNotConnected,
			"Channel", "invoke", "invoke "+target)
	}

	id := fmt.Sprintf("%d", c.invocationID.Add(1))
	completion := make(chan hubMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = completion
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	msg := hubMessage{
		Type:         messageInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    args,
	}
	if err := c.writeRecord(msg); err != nil {
		return err
	}

	timer := time.NewTimer(c.invokeTimeout)
	defer timer.Stop()
	select {
	case result := <-completion:
		if result.Error != "" {
			return errors.Wrap(
				fmt.Errorf("hub error: %s", result.Error),
				"Channel", "invoke", "invoke "+target)
		}
		return nil
	case <-timer.C:
		return errors.WrapTransient(
			fmt.Errorf("invocation %s timed out", target),
			"Channel", "invoke", "await completion")
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.WrapFatal(errors.ErrChannelClosed,
			"Channel", "invoke", "invoke "+target)
	}
}

func (c *Channel) writeRecord(v any) error {
	record, err := encodeRecord(v)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNotConnected,
			"Channel", "writeRecord", "write hub record")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, record); err != nil {
		return errors.WrapTransient(err, "Channel", "writeRecord", "write hub record")
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Warn("push channel read failed", "error", err)
			c.reconnect()
			return
		}

		records, err := splitRecords(data)
		if err != nil {
			c.logger.Warn("dropping malformed hub frame", "error", err)
			continue
		}
		for _, record := range records {
			c.handleRecord(record)
		}
	}
}

func (c *Channel) handleRecord(record []byte) {
	var msg hubMessage
	if err := json.Unmarshal(record, &msg); err != nil {
		c.logger.Warn("dropping malformed hub record", "error", err)
		return
	}

	switch msg.Type {
	case messageInvocation:
		c.handleInvocation(msg)
	case messageCompletion:
		c.pendingMu.Lock()
		completion, ok := c.pending[msg.InvocationID]
		c.pendingMu.Unlock()
		if ok {
			completion <- msg
		}
	case messagePing:
		// Server keepalive, nothing to do.
	case messageClose:
		c.logger.Info("hub requested close",
			"error", msg.Error, "allow_reconnect", msg.AllowReconnect)
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	default:
		c.logger.Debug("ignoring hub record", "type", msg.Type)
	}
}

func (c *Channel) handleInvocation(msg hubMessage) {
	switch msg.Target {
	case targetReceive:
		if len(msg.Arguments) == 0 {
			return
		}
		var n notification.Notification
		if err := json.Unmarshal(msg.Arguments[0], &n); err != nil {
			c.logger.Warn("dropping undecodable notification", "error", err)
			return
		}
		if c.metrics != nil {
			c.metrics.RecordNotificationReceived("push")
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(n)
		}
	case targetPong:
		c.logger.Debug("pong received")
	default:
		c.logger.Debug("ignoring hub invocation", "target", msg.Target)
	}
}

func (c *Channel) keepalive() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.Status() == StatusConnected {
				if err := c.writeRecord(hubMessage{Type: messagePing}); err != nil {
					c.logger.Debug("keepalive write failed", "error", err)
				}
			}
		case <-c.done:
			return
		}
	}
}

// reconnect redials until it succeeds or the channel is closed, then replays
// the tracked subscriptions on the fresh connection.
func (c *Channel) reconnect() {
	c.setStatus(StatusReconnecting)
	if c.metrics != nil {
		c.metrics.RecordPushReconnect()
	}
	if c.onReconnecting != nil {
		go c.onReconnecting()
	}

	wait := c.reconnectWait
	for {
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}
		if wait *= 2; wait > c.maxReconnectWait {
			wait = c.maxReconnectWait
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "error", err, "next_wait", wait)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setStatus(StatusConnected)

		c.wg.Add(1)
		go c.readLoop(conn)

		c.replaySubscriptions()
		if c.onReconnected != nil {
			go c.onReconnected()
		}
		c.logger.Info("push channel reconnected")
		return
	}
}

func (c *Channel) replaySubscriptions() {
	topics := c.Subscriptions()
	if len(topics) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.invokeTimeout)
	defer cancel()

	if err := c.invoke(ctx, targetSubscribe, c.subscriptionArg(topics)); err != nil {
		c.logger.Warn("subscription replay failed", "error", err, "topics", len(topics))
		return
	}
	if err := c.Ping(ctx); err != nil {
		c.logger.Debug("post-reconnect ping failed", "error", err)
	}
	c.logger.Debug("subscriptions replayed", "topics", len(topics))
}

// Close unsubscribes the tracked topics on a best-effort basis and tears the
// connection down. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		topics := c.Subscriptions()
		if len(topics) > 0 && c.Status() == StatusConnected {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Unsubscribe(ctx, topics...); err != nil {
				c.logger.Debug("unsubscribe on close failed", "error", err)
			}
			cancel()
		}

		c.closed.Store(true)
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		}

		c.setStatus(StatusDisconnected)
		c.wg.Wait()

		if c.onClosed != nil {
			c.onClosed(nil)
		}
		c.logger.Info("push channel closed")
	})
	return nil
}
