// Package mailbox implements the polled notification channel: a server-side
// mailbox created on demand, subscribed to topics over REST, and drained on
// a fixed interval. It serves callers that cannot hold a push connection and
// topics, like route-made events, that the platform only delivers this way.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/metric"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/pkg/retry"
	"github.com/axm06051/AmppControlSdk-0.9.32/platform"
)

const (
	mailboxPath       = "/notifications/api/v1/mailbox"
	notificationsPath = "/notifications/api/v1/notifications"

	pollInterval = time.Second
	pollCount    = 100
	pollTimeout  = 1000 // ms, server-side long poll

	defaultTTLMs     = 2 * 60 * 1000
	defaultMaxLength = 1000
	rootSubscription = "gv"
)

// Dispatcher receives every notification drained from the mailbox.
type Dispatcher interface {
	Dispatch(n notification.Notification)
}

// Mailbox is a polled notification channel. The server-side mailbox is
// created lazily on the first Subscribe; an existing one is deleted first so
// a Mailbox never accumulates stale subscriptions. Clearing the mailbox id
// is the only thing that stops the poll loop.
type Mailbox struct {
	client     *platform.Client
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metric.Metrics

	idPrefix  string
	ttlMs     int
	maxLength int
	retryCfg  retry.Config

	mu     sync.Mutex
	id     string
	secret string

	stopCtx  context.Context
	stopPoll context.CancelFunc
	pollOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Mailbox
type Option func(*Mailbox)

// WithDispatcher sets the notification dispatcher
func WithDispatcher(d Dispatcher) Option {
	return func(m *Mailbox) {
		m.dispatcher = d
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics attaches core client metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Mailbox) {
		m.metrics = metrics
	}
}

// WithIDPrefix sets the prefix of generated mailbox ids
func WithIDPrefix(prefix string) Option {
	return func(m *Mailbox) {
		if prefix != "" {
			m.idPrefix = prefix
		}
	}
}

// WithTTL sets the server-side mailbox TTL
func WithTTL(ttl time.Duration) Option {
	return func(m *Mailbox) {
		if ttl > 0 {
			m.ttlMs = int(ttl.Milliseconds())
		}
	}
}

// WithRetryConfig overrides the mailbox creation retry policy
func WithRetryConfig(cfg retry.Config) Option {
	return func(m *Mailbox) {
		m.retryCfg = cfg
	}
}

// NewMailbox creates an unstarted mailbox channel.
func NewMailbox(client *platform.Client, opts ...Option) (*Mailbox, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Mailbox", "NewMailbox", "validate client")
	}
	m := &Mailbox{
		client:    client,
		logger:    slog.Default(),
		idPrefix:  "go-ampp-sdk",
		ttlMs:     defaultTTLMs,
		maxLength: defaultMaxLength,
		retryCfg:  retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stopCtx, m.stopPoll = context.WithCancel(context.Background())
	return m, nil
}

type createRequest struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	Durable       bool   `json:"durable"`
	MaximumLength int    `json:"maximumLength"`
	MailboxTTL    int    `json:"mailboxTTL"`
}

type createResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// Subscribe adds a topic subscription, creating the server-side mailbox
// first if none exists yet.
func (m *Mailbox) Subscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	id := m.id
	m.mu.Unlock()

	if id == "" {
		created, err := m.create(ctx)
		if err != nil {
			return err
		}
		id = created
	}

	// QueryEscape rather than PathEscape: the server expects wildcard
	// stars escaped inside the topic segment.
	path := mailboxPath + "/" + id + "/subscribe/" + url.QueryEscape(topic)
	if err := m.client.Post(ctx, path, nil, nil); err != nil {
		return errors.WrapTransient(err, "Mailbox", "Subscribe", "subscribe topic")
	}
	m.logger.Debug("mailbox subscribed", "mailbox", id, "topic", topic)
	return nil
}

// ID returns the server-side mailbox id, empty before the first Subscribe
// or after Stop.
func (m *Mailbox) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

func (m *Mailbox) create(ctx context.Context) (string, error) {
	m.mu.Lock()
	existingID, existingSecret := m.id, m.secret
	m.mu.Unlock()

	// A leftover mailbox is replaced, never reused.
	if existingSecret != "" {
		m.delete(ctx, existingID, existingSecret)
	}

	req := createRequest{
		ID:            m.idPrefix + "-" + uuid.NewString(),
		Subscription:  rootSubscription,
		Durable:       false,
		MaximumLength: m.maxLength,
		MailboxTTL:    m.ttlMs,
	}
	var resp createResponse
	err := retry.Do(ctx, m.retryCfg, func() error {
		return m.client.Post(ctx, mailboxPath, req, &resp)
	})
	if err != nil {
		return "", errors.WrapTransient(errors.ErrMailboxCreate,
			"Mailbox", "create", "create mailbox")
	}
	if resp.ID == "" || resp.Secret == "" {
		return "", errors.WrapTransient(errors.ErrMailboxCreate,
			"Mailbox", "create", "validate mailbox response")
	}

	m.mu.Lock()
	m.id = resp.ID
	m.secret = resp.Secret
	m.mu.Unlock()

	m.logger.Info("mailbox created", "mailbox", resp.ID)
	return resp.ID, nil
}

func (m *Mailbox) delete(ctx context.Context, id, secret string) {
	if err := m.client.Delete(ctx, mailboxPath+"/"+id+"/"+secret); err != nil {
		m.logger.Warn("mailbox delete failed", "mailbox", id, "error", err)
	}

	m.mu.Lock()
	if m.id == id {
		m.id = ""
		m.secret = ""
	}
	m.mu.Unlock()
}

// Start launches the poll loop. It fails when no mailbox exists yet; call
// Subscribe first. Starting twice is a no-op.
func (m *Mailbox) Start() error {
	if m.ID() == "" {
		return errors.WrapFatal(errors.ErrMailboxGone,
			"Mailbox", "Start", "start poll loop without mailbox")
	}
	m.pollOnce.Do(func() {
		m.wg.Add(1)
		go m.pollLoop()
	})
	return nil
}

// Stop deletes the server-side mailbox and cancels an in-flight poll, so it
// never waits out a slow request. Clearing the id is what makes the poll
// loop exit.
func (m *Mailbox) Stop(ctx context.Context) {
	m.mu.Lock()
	id, secret := m.id, m.secret
	m.mu.Unlock()
	if id == "" {
		return
	}
	m.delete(ctx, id, secret)
	m.stopPoll()
	m.wg.Wait()
}

func (m *Mailbox) pollLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-m.stopCtx.Done():
			return
		}

		id := m.ID()
		if id == "" {
			m.logger.Debug("mailbox cleared, poll loop exiting")
			return
		}
		m.poll(id)
	}
}

func (m *Mailbox) poll(id string) {
	ctx, cancel := context.WithTimeout(m.stopCtx, 10*time.Second)
	defer cancel()

	path := fmt.Sprintf("%s/%s?count=%d&timeout=%d",
		notificationsPath, id, pollCount, pollTimeout)

	var messages []notification.Notification
	if err := m.client.Get(ctx, path, &messages); err != nil {
		if m.metrics != nil {
			m.metrics.RecordMailboxPoll("error")
		}
		m.logger.Warn("mailbox poll failed", "mailbox", id, "error", err)
		return
	}
	if m.metrics != nil {
		m.metrics.RecordMailboxPoll("ok")
	}

	for _, n := range messages {
		if m.metrics != nil {
			m.metrics.RecordNotificationReceived("mailbox")
		}
		if m.dispatcher != nil {
			m.dispatcher.Dispatch(n)
		}
	}
}
