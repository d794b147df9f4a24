// Package keyframes subscribes to preview frames of producer streams. A
// keyframe subscription ages out on the server unless the flow subscription
// request is re-published, so every Subscribe registers a renewal task.
package keyframes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/renewal"
)

const topicPrefix = "gv.ampp.keyframe"

// PreviewSize selects the keyframe resolution.
type PreviewSize int

// Supported preview sizes, named after their pixel height.
const (
	Small  PreviewSize = 120
	Medium PreviewSize = 240
	Large  PreviewSize = 480
)

// String returns the topic segment for the size.
func (s PreviewSize) String() string {
	switch s {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	default:
		return "small"
	}
}

// Publisher is the push channel subset the keyframes client uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, content any) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

// Frame is one decoded keyframe notification.
type Frame struct {
	NodeID      string
	FlowID      string
	Size        string
	ContentType string
	Data        []byte
}

// Client manages keyframe subscriptions.
type Client struct {
	publisher Publisher
	renewer   *renewal.Renewer
	registry  *notification.Registry
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]struct{}
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a keyframes client. The renewer must be started by the
// caller; the client only registers tasks on it.
func NewClient(publisher Publisher, renewer *renewal.Renewer, registry *notification.Registry, opts ...Option) (*Client, error) {
	if publisher == nil || renewer == nil || registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig,
			"Client", "NewClient", "validate dependencies")
	}
	c := &Client{
		publisher: publisher,
		renewer:   renewer,
		registry:  registry,
		logger:    slog.Default(),
		subs:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// flowSubscription is the renewal body published to the flow's request
// topic. PreviewSize travels as the pixel count, not the name.
type flowSubscription struct {
	PreviewSize int    `json:"previewSize"`
	FlowID      string `json:"flowId"`
}

// Subscribe starts receiving keyframes for a flow on a node and returns the
// notification topic. The flow subscription is renewed until Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, nodeID, flowID string, size PreviewSize) (string, error) {
	if nodeID == "" || flowID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig,
			"Client", "Subscribe", "validate node and flow ids")
	}

	topic := fmt.Sprintf("%s.%s.%s.%s", topicPrefix, nodeID, flowID, size)
	if err := c.publisher.Subscribe(ctx, topic); err != nil {
		return "", err
	}

	// The frame cache listens on the 4-segment topic, without the size.
	requestTopic := fmt.Sprintf("%s.%s.%s", topicPrefix, nodeID, flowID)
	body := flowSubscription{PreviewSize: int(size), FlowID: flowID}
	c.renewer.Add(topic, func(ctx context.Context) error {
		return c.publisher.Publish(ctx, requestTopic, body)
	})
	c.renewer.RunNow()

	c.mu.Lock()
	c.subs[topic] = struct{}{}
	c.mu.Unlock()

	c.logger.Debug("keyframe subscription added", "topic", topic)
	return topic, nil
}

// Unsubscribe stops keyframe delivery for a topic returned by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.renewer.Remove(topic)

	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	return c.publisher.Unsubscribe(ctx, topic)
}

// Subscriptions returns the active keyframe topics.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// OnFrame registers a listener for decoded keyframes. Notifications without
// binary content are ignored.
func (c *Client) OnFrame(fn func(Frame)) notification.Token {
	return c.registry.Add(notification.FamilyKeyframe, func(d notification.Dispatch) {
		if len(d.Source.BinaryContent) == 0 {
			return
		}
		fn(Frame{
			NodeID:      d.Workload,
			FlowID:      d.Command,
			Size:        d.Type,
			ContentType: d.Source.Content,
			Data:        d.Source.BinaryContent,
		})
	})
}
