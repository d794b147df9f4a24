// Package audiometer registers sound probes on producer nodes and decodes
// the level notifications they publish. Probes age out on the server unless
// re-registered, so every probe gets a renewal task.
package audiometer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/axm06051/AmppControlSdk-0.9.32/errors"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/renewal"
	"github.com/axm06051/AmppControlSdk-0.9.32/routing"
)

const (
	meterTopicPrefix = "gv.ampp.audiometer"
	probeTopicPrefix = "gv.ampp.audiometerprobe"

	rmsWindowPeriodMs = 250
	updatePeriodMs    = 1000
)

// Publisher is the push channel subset the audio meter client uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, content any) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

// Levels is one decoded audio level update.
type Levels struct {
	ProbeID      string
	UpdateTimeMs int64
	RMS          []float64
	Peak         []float64
}

// Client manages sound probes.
type Client struct {
	publisher Publisher
	renewer   *renewal.Renewer
	registry  *notification.Registry
	logger    *slog.Logger
	clientID  string

	mu     sync.Mutex
	probes map[string]routing.ProducerDetail
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

// WithClientID sets the client id sent in probe registrations
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// NewClient creates an audio meter client. The renewer must be started by
// the caller.
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
		clientID:  "go-ampp-sdk",
		probes:    make(map[string]routing.ProducerDetail),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// soundProbe is the probe definition carried, JSON-encoded, inside a probe
// registration.
type soundProbe struct {
	ID                string       `json:"id"`
	Flow              routing.Flow `json:"flow"`
	Peak              bool         `json:"peak"`
	RMS               bool         `json:"rms"`
	Type              string       `json:"type"`
	RMSWindowPeriodMs int          `json:"rmsWindowPeriodMs"`
	UpdatePeriodMs    int          `json:"updatePeriodMs"`
}

type probeRegistration struct {
	ClientID    string `json:"clientId"`
	FlowID      string `json:"flowId"`
	ProbeID     string `json:"probeId"`
	ProbeObject string `json:"probeObject"`
	ProbeType   string `json:"probeType"`
}

// AddProbe registers a sound probe on every audio flow of the producer and
// returns the probe id. Level updates are published to
// gv.ampp.audiometer.{probeId} until RemoveProbe.
func (c *Client) AddProbe(ctx context.Context, producer routing.ProducerDetail) (string, error) {
	if producer.NodeID == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig,
			"Client", "AddProbe", "validate producer node")
	}
	if len(producer.FlowsOfType("Snd")) == 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("producer %s has no sound flows", producer.Name),
			"Client", "AddProbe", "validate producer flows")
	}

	probeID := uuid.NewString()
	topic := meterTopicPrefix + "." + probeID
	if err := c.publisher.Subscribe(ctx, topic); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.probes[probeID] = producer
	c.mu.Unlock()

	c.renewer.Add(topic, func(ctx context.Context) error {
		return c.register(ctx, probeID, producer)
	})
	c.renewer.RunNow()

	c.logger.Debug("sound probe added", "probe", probeID, "producer", producer.Name)
	return probeID, nil
}

// RemoveProbe stops level delivery and re-registration for a probe.
func (c *Client) RemoveProbe(ctx context.Context, probeID string) error {
	topic := meterTopicPrefix + "." + probeID
	c.renewer.Remove(topic)

	c.mu.Lock()
	delete(c.probes, probeID)
	c.mu.Unlock()

	return c.publisher.Unsubscribe(ctx, topic)
}

// Probes returns the active probe ids.
func (c *Client) Probes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.probes))
	for id := range c.probes {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) register(ctx context.Context, probeID string, producer routing.ProducerDetail) error {
	for _, flow := range producer.FlowsOfType("Snd") {
		probe := soundProbe{
			ID:                probeID,
			Flow:              flow,
			Peak:              true,
			RMS:               true,
			Type:              "sound",
			RMSWindowPeriodMs: rmsWindowPeriodMs,
			UpdatePeriodMs:    updatePeriodMs,
		}
		probeObject, err := json.Marshal(probe)
		if err != nil {
			return errors.WrapInvalid(err, "Client", "register", "encode probe")
		}

		registration := probeRegistration{
			ClientID:    c.clientID,
			FlowID:      flow.FlowID,
			ProbeID:     probeID,
			ProbeObject: string(probeObject),
			ProbeType:   "sound",
		}
		topic := probeTopicPrefix + "." + producer.NodeID
		if err := c.publisher.Publish(ctx, topic, registration); err != nil {
			return err
		}
	}
	return nil
}

// OnLevels registers a listener for decoded level updates. The probe id is
// recovered from the final topic segment.
func (c *Client) OnLevels(fn func(Levels)) notification.Token {
	return c.registry.Add(notification.FamilyAudioProbe, func(d notification.Dispatch) {
		update, err := d.ProbeUpdate()
		if err != nil {
			c.logger.Warn("undecodable probe update", "topic", d.Topic.String(), "error", err)
			return
		}
		fn(Levels{
			ProbeID:      d.Topic.Last(),
			UpdateTimeMs: update.UpdateTimeMs,
			RMS:          update.RMS,
			Peak:         update.Peak,
		})
	})
}
