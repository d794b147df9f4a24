package audiometer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/renewal"
	"github.com/axm06051/AmppControlSdk-0.9.32/routing"
)

type fakePublisher struct {
	mu           sync.Mutex
	published    map[string][]any
	subscribed   []string
	unsubscribed []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string][]any)}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, content any) error {
	p.mu.Lock()
	p.published[topic] = append(p.published[topic], content)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) Subscribe(ctx context.Context, topics ...string) error {
	p.mu.Lock()
	p.subscribed = append(p.subscribed, topics...)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) Unsubscribe(ctx context.Context, topics ...string) error {
	p.mu.Lock()
	p.unsubscribed = append(p.unsubscribed, topics...)
	p.mu.Unlock()
	return nil
}

func soundProducer() routing.ProducerDetail {
	return routing.ProducerDetail{
		ID:     "P1",
		Name:   "Cam 1",
		NodeID: "N1",
		Stream: routing.Stream{Flows: []routing.Flow{
			{FlowID: "F-pic", DataType: "Pic"},
			{FlowID: "F-snd", DataType: "Snd"},
		}},
	}
}

func newTestClient(t *testing.T) (*Client, *fakePublisher, *renewal.Renewer, *notification.Registry) {
	t.Helper()
	publisher := newFakePublisher()
	renewer := renewal.NewRenewer(renewal.WithInterval(20 * time.Millisecond))
	renewer.Start()
	t.Cleanup(renewer.Stop)
	registry := notification.NewRegistry()

	client, err := NewClient(publisher, renewer, registry, WithClientID("test-client"))
	require.NoError(t, err)
	return client, publisher, renewer, registry
}

func TestAddProbe_SubscribesAndRegisters(t *testing.T) {
	client, publisher, _, _ := newTestClient(t)

	probeID, err := client.AddProbe(context.Background(), soundProducer())
	require.NoError(t, err)
	require.NotEmpty(t, probeID)

	publisher.mu.Lock()
	require.Len(t, publisher.subscribed, 1)
	assert.Equal(t, "gv.ampp.audiometer."+probeID, publisher.subscribed[0])
	publisher.mu.Unlock()

	// The renewal task publishes the registration to the producer's node.
	assert.Eventually(t, func() bool {
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		return len(publisher.published["gv.ampp.audiometerprobe.N1"]) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	registration := publisher.published["gv.ampp.audiometerprobe.N1"][0].(probeRegistration)
	assert.Equal(t, "test-client", registration.ClientID)
	assert.Equal(t, "F-snd", registration.FlowID)
	assert.Equal(t, probeID, registration.ProbeID)
	assert.Equal(t, "sound", registration.ProbeType)

	var probe soundProbe
	require.NoError(t, json.Unmarshal([]byte(registration.ProbeObject), &probe))
	assert.Equal(t, probeID, probe.ID)
	assert.True(t, probe.RMS)
	assert.True(t, probe.Peak)
	assert.Equal(t, 250, probe.RMSWindowPeriodMs)
	assert.Equal(t, 1000, probe.UpdatePeriodMs)
}

func TestAddProbe_RejectsProducerWithoutSound(t *testing.T) {
	client, _, _, _ := newTestClient(t)

	producer := soundProducer()
	producer.Stream.Flows = producer.Stream.Flows[:1] // Pic only
	_, err := client.AddProbe(context.Background(), producer)
	assert.Error(t, err)
}

func TestRemoveProbe(t *testing.T) {
	client, publisher, renewer, _ := newTestClient(t)

	probeID, err := client.AddProbe(context.Background(), soundProducer())
	require.NoError(t, err)
	assert.Equal(t, 1, renewer.Count())

	require.NoError(t, client.RemoveProbe(context.Background(), probeID))
	assert.Equal(t, 0, renewer.Count())
	assert.Empty(t, client.Probes())

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	require.Len(t, publisher.unsubscribed, 1)
	assert.True(t, strings.HasSuffix(publisher.unsubscribed[0], probeID))
}

func TestOnLevels_DecodesUpdate(t *testing.T) {
	client, _, _, registry := newTestClient(t)
	router := notification.NewRouter(registry)

	var levels []Levels
	client.OnLevels(func(l Levels) { levels = append(levels, l) })

	router.Dispatch(notification.Notification{
		Topic:   "gv.ampp.audiometer.probe-7",
		Content: `{"updateTimeMs":1234,"rms":[-20.5,-21.0],"peak":[-12.0,-11.5]}`,
	})

	require.Len(t, levels, 1)
	assert.Equal(t, "probe-7", levels[0].ProbeID)
	assert.Equal(t, int64(1234), levels[0].UpdateTimeMs)
	assert.Equal(t, []float64{-20.5, -21.0}, levels[0].RMS)
	assert.Equal(t, []float64{-12.0, -11.5}, levels[0].Peak)
}
