package amppcontrol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axm06051/AmppControlSdk-0.9.32/auth"
	"github.com/axm06051/AmppControlSdk-0.9.32/correlation"
	"github.com/axm06051/AmppControlSdk-0.9.32/platform"
)

// fakePublisher records push traffic in place of a live push channel.
type fakePublisher struct {
	mu         sync.Mutex
	published  map[string]any
	subscribed []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string]any)}
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, content any) error {
	p.mu.Lock()
	p.published[topic] = content
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) Subscribe(ctx context.Context, topics ...string) error {
	p.mu.Lock()
	p.subscribed = append(p.subscribed, topics...)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) contentFor(topic string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.published[topic]
	return content, ok
}

type controlStub struct {
	mu       sync.Mutex
	requests map[string]int
	commits  []commitRequest
	macros   []macroRequest
}

func (s *controlStub) handler(apps []Application) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		s.mu.Unlock()

		switch r.URL.Path {
		case applicationsPath:
			json.NewEncoder(w).Encode(apps)
		case macroListPath:
			json.NewEncoder(w).Encode([]Macro{{ID: "m1", Name: "Fade to black"}})
		case macroExecutePath:
			var req macroRequest
			json.NewDecoder(r.Body).Decode(&req)
			s.mu.Lock()
			s.macros = append(s.macros, req)
			s.mu.Unlock()
		case commitPath:
			var req commitRequest
			json.NewDecoder(r.Body).Decode(&req)
			s.mu.Lock()
			s.commits = append(s.commits, req)
			s.mu.Unlock()
		case "/ampp/control/api/v1/control/application/MiniMixer/workloads":
			json.NewEncoder(w).Encode([]string{"W1", "W2"})
		case "/ampp/control/api/v1/group/application/MiniMixer/groups":
			json.NewEncoder(w).Encode([]ControlGroup{{Name: "faders"}})
		default:
			http.NotFound(w, r)
		}
	}
}

func newTestClient(t *testing.T, apps []Application) (*Client, *fakePublisher, *controlStub, *correlation.Registry) {
	t.Helper()

	stub := &controlStub{requests: make(map[string]int)}
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/connect/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/ampp/", stub.handler(apps))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	session, err := auth.NewSession(server.URL, "key")
	require.NoError(t, err)
	t.Cleanup(session.Close)
	require.NoError(t, session.Login(context.Background()))

	rest, err := platform.NewClient(session)
	require.NoError(t, err)

	publisher := newFakePublisher()
	registry := correlation.NewRegistry()
	client, err := NewClient(rest, publisher, registry)
	require.NoError(t, err)
	return client, publisher, stub, registry
}

func TestPushCommand_TopicAndContent(t *testing.T) {
	client, publisher, _, _ := newTestClient(t, nil)

	err := client.PushCommand(context.Background(), "W1", "config",
		map[string]string{"gain": "3"}, "recon-1")
	require.NoError(t, err)

	content, ok := publisher.contentFor("gv.ampp.control.W1.config")
	require.True(t, ok)
	cmd := content.(commandContent)
	assert.Equal(t, "recon-1", cmd.Key)
}

func TestPushCommand_RequiresWorkloadAndCommand(t *testing.T) {
	client, _, _, _ := newTestClient(t, nil)

	assert.Error(t, client.PushCommand(context.Background(), "", "ping", nil, "k"))
	assert.Error(t, client.PushCommand(context.Background(), "W1", "", nil, "k"))
}

func TestGetState(t *testing.T) {
	client, publisher, _, _ := newTestClient(t, nil)

	require.NoError(t, client.GetState(context.Background(), "W1", "recon-2"))
	_, ok := publisher.contentFor("gv.ampp.control.W1.getstate")
	assert.True(t, ok)
}

func TestPing_ResolvedWithinTimeout(t *testing.T) {
	client, publisher, _, registry := newTestClient(t, nil)

	// Answer the ping as soon as it is published, echoing the recon key
	// the way a workload would.
	go func() {
		for {
			if content, ok := publisher.contentFor("gv.ampp.control.W1.ping"); ok {
				registry.Resolve(content.(commandContent).Key)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ok, err := client.Ping(context.Background(), "W1", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// resolvingPublisher answers the ping inside Publish itself, before the
// call returns, like a workload responding faster than the caller resumes.
type resolvingPublisher struct {
	*fakePublisher
	registry *correlation.Registry
}

func (p *resolvingPublisher) Publish(ctx context.Context, topic string, content any) error {
	if err := p.fakePublisher.Publish(ctx, topic, content); err != nil {
		return err
	}
	p.registry.Resolve(content.(commandContent).Key)
	return nil
}

func TestPing_ResponseDuringPublish(t *testing.T) {
	client, publisher, _, registry := newTestClient(t, nil)
	client.publisher = &resolvingPublisher{fakePublisher: publisher, registry: registry}

	ok, err := client.Ping(context.Background(), "W1", 300*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "response resolved before the deadline must count as alive")
}

func TestPing_Timeout(t *testing.T) {
	client, _, _, _ := newTestClient(t, nil)

	ok, err := client.Ping(context.Background(), "W1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSendCommand_CommitsOverREST(t *testing.T) {
	client, _, stub, _ := newTestClient(t, nil)

	err := client.SendCommand(context.Background(), "W1", "MiniMixer", "config",
		map[string]int{"gain": 3}, "recon-3")
	require.NoError(t, err)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.commits, 1)
	commit := stub.commits[0]
	assert.Equal(t, "W1", commit.Workload)
	assert.Equal(t, "MiniMixer", commit.Application)
	assert.Equal(t, "config", commit.Command)
	assert.JSONEq(t, `{"gain":3}`, commit.FormData)
	assert.Equal(t, "recon-3", commit.ReconKey)
}

func TestExecuteMacro(t *testing.T) {
	client, _, stub, _ := newTestClient(t, nil)

	require.NoError(t, client.ExecuteMacro(context.Background(), "m1", "recon-4"))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.macros, 1)
	assert.Equal(t, "m1", stub.macros[0].UUID)
}

func TestListCaches_PopulateOnce(t *testing.T) {
	apps := []Application{{Name: "MiniMixer", Commands: []Command{{Name: "config"}}}}
	client, _, stub, _ := newTestClient(t, apps)

	for i := 0; i < 3; i++ {
		got, err := client.ListApplicationTypes(context.Background())
		require.NoError(t, err)
		assert.Len(t, got, 1)

		macros, err := client.ListMacros(context.Background())
		require.NoError(t, err)
		assert.Len(t, macros, 1)

		workloads, err := client.ListWorkloads(context.Background(), "MiniMixer")
		require.NoError(t, err)
		assert.Equal(t, []string{"W1", "W2"}, workloads)

		groups, err := client.ListControlGroups(context.Background(), "MiniMixer")
		require.NoError(t, err)
		assert.Len(t, groups, 1)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 1, stub.requests[applicationsPath])
	assert.Equal(t, 1, stub.requests[macroListPath])
	assert.Equal(t, 1, stub.requests["/ampp/control/api/v1/control/application/MiniMixer/workloads"])
	assert.Equal(t, 1, stub.requests["/ampp/control/api/v1/group/application/MiniMixer/groups"])
}

func TestControlSchema(t *testing.T) {
	apps := []Application{{
		Name: "MiniMixer",
		Commands: []Command{
			{Name: "config", Schema: `{"type":"object"}`},
		},
	}}
	client, _, _, _ := newTestClient(t, apps)

	schema, err := client.ControlSchema(context.Background(), "MiniMixer", "config")
	require.NoError(t, err)
	assert.Equal(t, `{"type":"object"}`, schema)

	_, err = client.ControlSchema(context.Background(), "MiniMixer", "nosuch")
	assert.Error(t, err)
}

func TestSubscribeWorkload(t *testing.T) {
	client, publisher, _, _ := newTestClient(t, nil)

	require.NoError(t, client.SubscribeWorkload(context.Background(), "W1"))
	assert.Equal(t, []string{"gv.ampp.control.W1.*.*"}, publisher.subscribed)
}
