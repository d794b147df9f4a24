package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axm06051/AmppControlSdk-0.9.32/auth"
	"github.com/axm06051/AmppControlSdk-0.9.32/notification"
	"github.com/axm06051/AmppControlSdk-0.9.32/pkg/retry"
	"github.com/axm06051/AmppControlSdk-0.9.32/platform"
)

// mailboxStub fakes the notifications service: create, subscribe, poll,
// delete.
type mailboxStub struct {
	mu            sync.Mutex
	created       []createRequest
	subscriptions []string
	deleted       []string
	queue         []notification.Notification
	polls         int
	failCreates   int
	blockPolls    chan struct{}
}

func (s *mailboxStub) enqueue(n notification.Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
}

func (s *mailboxStub) handler(w http.ResponseWriter, r *http.Request) {
	// Polls may block, so they must not hold the stub lock while waiting.
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/notifications/api/v1/notifications/") {
		s.mu.Lock()
		s.polls++
		block := s.blockPolls
		messages := s.queue
		s.queue = nil
		s.mu.Unlock()

		if block != nil {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}
		json.NewEncoder(w).Encode(messages)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/notifications/api/v1/mailbox":
		if s.failCreates > 0 {
			s.failCreates--
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		var req createRequest
		json.NewDecoder(r.Body).Decode(&req)
		s.created = append(s.created, req)
		json.NewEncoder(w).Encode(createResponse{ID: req.ID, Secret: "secret-1"})

	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/subscribe/"):
		s.subscriptions = append(s.subscriptions, r.URL.EscapedPath())
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		s.deleted = append(s.deleted, r.URL.Path)
		w.WriteHeader(http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

type recordingDispatcher struct {
	mu       sync.Mutex
	received []notification.Notification
}

func (d *recordingDispatcher) Dispatch(n notification.Notification) {
	d.mu.Lock()
	d.received = append(d.received, n)
	d.mu.Unlock()
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func newTestMailbox(t *testing.T, opts ...Option) (*Mailbox, *mailboxStub) {
	t.Helper()

	stub := &mailboxStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/connect/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	mux.HandleFunc("/notifications/", stub.handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	session, err := auth.NewSession(server.URL, "key")
	require.NoError(t, err)
	t.Cleanup(session.Close)
	require.NoError(t, session.Login(context.Background()))

	client, err := platform.NewClient(session)
	require.NoError(t, err)

	mailbox, err := NewMailbox(client, opts...)
	require.NoError(t, err)
	return mailbox, stub
}

func TestSubscribe_CreatesMailboxLazily(t *testing.T) {
	mailbox, stub := newTestMailbox(t, WithIDPrefix("test-sdk"))

	assert.Empty(t, mailbox.ID())
	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.ampp.control.W1.ping.notify"))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.created, 1)
	req := stub.created[0]
	assert.True(t, strings.HasPrefix(req.ID, "test-sdk-"))
	assert.Equal(t, "gv", req.Subscription)
	assert.False(t, req.Durable)
	assert.Equal(t, 1000, req.MaximumLength)
	assert.Equal(t, 120000, req.MailboxTTL)

	require.Len(t, stub.subscriptions, 1)
	assert.Contains(t, stub.subscriptions[0], "/subscribe/")
	assert.Equal(t, req.ID, mailbox.ID())
}

func TestSubscribe_ReusesExistingMailbox(t *testing.T) {
	mailbox, stub := newTestMailbox(t)

	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.ampp.control.W1.a.notify"))
	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.ampp.control.W1.b.notify"))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Len(t, stub.created, 1, "second subscribe must reuse the mailbox")
	assert.Len(t, stub.subscriptions, 2)
}

func TestSubscribe_TopicIsEscaped(t *testing.T) {
	mailbox, stub := newTestMailbox(t)

	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.cluster.matrix.*.routemade"))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.subscriptions, 1)
	assert.Contains(t, stub.subscriptions[0], "gv.cluster.matrix.%2A.routemade")
}

func TestPollLoop_DispatchesMessages(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	mailbox, stub := newTestMailbox(t, WithDispatcher(dispatcher))

	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.cluster.matrix.*.routemade"))
	require.NoError(t, mailbox.Start())
	defer mailbox.Stop(context.Background())

	stub.enqueue(notification.Notification{
		ID:      "n1",
		Topic:   "gv.cluster.matrix.F1.routemade",
		Content: `{"requestId":"R1"}`,
	})

	assert.Eventually(t, func() bool {
		return dispatcher.count() == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStart_WithoutMailbox(t *testing.T) {
	mailbox, _ := newTestMailbox(t)
	assert.Error(t, mailbox.Start())
}

func TestStop_DeletesMailboxAndEndsPolling(t *testing.T) {
	mailbox, stub := newTestMailbox(t)

	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.ampp.control.W1.ping.notify"))
	id := mailbox.ID()
	require.NoError(t, mailbox.Start())

	mailbox.Stop(context.Background())

	assert.Empty(t, mailbox.ID())
	stub.mu.Lock()
	require.Len(t, stub.deleted, 1)
	assert.Contains(t, stub.deleted[0], id)
	assert.Contains(t, stub.deleted[0], "secret-1")
	pollsAtStop := stub.polls
	stub.mu.Unlock()

	// The loop must not poll again once the id is cleared.
	time.Sleep(1500 * time.Millisecond)
	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, pollsAtStop, stub.polls)
}

func TestStop_CancelsInFlightPoll(t *testing.T) {
	mailbox, stub := newTestMailbox(t)
	stub.blockPolls = make(chan struct{})

	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.ampp.control.W1.ping.notify"))
	require.NoError(t, mailbox.Start())

	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return stub.polls >= 1
	}, 5*time.Second, 10*time.Millisecond, "no poll in flight")

	stopped := make(chan struct{})
	go func() {
		mailbox.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop blocked on the in-flight poll")
	}
}

func TestSubscribe_RetriesTransientCreateFailure(t *testing.T) {
	mailbox, stub := newTestMailbox(t, WithRetryConfig(retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}))
	stub.mu.Lock()
	stub.failCreates = 1
	stub.mu.Unlock()

	require.NoError(t, mailbox.Subscribe(context.Background(), "gv.ampp.control.W1.ping.notify"))

	assert.NotEmpty(t, mailbox.ID())
	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.created, 1)
}

func TestStop_WithoutMailboxIsNoOp(t *testing.T) {
	mailbox, stub := newTestMailbox(t)
	mailbox.Stop(context.Background())

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Empty(t, stub.deleted)
}
