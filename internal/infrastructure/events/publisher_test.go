package events

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
	"github.com/virtualsim/activation-backend/internal/domain/outbox"
)

type collectingSink struct {
	mu     sync.Mutex
	events []activation.TransitionEvent
}

func (s *collectingSink) OnTransition(_ context.Context, event activation.TransitionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectingSink) all() []activation.TransitionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]activation.TransitionEvent, len(s.events))
	copy(out, s.events)
	return out
}

func transitionTo(to activation.State) activation.TransitionEvent {
	return activation.TransitionEvent{
		ActivationID: uuid.New(),
		UserID:       uuid.New(),
		FromState:    activation.StateActive,
		ToState:      to,
		Timestamp:    time.Now(),
	}
}

func TestPublisherDeliversToEverySink(t *testing.T) {
	p := NewPublisher(zap.NewNop())
	first, second := &collectingSink{}, &collectingSink{}
	p.Subscribe(first)
	p.Subscribe(second)

	event := transitionTo(activation.StateReceived)
	p.Publish(event)
	p.Close()

	require.Len(t, first.all(), 1)
	require.Len(t, second.all(), 1)
	assert.Equal(t, event.ActivationID, first.all()[0].ActivationID)
}

func TestPublisherCloseDrainsQueuedEvents(t *testing.T) {
	p := NewPublisher(zap.NewNop())
	sink := &collectingSink{}
	p.Subscribe(sink)

	for i := 0; i < 10; i++ {
		p.Publish(transitionTo(activation.StateCompleted))
	}
	p.Close()

	assert.Len(t, sink.all(), 10)
}

func TestPublisherIgnoresPublishAfterClose(t *testing.T) {
	p := NewPublisher(zap.NewNop())
	sink := &collectingSink{}
	p.Subscribe(sink)
	p.Close()

	p.Publish(transitionTo(activation.StateReceived))
	assert.Empty(t, sink.all())
}

func TestPublisherSubscribeAfterCloseIsNoop(t *testing.T) {
	p := NewPublisher(zap.NewNop())
	p.Close()
	p.Subscribe(&collectingSink{})
	p.Publish(transitionTo(activation.StateReceived))
}

type collectingQueue struct {
	mu      sync.Mutex
	entries []*outbox.Entry
}

func (q *collectingQueue) Enqueue(_ context.Context, _ pgx.Tx, e *outbox.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func TestOutboxSinkEnqueuesUserVisibleStates(t *testing.T) {
	queue := &collectingQueue{}
	sink := NewOutboxSink(queue, zap.NewNop())

	for _, to := range []activation.State{
		activation.StateReceived, activation.StateCompleted,
		activation.StateCancelled, activation.StateExpired, activation.StateTimeout,
	} {
		sink.OnTransition(context.Background(), transitionTo(to))
	}

	require.Len(t, queue.entries, 5)
	for _, e := range queue.entries {
		assert.Equal(t, outbox.KindNotification, e.Kind)
	}
}

func TestOutboxSinkSkipsInternalMoves(t *testing.T) {
	queue := &collectingQueue{}
	sink := NewOutboxSink(queue, zap.NewNop())

	sink.OnTransition(context.Background(), activation.TransitionEvent{
		ActivationID: uuid.New(),
		FromState:    activation.StateInit,
		ToState:      activation.StateActive,
	})

	assert.Empty(t, queue.entries)
}

func TestWebhookNotifierPostsPayload(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, time.Second, zap.NewNop())
	require.NoError(t, n.Deliver(context.Background(), []byte(`{"ok":true}`)))

	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"ok":true}`, string(gotBody))
}

func TestWebhookNotifierTreatsNon2xxAsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, time.Second, zap.NewNop())
	assert.Error(t, n.Deliver(context.Background(), []byte(`{}`)))
}

func TestWebhookNotifierWithoutURLLogsOnly(t *testing.T) {
	n := NewWebhookNotifier("", time.Second, zap.NewNop())
	assert.NoError(t, n.Deliver(context.Background(), []byte(`{}`)))
}
