package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/virtualsim/activation-backend/internal/domain/activation"
)

// Sink consumes lifecycle transition events. Delivery is at-most-once and
// best-effort; anything needing durability goes through the outbox instead.
type Sink interface {
	OnTransition(ctx context.Context, event activation.TransitionEvent)
}

// Publisher fans lifecycle events out to registered sinks without blocking
// the state machine. Each sink gets its own buffered queue; a full queue
// drops the event and logs, it never stalls a transition.
type Publisher struct {
	logger *zap.Logger

	mu     sync.RWMutex
	queues []chan activation.TransitionEvent
	closed bool

	wg sync.WaitGroup
}

const sinkQueueSize = 256

func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Subscribe registers a sink and starts its delivery goroutine.
func (p *Publisher) Subscribe(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	queue := make(chan activation.TransitionEvent, sinkQueueSize)
	p.queues = append(p.queues, queue)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for event := range queue {
			sink.OnTransition(context.Background(), event)
		}
	}()
}

// Publish hands the event to every sink queue, dropping on backpressure.
func (p *Publisher) Publish(event activation.TransitionEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	for _, queue := range p.queues {
		select {
		case queue <- event:
		default:
			p.logger.Warn("event sink queue full, dropping transition event",
				zap.String("activation_id", event.ActivationID.String()),
				zap.String("from", event.FromState.String()),
				zap.String("to", event.ToState.String()))
		}
	}
}

// Close stops accepting events and waits for queued deliveries to drain.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queues := p.queues
	p.mu.Unlock()

	for _, queue := range queues {
		close(queue)
	}
	p.wg.Wait()
}

// LogSink is the default sink: it writes transitions to the log.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) OnTransition(_ context.Context, event activation.TransitionEvent) {
	s.Logger.Info("activation transition",
		zap.String("activation_id", event.ActivationID.String()),
		zap.String("user_id", event.UserID.String()),
		zap.String("from", event.FromState.String()),
		zap.String("to", event.ToState.String()),
		zap.Time("at", event.Timestamp))
}
