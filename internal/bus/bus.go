// Package bus provides the in-process publish/subscribe channel that the
// orchestration pipeline and the front-end glue communicate over.
//
// Event kinds form a closed enumeration with a typed payload per kind.
// Each subscription owns a serial worker goroutine, so one handler sees
// events in emission order while handlers for the same kind run
// independently of each other and of the emitter.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kind names one event stream. The set below is the whole vocabulary;
// front-ends choose reply and error kinds from it rather than inventing
// event names at runtime.
type Kind string

const (
	// Inbound query routing.
	KindAssistantQuery Kind = "ai.assistant.query"
	KindWebQuery       Kind = "ai.web.query"
	KindProcessInput   Kind = "ai.process.input"

	// Terminal events, selected per request by the front-end.
	KindChatReply    Kind = "chat.reply"
	KindChatError    Kind = "chat.error"
	KindVoiceReply   Kind = "voice.reply"
	KindVoiceError   Kind = "voice.error"
	KindHTTPReply    Kind = "http.reply"
	KindHTTPError    Kind = "http.error"
	KindNoticeCreate Kind = "chat.notice.create"

	// Process-level fault stream consumed by the recovery supervisor.
	KindFault Kind = "process.fault"
)

// Event is the closed union of bus payloads.
type Event interface {
	Kind() Kind
}

// Handler consumes one event. A returned error is logged and forwarded to
// the fault stream; it never affects sibling handlers or the emitter.
type Handler func(ctx context.Context, ev Event) error

type dispatch struct {
	ctx context.Context
	ev  Event
}

// subscription is a single handler's ordered delivery queue. The queue is
// unbounded so emitters never block on a slow handler.
type subscription struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []dispatch
	closed bool
}

func newSubscription() *subscription {
	s := &subscription{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push enqueues an event. Reports false once the subscription is closed.
func (s *subscription) push(d dispatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, d)
	s.cond.Signal()
	return true
}

// next blocks for the next event. Reports false when the subscription is
// closed and the queue fully drained.
func (s *subscription) next() (dispatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		if s.closed {
			return dispatch{}, false
		}
		s.cond.Wait()
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Bus is an explicitly constructed pub/sub service. Tests build their own
// instance; nothing in this package is process-global.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]*subscription
	logger *slog.Logger
	wg     sync.WaitGroup
	closed bool
}

// New creates a bus. The logger receives handler failures.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[Kind][]*subscription),
		logger: logger,
	}
}

// On registers a handler for one kind. Multiple handlers per kind are
// allowed and all receive every event, each on its own serial worker.
func (b *Bus) On(kind Kind, handler Handler) {
	sub := newSubscription()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	go b.run(kind, sub, handler)
}

func (b *Bus) run(kind Kind, sub *subscription, handler Handler) {
	for {
		d, ok := sub.next()
		if !ok {
			return
		}
		b.invoke(d.ctx, kind, handler, d.ev)
		b.wg.Done()
	}
}

func (b *Bus) invoke(ctx context.Context, kind Kind, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.fault(ctx, kind, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := handler(ctx, ev); err != nil {
		b.fault(ctx, kind, err)
	}
}

// fault logs a handler failure and forwards it to the fault stream so a
// supervisor can run bounded recovery. Failures of fault handlers
// themselves are only logged, never re-emitted.
func (b *Bus) fault(ctx context.Context, kind Kind, err error) {
	b.logger.Error("bus handler failed",
		slog.String("kind", string(kind)),
		slog.Any("error", err))

	if kind == KindFault {
		return
	}
	b.Emit(ctx, &Fault{Origin: kind, Err: err})
}

// Emit delivers ev to every handler registered for its kind. It queues and
// returns without waiting for handler completion.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Kind()]
	b.mu.RUnlock()

	for _, sub := range subs {
		b.wg.Add(1)
		if !sub.push(dispatch{ctx: ctx, ev: ev}) {
			b.wg.Done()
		}
	}
}

// RemoveAll detaches every handler for one kind. Used during fatal-error
// recovery so listeners are not duplicated by a restart.
func (b *Bus) RemoveAll(kind Kind) {
	b.mu.Lock()
	subs := b.subs[kind]
	delete(b.subs, kind)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Close detaches all handlers and stops delivery.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[Kind][]*subscription)
	b.mu.Unlock()

	for _, kindSubs := range subs {
		for _, sub := range kindSubs {
			sub.close()
		}
	}
}

// Drain blocks until every event emitted so far has been handled. Intended
// for tests and shutdown sequencing.
func (b *Bus) Drain() {
	b.wg.Wait()
}
