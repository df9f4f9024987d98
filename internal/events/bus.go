// Package events is the progress event bus shared by the skill engine and
// the build pipeline. Each subject gets its own queue drained by a single
// pump goroutine that fans events out to per-subscriber channels.
package events

import (
	"context"
	"sync"

	"k8s.io/utils/clock"

	"voice-orchestrator/backend/internal/logging"
	"voice-orchestrator/backend/internal/metrics"
	"voice-orchestrator/backend/pkg/models"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Publisher is the side of the bus the engines depend on.
type Publisher interface {
	Publish(subjectID string, event models.ProgressEvent)
}

// Options configures a Bus.
type Options struct {
	BufferSize int
	Logger     *logging.Logger
	Metrics    *metrics.Instruments
	Clock      clock.PassiveClock
}

// Bus is a per-subject publish/subscribe channel. Delivery is at most once
// per subscriber, in publish order, with no replay for late subscribers.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	nextID     uint64
	active     string
	closed     bool
	bufferSize int
	logger     *logging.Logger
	metrics    *metrics.Instruments
	clock      clock.PassiveClock
}

type topic struct {
	subject string
	queue   chan models.ProgressEvent
	done    chan struct{}
	subs    map[uint64]*Subscription
}

// Subscription receives the events of one subject on C until Unsubscribe
// is called or the bus is closed, after which C is closed.
type Subscription struct {
	C <-chan models.ProgressEvent

	ch      chan models.ProgressEvent
	id      uint64
	subject string
	bus     *Bus
	once    sync.Once
}

// Subject returns the subject the subscription listens to.
func (s *Subscription) Subject() string { return s.subject }

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

// NewBus creates a Bus.
func NewBus(opts Options) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Bus{
		topics:     make(map[string]*topic),
		bufferSize: opts.BufferSize,
		logger:     opts.Logger.With("component", "events"),
		metrics:    opts.Metrics,
		clock:      opts.Clock,
	}
}

// Subscribe registers a channel subscriber for subjectID.
func (b *Bus) Subscribe(subjectID string) *Subscription {
	ch := make(chan models.ProgressEvent, b.bufferSize)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{C: ch, ch: ch, id: b.nextID, subject: subjectID, bus: b}
	if b.closed {
		close(ch)
		return sub
	}

	t, ok := b.topics[subjectID]
	if !ok {
		t = &topic{
			subject: subjectID,
			queue:   make(chan models.ProgressEvent, b.bufferSize),
			done:    make(chan struct{}),
			subs:    make(map[uint64]*Subscription),
		}
		b.topics[subjectID] = t
		go b.pump(t)
	}
	t.subs[sub.id] = sub
	return sub
}

// SubscribeFunc calls fn for every event of subjectID on a dedicated
// goroutine. The returned function unsubscribes.
func (b *Bus) SubscribeFunc(subjectID string, fn func(models.ProgressEvent)) (unsubscribe func()) {
	sub := b.Subscribe(subjectID)
	go func() {
		for ev := range sub.C {
			fn(ev)
		}
	}()
	return sub.Unsubscribe
}

// Publish enqueues event for the subscribers of subjectID. Events for
// subjects without subscribers are discarded.
func (b *Bus) Publish(subjectID string, event models.ProgressEvent) {
	event.SubjectID = subjectID
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	t := b.topics[subjectID]
	b.mu.Unlock()

	if t == nil {
		b.metrics.EventPublished(context.Background(), event.Phase, 0)
		return
	}
	select {
	case t.queue <- event:
	case <-t.done:
	}
}

// SetActive designates the subject the voice interface currently follows.
// Existing subscribers of the previous subject are left alone.
func (b *Bus) SetActive(subjectID string) {
	b.mu.Lock()
	b.active = subjectID
	b.mu.Unlock()
}

// Active returns the current active subject, or "".
func (b *Bus) Active() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// SubscriberCount returns the number of live subscribers of subjectID.
func (b *Bus) SubscriberCount(subjectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[subjectID]; ok {
		return len(t.subs)
	}
	return 0
}

// Close stops every pump and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for subject, t := range b.topics {
		close(t.done)
		for _, sub := range t.subs {
			close(sub.ch)
		}
		clear(t.subs)
		delete(b.topics, subject)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sub.subject]
	if !ok {
		return
	}
	if _, ok := t.subs[sub.id]; !ok {
		return
	}
	delete(t.subs, sub.id)
	close(sub.ch)
	if len(t.subs) == 0 {
		close(t.done)
		delete(b.topics, sub.subject)
	}
}

// pump delivers queued events in order. Sends happen under b.mu so that a
// concurrent remove can never close a channel mid-send; they are
// non-blocking, so a slow subscriber loses events instead of stalling
// the subject.
func (b *Bus) pump(t *topic) {
	for {
		select {
		case <-t.done:
			return
		case ev := <-t.queue:
			dropped := 0
			b.mu.Lock()
			for _, sub := range t.subs {
				select {
				case sub.ch <- ev:
				default:
					dropped++
				}
			}
			b.mu.Unlock()
			if dropped > 0 {
				b.logger.Warn("dropped progress event for slow subscribers",
					"subject_id", t.subject, "phase", ev.Phase, "dropped", dropped)
			}
			b.metrics.EventPublished(context.Background(), ev.Phase, dropped)
		}
	}
}
