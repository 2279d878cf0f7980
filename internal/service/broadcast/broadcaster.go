package broadcast

import (
	"errors"
	"sync"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/pkg/metrics"
)

// DefaultCapacity is the per-subscriber buffer when none is configured.
const DefaultCapacity = 100

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("broadcaster closed")

// Broadcaster fans alert events out to live observers. Each observer owns a
// bounded channel; when it is full the newest event is dropped for that
// observer only.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[chan models.AlertEvent]struct{}
	capacity int
	closed   bool
	metrics  repository.Metrics
}

type Option func(*Broadcaster)

func WithCapacity(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.capacity = n
		}
	}
}

func WithMetrics(m repository.Metrics) Option {
	return func(b *Broadcaster) {
		if m != nil {
			b.metrics = m
		}
	}
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs:     make(map[chan models.AlertEvent]struct{}),
		capacity: DefaultCapacity,
		metrics:  metrics.Noop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() (<-chan models.AlertEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan models.AlertEvent, b.capacity)
	b.subs[ch] = struct{}{}
	b.metrics.SetSubscribers(len(b.subs))
	return ch, nil
}

// Unsubscribe removes the observer and closes its channel. Unknown channels
// are ignored.
func (b *Broadcaster) Unsubscribe(sub <-chan models.AlertEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		if (<-chan models.AlertEvent)(ch) == sub {
			delete(b.subs, ch)
			close(ch)
			break
		}
	}
	b.metrics.SetSubscribers(len(b.subs))
}

// Publish offers ev to every observer without blocking and returns how many
// accepted it.
func (b *Broadcaster) Publish(ev models.AlertEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			b.metrics.RecordDeliveryMiss()
		}
	}
	return delivered
}

// Subscribers is the current observer count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every observer channel. It is safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[chan models.AlertEvent]struct{})
	b.metrics.SetSubscribers(0)
}
