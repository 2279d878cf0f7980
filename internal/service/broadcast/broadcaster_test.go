package broadcast

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/pkg/metrics"
)

type missCounter struct {
	metrics.Noop
	misses atomic.Int64
	subs   atomic.Int64
}

func (m *missCounter) RecordDeliveryMiss()  { m.misses.Add(1) }
func (m *missCounter) SetSubscribers(n int) { m.subs.Store(int64(n)) }

func event(id int64) models.AlertEvent {
	return models.AlertEvent{Type: models.EventTypeAlert, AlertID: id}
}

func drain(ch <-chan models.AlertEvent) []int64 {
	var ids []int64
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return ids
			}
			ids = append(ids, ev.AlertID)
		default:
			return ids
		}
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, err := b.Subscribe()
	require.NoError(t, err)
	c, err := b.Subscribe()
	require.NoError(t, err)

	assert.Equal(t, 2, b.Publish(event(1)))
	assert.Equal(t, 2, b.Publish(event(2)))

	assert.Equal(t, []int64{1, 2}, drain(a))
	assert.Equal(t, []int64{1, 2}, drain(c))
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New()
	assert.Zero(t, b.Publish(event(1)))
}

func TestFullSubscriberDropsNewest(t *testing.T) {
	rec := &missCounter{}
	b := New(WithCapacity(3), WithMetrics(rec))

	slow, err := b.Subscribe()
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		b.Publish(event(i))
	}

	// a fresh subscriber is unaffected by the slow one
	fast, err := b.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 1, b.Publish(event(6)))

	assert.Equal(t, []int64{1, 2, 3}, drain(slow))
	assert.Equal(t, []int64{6}, drain(fast))

	assert.Equal(t, int64(3), rec.misses.Load())
	assert.Equal(t, int64(2), rec.subs.Load())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, err := b.Subscribe()
	require.NoError(t, err)
	require.Equal(t, 1, b.Subscribers())

	b.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers())
	assert.Zero(t, b.Publish(event(1)))

	// second call is a no-op
	b.Unsubscribe(ch)
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	b := New()
	ch, err := b.Subscribe()
	require.NoError(t, err)

	b.Close()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	_, err = b.Subscribe()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, b.Publish(event(1)))
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(WithCapacity(8))
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch, err := b.Subscribe()
				if err != nil {
					return
				}
				drain(ch)
				b.Unsubscribe(ch)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(event(id))
			}
		}(int64(i))
	}
	wg.Wait()
	assert.Zero(t, b.Subscribers())
}
