package relay

import (
	"encoding/json"
	"sync"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	domrepo "github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/internal/service/broadcast"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
)

// Relay publishes alert events on a shared subject and feeds every event
// seen on that subject, its own included, into the local broadcaster. Each
// replica's observers therefore see the alerts of all replicas.
type Relay struct {
	t           Transport
	subject     string
	local       *broadcast.Broadcaster
	metrics     domrepo.Metrics
	l           *applogger.Logger
	mu          sync.Mutex
	unsubscribe func() error
}

var _ domrepo.EventPublisher = (*Relay)(nil)

func New(t Transport, subject string, local *broadcast.Broadcaster, metrics domrepo.Metrics, l *applogger.Logger) *Relay {
	if l == nil {
		l = applogger.Nop()
	}
	return &Relay{t: t, subject: subject, local: local, metrics: metrics, l: l}
}

// Start subscribes to the relay subject.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return nil
	}
	unsub, err := r.t.Subscribe(r.subject, r.receive)
	if err != nil {
		return err
	}
	r.unsubscribe = unsub
	r.l.Info("relay subscribed", applogger.String("subject", r.subject))
	return nil
}

func (r *Relay) receive(data []byte) {
	var ev models.AlertEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.metrics.RecordError("relay_decode")
		r.l.Warn("relay dropped undecodable event", applogger.Error(err))
		return
	}
	r.local.Publish(ev)
}

// Publish sends ev on the bus. Delivery to local observers happens when it
// comes back on the subscription, so the returned count is the number of
// local observers at publish time. If the bus refuses the event it goes to
// the local broadcaster directly.
func (r *Relay) Publish(ev models.AlertEvent) int {
	data, err := json.Marshal(ev)
	if err == nil {
		if err = r.t.Publish(r.subject, data); err == nil {
			return r.local.Subscribers()
		}
	}
	r.metrics.RecordError("relay_publish")
	r.l.Warn("relay publish failed, delivering locally",
		applogger.Int64("alert_id", ev.AlertID),
		applogger.Error(err),
	)
	return r.local.Publish(ev)
}

// Close unsubscribes and closes the transport.
func (r *Relay) Close() error {
	r.mu.Lock()
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsub != nil {
		if err := unsub(); err != nil {
			r.l.Warn("relay unsubscribe", applogger.Error(err))
		}
	}
	return r.t.Close()
}
