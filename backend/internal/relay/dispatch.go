package relay

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// dispatcher delivers one subscription's events: once per id, verified, and never
// after close. Deliveries are serialized so callbacks need not be reentrant, but
// onEvent may close the dispatcher.
type dispatcher struct {
	id      string
	onEvent func(*nostr.Event)
	verify  func(*nostr.Event) error
	log     *zap.Logger

	deliverMu sync.Mutex

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

func newDispatcher(id string, onEvent func(*nostr.Event), verify func(*nostr.Event) error, log *zap.Logger) *dispatcher {
	return &dispatcher{
		id:      id,
		onEvent: onEvent,
		verify:  verify,
		log:     log,
		seen:    make(map[string]struct{}),
	}
}

// dispatch delivers ev if it is new and valid and reports whether it did
func (d *dispatcher) dispatch(relayURL string, ev *nostr.Event) bool {
	if ev == nil || ev.ID == "" {
		eventsReceived.WithLabelValues(resultInvalid).Inc()
		return false
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		eventsReceived.WithLabelValues(resultLate).Inc()
		return false
	}
	if _, dup := d.seen[ev.ID]; dup {
		d.mu.Unlock()
		eventsReceived.WithLabelValues(resultDuplicate).Inc()
		return false
	}
	d.mu.Unlock()

	if d.verify != nil {
		if err := d.verify(ev); err != nil {
			eventsReceived.WithLabelValues(resultInvalid).Inc()
			d.log.Warn("Dropping invalid event",
				zap.String("relay", relayURL),
				zap.String("subscription", d.id),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			return false
		}
	}

	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	// Recheck: another relay may have delivered the same id while this one verified
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		eventsReceived.WithLabelValues(resultLate).Inc()
		return false
	}
	if _, dup := d.seen[ev.ID]; dup {
		d.mu.Unlock()
		eventsReceived.WithLabelValues(resultDuplicate).Inc()
		return false
	}
	d.seen[ev.ID] = struct{}{}
	d.mu.Unlock()

	eventsReceived.WithLabelValues(resultDelivered).Inc()
	d.onEvent(ev)
	return true
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.seen = nil
}
