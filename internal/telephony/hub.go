package telephony

import (
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/ahsoka/internal/logging"
	"go.uber.org/zap"
)

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventAudio        EventKind = "audio"
)

// Event is a provider callback translated to the call handle it belongs to.
type Event struct {
	Kind       EventKind
	CallHandle string
	// Reason is the provider's final call status for disconnects.
	Reason string
	// Failed marks disconnects caused by a provider side failure rather than the callee.
	Failed bool
	Audio  []byte
	At     time.Time
}

const (
	audioBuffer   = 1024
	controlBuffer = 16
	pendingLimit  = 256
	pendingTTL    = 2 * time.Minute
)

type pendingEvents struct {
	events    []Event
	firstSeen time.Time
}

// Subscription is the event stream of one call. Control carries connect and disconnect
// events and never loses one. Audio drops frames when the reader falls behind. Neither
// channel is closed; readers stop on Done.
type Subscription struct {
	Control <-chan Event
	Audio   <-chan Event

	sub   *subscriber
	close func()
}

func (s *Subscription) Done() <-chan struct{} {
	return s.sub.done
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.close()
}

type subscriber struct {
	control chan Event
	audio   chan Event
	done    chan struct{}
}

// EventHub routes provider events to the task that owns the call. Status callbacks can
// arrive before Place returns, so events for handles nobody subscribed to yet are held
// for a short while and replayed on Subscribe.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	pending     map[string]*pendingEvents
	now         func() time.Time
}

func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string]*subscriber),
		pending:     make(map[string]*pendingEvents),
		now:         time.Now,
	}
}

// Subscribe returns the event streams for callHandle, starting with anything held for it.
func (h *EventHub) Subscribe(callHandle string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	var held []Event

	if pending, ok := h.pending[callHandle]; ok {
		held = pending.events
		delete(h.pending, callHandle)
	}

	heldControl := 0

	for _, event := range held {
		if event.Kind != EventAudio {
			heldControl++
		}
	}

	sub := &subscriber{
		control: make(chan Event, controlBuffer+heldControl),
		audio:   make(chan Event, audioBuffer),
		done:    make(chan struct{}),
	}

	for _, event := range held {
		if event.Kind != EventAudio {
			sub.control <- event
			continue
		}

		select {
		case sub.audio <- event:
		default:
		}
	}

	h.subscribers[callHandle] = sub

	var once sync.Once

	return &Subscription{
		Control: sub.control,
		Audio:   sub.audio,
		sub:     sub,
		close: func() {
			once.Do(func() {
				h.mu.Lock()
				defer h.mu.Unlock()

				if h.subscribers[callHandle] == sub {
					delete(h.subscribers, callHandle)
				}

				close(sub.done)
			})
		},
	}
}

// Publish hands event to the call's subscriber. Audio never blocks and is dropped when the
// subscriber is a full buffer behind. Control events wait until the subscriber takes them
// or closes.
func (h *EventHub) Publish(event Event) {
	if event.At.IsZero() {
		event.At = h.now()
	}

	h.mu.Lock()

	sub, ok := h.subscribers[event.CallHandle]
	if !ok {
		h.hold(event)
		h.mu.Unlock()

		return
	}

	h.mu.Unlock()

	if event.Kind == EventAudio {
		select {
		case sub.audio <- event:
		default:
			logging.Logger.Debug("[Publish] Audio buffer full, dropping frame",
				zap.String("call_handle", event.CallHandle),
			)
		}

		return
	}

	select {
	case sub.control <- event:
	case <-sub.done:
		logging.Logger.Warn("[Publish] Subscriber closed before taking event",
			zap.String("call_handle", event.CallHandle),
			zap.String("kind", string(event.Kind)),
		)
	}
}

func (h *EventHub) hold(event Event) {
	now := h.now()

	for handle, held := range h.pending {
		if now.Sub(held.firstSeen) > pendingTTL {
			delete(h.pending, handle)
		}
	}

	held, ok := h.pending[event.CallHandle]
	if !ok {
		held = &pendingEvents{firstSeen: now}
		h.pending[event.CallHandle] = held
	}

	if len(held.events) >= pendingLimit {
		return
	}

	held.events = append(held.events, event)
}
