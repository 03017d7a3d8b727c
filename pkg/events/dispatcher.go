package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
)

type subscriberID int64

// DeliveryFn is triggered once per reconciliation event with its JSON encoding.
type DeliveryFn func(eventData []byte)

// CancelFn has to be called to unsubscribe.
type CancelFn func()

// SubscribeOptions narrows which event types a subscriber receives.
// An empty Types list means all of them.
type SubscribeOptions struct {
	Types []core.EventType
}

// Dispatcher implements the fan-out pattern reading reconciliation events
// from a single channel and delivering them to multiple subscribers.
type Dispatcher struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[subscriberID]DeliveryFn
	options     map[subscriberID]SubscribeOptions
	currentID   subscriberID
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		subscribers: map[subscriberID]DeliveryFn{},
		options:     map[subscriberID]SubscribeOptions{},
		currentID:   1,
	}
}

// Run runs a dispatching loop in a dedicated goroutine and returns the
// channel feeding it. The loop drains the channel until the producer closes
// it, so events emitted while the reconciler finishes its last cycle are
// still delivered and the producer never blocks on a stopped consumer.
func (disp *Dispatcher) Run() chan core.ReconciliationEvent {
	ch := make(chan core.ReconciliationEvent)
	go func() {
		for event := range ch {
			disp.logger.Debug("dispatching event",
				zap.String("type", string(event.Type)),
				zap.String("invoice", event.InvoiceID.String()))
			disp.dispatch(event)
		}
		disp.logger.Info("event dispatching stopped")
	}()
	return ch
}

func (disp *Dispatcher) dispatch(event core.ReconciliationEvent) {
	eventData, err := json.Marshal(event)
	if err != nil {
		disp.logger.Error("json.Marshal() failed", zap.Error(err))
		return
	}
	disp.mu.RLock()
	defer disp.mu.RUnlock()

	for id, deliveryFn := range disp.subscribers {
		if !disp.options[id].wants(event.Type) {
			continue
		}
		deliveryFn(eventData)
	}
}

func (opts SubscribeOptions) wants(t core.EventType) bool {
	if len(opts.Types) == 0 {
		return true
	}
	for _, want := range opts.Types {
		if want == t {
			return true
		}
	}
	return false
}

func (disp *Dispatcher) RegisterSubscriber(fn DeliveryFn, options SubscribeOptions) CancelFn {
	disp.mu.Lock()
	defer disp.mu.Unlock()

	id := disp.currentID
	disp.currentID += 1
	disp.subscribers[id] = fn
	disp.options[id] = options

	return func() { disp.unsubscribe(id) }
}

func (disp *Dispatcher) unsubscribe(id subscriberID) {
	disp.mu.Lock()
	defer disp.mu.Unlock()

	delete(disp.subscribers, id)
	delete(disp.options, id)
}
