package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cryptoguard/internal/metrics"
	"cryptoguard/logger"
)

type Action string

const (
	ActionEmergencyLiquidation Action = "EMERGENCY_LIQUIDATION"
	ActionOrderCancellation    Action = "ORDER_CANCELLATION"
)

// Signal is one dispatched safety action. Executing it is up to whoever
// listens.
type Signal struct {
	ID       uuid.UUID `json:"id"`
	Action   Action    `json:"action"`
	Endpoint string    `json:"endpoint"`
	Time     time.Time `json:"time"`
}

// Dispatcher receives fire-and-forget safety commands.
type Dispatcher interface {
	TriggerEmergencyLiquidation(endpoint string)
	TriggerOrderCancellation(endpoint string)
}

// Listener handles a signal. A panicking listener is logged and skipped.
type Listener func(Signal)

// Bus fans signals out to registered listeners.
type Bus struct {
	log *logger.Log
	now func() time.Time

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

func NewBus() *Bus {
	return &Bus{
		log:       logger.GetLogger(),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Bus) TriggerEmergencyLiquidation(endpoint string) {
	b.publish(ActionEmergencyLiquidation, endpoint)
}

func (b *Bus) TriggerOrderCancellation(endpoint string) {
	b.publish(ActionOrderCancellation, endpoint)
}

func (b *Bus) publish(action Action, endpoint string) {
	sig := Signal{ID: uuid.New(), Action: action, Endpoint: endpoint, Time: b.now().UTC()}

	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()

	log := b.log.WithComponent("safety_bus").WithFields(logger.Fields{
		"signal_id": sig.ID.String(),
		"action":    string(action),
		"endpoint":  endpoint,
	})
	log.Error("safety action dispatched")
	metrics.IncSafetySignal(string(action))

	for _, l := range listeners {
		b.deliver(log, l, sig)
	}
}

func (b *Bus) deliver(log *logger.Entry, l Listener, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			log.WithError(fmt.Errorf("%v", r)).Error("safety listener panicked")
		}
	}()
	l(sig)
}
