package safety

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllListeners(t *testing.T) {
	bus := NewBus()
	var got []Signal
	bus.Subscribe(func(s Signal) { got = append(got, s) })
	bus.Subscribe(func(s Signal) { panic("boom") })
	bus.Subscribe(func(s Signal) { got = append(got, s) })

	bus.TriggerEmergencyLiquidation("/fapi/v1/order")

	require.Len(t, got, 2, "a panicking listener must not stop delivery")
	assert.Equal(t, ActionEmergencyLiquidation, got[0].Action)
	assert.Equal(t, "/fapi/v1/order", got[0].Endpoint)
	assert.Equal(t, got[0].ID, got[1].ID)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	unsubscribe := bus.Subscribe(func(Signal) { count++ })

	bus.TriggerOrderCancellation("a")
	unsubscribe()
	bus.TriggerOrderCancellation("a")

	assert.Equal(t, 1, count)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	pub := NewKafkaPublisherWithWriter(w)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pub.Start(ctx))
	require.Error(t, pub.Start(ctx))

	bus := NewBus()
	bus.Subscribe(pub.Handle)
	bus.TriggerOrderCancellation("/fapi/v1/openOrders")

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	var sig Signal
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &sig))
	assert.Equal(t, ActionOrderCancellation, sig.Action)
	assert.Equal(t, "/fapi/v1/openOrders", string(w.msgs[0].Key))

	cancel()
	pub.Stop()
	assert.True(t, w.closed)
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "topic")
	assert.Error(t, err)
}
