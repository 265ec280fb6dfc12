package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	var mu sync.Mutex
	var order []string

	require.NoError(t, b.Subscribe(WorkflowEvents, "first", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first:"+e.EventID)
	}))
	require.NoError(t, b.Subscribe(WorkflowEvents, "second", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second:"+e.EventID)
	}))

	require.NoError(t, b.Publish(WorkflowEvents, Event{EventID: "e1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:e1", "second:e1"}, order)
}

func TestPublishRejectsUnknownChannel(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	assert.Error(t, b.Publish("not.a.real.channel", Event{}))
}

func TestSubscribeRejectsUnknownChannel(t *testing.T) {
	b := New(nil)
	defer b.Stop()
	assert.Error(t, b.Subscribe("not.a.real.channel", "sub", func(Event) {}))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	defer b.Stop()

	var calls int
	var mu sync.Mutex
	require.NoError(t, b.Subscribe(TestResults, "sub", func(Event) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	}))
	require.NoError(t, b.Publish(TestResults, Event{EventID: "e1"}))
	b.Unsubscribe(TestResults, "sub")
	require.NoError(t, b.Publish(TestResults, Event{EventID: "e2"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestHandlerPanicIsRecoveredAndReported(t *testing.T) {
	errCh := make(chan HandlerError, 1)
	b := New(func(herr HandlerError) { errCh <- herr })
	defer b.Stop()

	var secondCalled bool
	require.NoError(t, b.Subscribe(AgentRequests, "panics", func(Event) {
		panic("boom")
	}))
	require.NoError(t, b.Subscribe(AgentRequests, "survives", func(Event) {
		secondCalled = true
	}))

	require.NoError(t, b.Publish(AgentRequests, Event{EventID: "e1"}))
	assert.True(t, secondCalled)

	select {
	case herr := <-errCh:
		assert.Equal(t, "panics", herr.Source)
		assert.Equal(t, SeverityFatal, herr.Sev)
	case <-time.After(time.Second):
		t.Fatal("expected a reported handler error")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(nil)
	b.Stop()
	b.Stop()
}
