// Package bus implements the MessageBus: a typed publish/subscribe bus
// over a small fixed set of channels, delivering synchronously and
// in publish order within each channel. A handler panic is recovered
// and reported rather than crashing the process, following the
// donor dispatcher's supervisor pattern.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/pkg/logx"
)

// Channel names. These are the only five channels the bus serves;
// Publish/Subscribe reject any other name.
const (
	WorkflowEvents   = "workflow.events"
	AgentRequests    = "agent.requests"
	AgentResults     = "agent.results"
	TestResults      = "test.results"
	DebuggerRequests = "debugger.requests"
)

var validChannels = map[string]bool{
	WorkflowEvents:   true,
	AgentRequests:    true,
	AgentResults:     true,
	TestResults:      true,
	DebuggerRequests: true,
}

// Event is one MessageBus payload.
type Event struct {
	EventID       string
	EventType     string
	Timestamp     time.Time
	Source        string
	CorrelationID string
	WorkflowID    string
	TaskID        string
	Data          any
}

// Handler processes one Event delivered on a channel.
type Handler func(Event)

// Severity classifies a handler error reported to the bus's supervisor.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityFatal
)

// HandlerError is reported when a subscriber's handler panics or the
// caller explicitly reports a failure via ReportError.
type HandlerError struct {
	Channel string
	Source  string
	Err     error
	Sev     Severity
}

// Bus is the MessageBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriber
	errCh       chan HandlerError
	log         *logx.Logger
	stopOnce    sync.Once
	stopped     chan struct{}
}

type subscriber struct {
	id      string
	handler Handler
}

// New constructs a Bus. Handler errors (panics or explicit
// ReportError calls) are delivered to onError, if non-nil, from a
// single supervisor goroutine; callers should keep onError fast and
// non-blocking.
func New(onError func(HandlerError)) *Bus {
	b := &Bus{
		subscribers: make(map[string][]subscriber),
		errCh:       make(chan HandlerError, 64),
		log:         logx.NewLogger("bus"),
		stopped:     make(chan struct{}),
	}
	go b.supervisor(onError)
	return b
}

func (b *Bus) supervisor(onError func(HandlerError)) {
	for {
		select {
		case <-b.stopped:
			return
		case herr, ok := <-b.errCh:
			if !ok {
				return
			}
			b.log.Warn("handler error on %s from %s: %v", herr.Channel, herr.Source, herr.Err)
			if onError != nil {
				onError(herr)
			}
		}
	}
}

// Subscribe registers handler on channel under subscriberID, returning
// an error if channel is not one of the five fixed channels.
func (b *Bus) Subscribe(channel, subscriberID string, handler Handler) error {
	if !validChannels[channel] {
		return fmt.Errorf("bus: unknown channel %q", channel)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], subscriber{id: subscriberID, handler: handler})
	return nil
}

// Unsubscribe removes every handler registered under subscriberID on
// channel.
func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[channel]
	kept := subs[:0]
	for _, s := range subs {
		if s.id != subscriberID {
			kept = append(kept, s)
		}
	}
	b.subscribers[channel] = kept
}

// Publish delivers event to every subscriber on channel, synchronously,
// in subscription order. A handler panic is recovered, reported to the
// supervisor as a fatal HandlerError, and does not stop delivery to the
// remaining subscribers.
func (b *Bus) Publish(channel string, event Event) error {
	if !validChannels[channel] {
		return fmt.Errorf("bus: unknown channel %q", channel)
	}
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subscribers[channel]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(channel, s, event)
	}
	return nil
}

func (b *Bus) invoke(channel string, s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.reportError(HandlerError{
				Channel: channel,
				Source:  s.id,
				Err:     fmt.Errorf("handler panic: %v", r),
				Sev:     SeverityFatal,
			})
		}
	}()
	s.handler(event)
}

// ReportError lets a handler report a non-panic failure without
// stopping the current Publish call.
func (b *Bus) ReportError(herr HandlerError) {
	b.reportError(herr)
}

func (b *Bus) reportError(herr HandlerError) {
	select {
	case b.errCh <- herr:
	default:
		b.log.Error("error channel full, dropping handler error from %s: %v", herr.Source, herr.Err)
	}
}

// Stop shuts down the supervisor goroutine. Safe to call more than once.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
	})
}
