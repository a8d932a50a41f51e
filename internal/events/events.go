// Package events carries observational run events (started, progress, bar,
// signal, order, trade, completed, stopped, error) from the run loop to
// progress consumers such as SSE and gRPC streams.
package events

import (
	"sync"
	"time"

	"quantlab/internal/domain"
)

// Type names an event kind.
type Type string

const (
	Started   Type = "started"
	Progress  Type = "progress"
	Bar       Type = "bar"
	Signal    Type = "signal"
	Order     Type = "order"
	Trade     Type = "trade"
	Completed Type = "completed"
	Stopped   Type = "stopped"
	Error     Type = "error"
)

// Terminal reports whether t ends a run's event stream.
func (t Type) Terminal() bool {
	return t == Completed || t == Stopped || t == Error
}

// ProgressInfo is the payload of a progress event.
type ProgressInfo struct {
	CurrentBar  int       `json:"currentBar"`
	TotalBars   int       `json:"totalBars"`
	Percent     float64   `json:"percent"`
	CurrentDate time.Time `json:"currentDate"`
}

// Event is the wire format for streamed run events. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type     Type                       `json:"type"`
	RunID    string                     `json:"runId,omitempty"`
	BarIndex int                        `json:"barIndex"`
	Progress *ProgressInfo              `json:"progress,omitempty"`
	Bar      *domain.Bar                `json:"bar,omitempty"`
	Signal   *domain.Signal             `json:"signal,omitempty"`
	Order    *domain.Order              `json:"order,omitempty"`
	Trade    *domain.Trade              `json:"trade,omitempty"`
	Metrics  *domain.PerformanceMetrics `json:"metrics,omitempty"`
	Message  string                     `json:"message,omitempty"`
}

// Sink receives events. Emit must not block the run loop for long and must
// not retain pointers it intends to mutate.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// Tag returns a Sink that stamps runID on each event before forwarding it.
func Tag(s Sink, runID string) Sink {
	return SinkFunc(func(e Event) {
		e.RunID = runID
		s.Emit(e)
	})
}

// Multi fans each event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Emit(e)
		}
	})
}

// Bus is a pub/sub hub. Publishing never blocks: slow subscribers have
// events dropped.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel that receives events. bufSize controls the
// channel buffer.
func (b *Bus) Subscribe(bufSize int) (int, <-chan Event) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends e to all subscribers non-blocking (drop on full).
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit implements Sink.
func (b *Bus) Emit(e Event) { b.Publish(e) }

// Close unsubscribes everyone. Later Subscribe calls get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.closed = true
}

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
