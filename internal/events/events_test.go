package events

import (
	"sync"
	"testing"
)

func TestBusSubscribePublish(t *testing.T) {
	b := NewBus()
	id, ch := b.Subscribe(4)

	b.Publish(Event{Type: Started})
	b.Publish(Event{Type: Progress, BarIndex: 3})

	if e := <-ch; e.Type != Started {
		t.Errorf("first event = %q, want started", e.Type)
	}
	if e := <-ch; e.Type != Progress || e.BarIndex != 3 {
		t.Errorf("second event = %+v, want progress at bar 3", e)
	}

	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Unsubscribing twice is a no-op.
	b.Unsubscribe(id)
}

func TestBusDropsOnFull(t *testing.T) {
	b := NewBus()
	_, ch := b.Subscribe(1)
	b.Publish(Event{Type: Bar, BarIndex: 0})
	b.Publish(Event{Type: Bar, BarIndex: 1})

	if e := <-ch; e.BarIndex != 0 {
		t.Errorf("kept event = %d, want 0", e.BarIndex)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event %+v, want dropped", e)
	default:
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus()
	_, ch := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Error("subscriber channel open after Close")
	}
	_, late := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}

func TestRecorderConcurrent(t *testing.T) {
	var r Recorder
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Emit(Event{Type: Trade})
		}()
	}
	wg.Wait()
	if got := r.Count(Trade); got != 10 {
		t.Errorf("Count(trade) = %d, want 10", got)
	}
	if len(r.Events()) != 10 {
		t.Errorf("Events() = %d, want 10", len(r.Events()))
	}
}

func TestTagAndMulti(t *testing.T) {
	var a, b Recorder
	s := Tag(Multi(&a, &b, Discard), "run-1")
	s.Emit(Event{Type: Completed})

	for _, r := range []*Recorder{&a, &b} {
		evs := r.Events()
		if len(evs) != 1 || evs[0].RunID != "run-1" {
			t.Errorf("recorded %+v, want one event tagged run-1", evs)
		}
	}
	if !Completed.Terminal() || Progress.Terminal() {
		t.Error("Terminal() classification wrong")
	}
}
