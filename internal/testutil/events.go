package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/udayangaac/multi-proxy/internal/eventlog"
)

// EventRecorder is an eventlog.Logger that keeps every event in memory.
type EventRecorder struct {
	mu     sync.Mutex
	events []eventlog.Event
}

func (r *EventRecorder) Log(ev eventlog.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *EventRecorder) Events() []eventlog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventlog.Event(nil), r.events...)
}

// Sessions groups session events by session ID, in logged order.
func (r *EventRecorder) Sessions() map[string][]eventlog.Event {
	out := make(map[string][]eventlog.Event)
	for _, ev := range r.Events() {
		if ev.Session != "" {
			out[ev.Session] = append(out[ev.Session], ev)
		}
	}
	return out
}

// Count returns the number of events of kind k.
func (r *EventRecorder) Count(k eventlog.Kind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// Ended returns the number of sessions that logged a terminal event.
func (r *EventRecorder) Ended() int {
	return r.Count(eventlog.KindClose) + r.Count(eventlog.KindError)
}

// WaitFor polls until cond holds or fails the test after timeout.
func (r *EventRecorder) WaitFor(t *testing.T, timeout time.Duration, cond func(*EventRecorder) bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond(r) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for events, got %+v", r.Events())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// CheckSessionOrder fails the test unless every session logged open, then
// data events, then exactly one close or error.
func CheckSessionOrder(t *testing.T, sessions map[string][]eventlog.Event) {
	t.Helper()

	for id, evs := range sessions {
		if len(evs) < 2 {
			t.Fatalf("session %s: got %d events", id, len(evs))
		}
		if evs[0].Kind != eventlog.KindOpen {
			t.Fatalf("session %s: first event %s", id, evs[0].Kind)
		}
		for _, ev := range evs[1 : len(evs)-1] {
			if ev.Kind != eventlog.KindData {
				t.Fatalf("session %s: unexpected %s event before the end", id, ev.Kind)
			}
		}
		if last := evs[len(evs)-1].Kind; !last.Terminal() {
			t.Fatalf("session %s: last event %s", id, last)
		}
	}
}
