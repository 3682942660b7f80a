package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/pesaloop/pesaloop-backend/internal/notify"
)

// FakeSequencer backs the reference generator with an in-process
// counter.
type FakeSequencer struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewFakeSequencer() *FakeSequencer {
	return &FakeSequencer{counts: make(map[string]int64)}
}

func (s *FakeSequencer) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}

func (s *FakeSequencer) Expire(context.Context, string, time.Duration) error {
	return nil
}

// FakeDispatcher records dispatched events synchronously.
type FakeDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{}
}

func (d *FakeDispatcher) Dispatch(_ context.Context, event notify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *FakeDispatcher) Events() []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Event(nil), d.events...)
}

func (d *FakeDispatcher) EventsOfType(eventType string) []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var matched []notify.Event
	for _, event := range d.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
