package sinks

import (
	"context"

	"github.com/JakeFAU/crawl-ingest/internal/events"
)

// WakeSink signals a single-slot channel whenever a batch contains an event
// that may have made a job claimable. Signals coalesce.
type WakeSink struct {
	ch chan struct{}
}

// NewWakeSink returns a WakeSink.
func NewWakeSink() *WakeSink {
	return &WakeSink{ch: make(chan struct{}, 1)}
}

// C returns the wake-up channel.
func (s *WakeSink) C() <-chan struct{} {
	return s.ch
}

// Consume implements events.Sink.
func (s *WakeSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Wakes() {
			s.Notify()
			return nil
		}
	}
	return nil
}

// Notify raises the signal without blocking.
func (s *WakeSink) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Close implements events.Sink. The channel stays open so waiting workers
// fall back to polling instead of spinning on a closed channel.
func (s *WakeSink) Close(context.Context) error {
	return nil
}
