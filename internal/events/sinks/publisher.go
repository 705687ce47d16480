package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-ingest/internal/crawler"
	"github.com/JakeFAU/crawl-ingest/internal/events"
)

// PublisherSink forwards events to a message bus topic.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	types     map[events.Type]struct{}
}

// NewPublisherSink publishes events of the listed types to topic. With no
// types every event is forwarded.
func NewPublisherSink(publisher crawler.Publisher, topic string, types ...events.Type) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	s := &PublisherSink{publisher: publisher, topic: topic}
	if len(types) > 0 {
		s.types = make(map[events.Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	return s, nil
}

// Consume publishes each matching event. All events are attempted; the
// returned error joins the individual failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if s.types != nil {
			if _, ok := s.types[evt.Type]; !ok {
				continue
			}
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s for job %s: %w", evt.Type, evt.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
