// Package sinks implements concrete event consumers: structured logging,
// Prometheus lifecycle counters, a Pub/Sub forwarder, and the wake-up signal
// that lets idle workers claim newly available jobs without waiting out their
// poll interval. Each sink satisfies events.Sink.
package sinks
