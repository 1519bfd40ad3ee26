package ports

import (
	"context"

	"livefabric/internal/core/domain"
)

// MetricsObserver receives lifecycle transitions from the stream manager.
// Passed in explicitly; the core keeps no process-wide mutable counters.
type MetricsObserver interface {
	StreamUp(id domain.StreamID)
	StreamDown(id domain.StreamID)
	PublishUp(id domain.StreamID)
	PublishDown(id domain.StreamID)
	SubscribeUp(id domain.StreamID)
	SubscribeDown(id domain.StreamID)
	ReforwardUp(id domain.StreamID)
	ReforwardDown(id domain.StreamID)
	NodeMetrics() domain.NodeMetrics
}

// NopMetrics is the observer used when monitoring is disabled.
type NopMetrics struct{}

func (NopMetrics) StreamUp(domain.StreamID)      {}
func (NopMetrics) StreamDown(domain.StreamID)    {}
func (NopMetrics) PublishUp(domain.StreamID)     {}
func (NopMetrics) PublishDown(domain.StreamID)   {}
func (NopMetrics) SubscribeUp(domain.StreamID)   {}
func (NopMetrics) SubscribeDown(domain.StreamID) {}
func (NopMetrics) ReforwardUp(domain.StreamID)   {}
func (NopMetrics) ReforwardDown(domain.StreamID) {}
func (NopMetrics) NodeMetrics() domain.NodeMetrics {
	return domain.NodeMetrics{}
}

// EventHook consumes the process-wide event stream, e.g. the outbound
// webhook. Hook returns when the channel is closed or ctx is done.
type EventHook interface {
	Hook(ctx context.Context, events <-chan domain.Event)
}
