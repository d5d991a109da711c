package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"collarcore/core/events"
)

type protocolMetrics struct {
	ledgerEvents *prometheus.CounterVec
}

var (
	protocolMetricsOnce sync.Once
	protocolRegistry    *protocolMetrics
)

// Protocol returns the process-wide counters tracking ledger events. The
// collectors register against the default prometheus registry exactly once.
func Protocol() *protocolMetrics {
	protocolMetricsOnce.Do(func() {
		protocolRegistry = &protocolMetrics{
			ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "collar",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Count of ledger events segmented by module and event type.",
			}, []string{"module", "type"}),
		}
		prometheus.MustRegister(protocolRegistry.ledgerEvents)
	})
	return protocolRegistry
}

// RecordEvent increments the counter for one emitted ledger event. Event
// types follow the "<module>.<subject>.<action>" convention, so the module
// label is the first dotted segment.
func (m *protocolMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return
	}
	module := eventType
	if idx := strings.IndexByte(eventType, '.'); idx > 0 {
		module = eventType[:idx]
	}
	m.ledgerEvents.WithLabelValues(module, eventType).Inc()
}

// MeteredEmitter counts every ledger event before forwarding it downstream.
// Wrapping the node's emitter with it gives operators per-module activity
// metrics without touching engine code.
type MeteredEmitter struct {
	Next events.Emitter
}

// Emit implements events.Emitter.
func (m MeteredEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	Protocol().RecordEvent(evt.EventType())
	if m.Next != nil {
		m.Next.Emit(evt)
	}
}
