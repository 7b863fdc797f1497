package observer

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-ai/conclave"

	"go.opentelemetry.io/otel/metric"
)

// EventSink returns a conclave.EventSink recording activation counts and
// durations from runtime lifecycle events. Requests on the named chief
// agent additionally count as directive ticks.
func EventSink(inst *Instruments, chiefAgent string) conclave.EventSink {
	var mu sync.Mutex
	starts := make(map[string]time.Time)

	return func(ev conclave.Event) {
		ctx := context.Background()
		switch ev.Type {
		case conclave.EventRequest:
			mu.Lock()
			starts[ev.Agent] = ev.Time
			mu.Unlock()
			if ev.Agent == chiefAgent {
				inst.DirectiveTicks.Add(ctx, 1)
			}
		case conclave.EventCompleted:
			mu.Lock()
			start, ok := starts[ev.Agent]
			delete(starts, ev.Agent)
			mu.Unlock()

			status := "ok"
			if !ev.Success {
				status = "error"
			}
			attrs := metric.WithAttributes(
				AttrAgentName.String(ev.Agent),
				AttrAgentStatus.String(status),
			)
			inst.Activations.Add(ctx, 1, attrs)
			if ok {
				inst.ActivationDuration.Record(ctx, float64(ev.Time.Sub(start).Milliseconds()), attrs)
			}
		}
	}
}
