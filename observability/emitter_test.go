package observability

import (
	"testing"

	"collarcore/core/events"
)

type staticEvent string

func (s staticEvent) EventType() string { return string(s) }

func TestMeteredEmitterForwards(t *testing.T) {
	recorder := &events.Recorder{}
	emitter := MeteredEmitter{Next: recorder}

	emitter.Emit(staticEvent("collar.position.opened"))
	emitter.Emit(staticEvent("escrow.started"))
	emitter.Emit(nil)

	if len(recorder.Events) != 2 {
		t.Fatalf("expected 2 forwarded events, got %d", len(recorder.Events))
	}
	if recorder.Events[0].EventType() != "collar.position.opened" {
		t.Fatalf("unexpected first event: %s", recorder.Events[0].EventType())
	}
}

func TestMeteredEmitterWithoutDownstream(t *testing.T) {
	emitter := MeteredEmitter{}
	// Counting must not require a downstream sink.
	emitter.Emit(staticEvent("rolls.roll.accepted"))
}
