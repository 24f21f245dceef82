package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and may be invoked from the hub's flush goroutine at any time before Close.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so engines stay
// agnostic about how events are buffered or persisted.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
