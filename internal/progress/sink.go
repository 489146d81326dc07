package progress

import "context"

// Sink consumes batches of progress events. The Hub calls Consume from a
// single goroutine; Close is called once after the final flush.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. The scanner and workers depend on this
// interface only, so control flow never waits on a sink.
type Emitter interface {
	Emit(evt Event)
}
