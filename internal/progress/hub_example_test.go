package progress

import (
	"context"
	"fmt"
	"time"
)

type countingSink struct {
	byStage map[Stage]int
}

func (s *countingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.byStage[evt.Stage]++
	}
	return nil
}

func (s *countingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit traces one delivery through the worker stages.
func ExampleHub_Emit() {
	sink := &countingSink{byStage: map[Stage]int{}}
	hub := NewHub(Config{MaxBatch: 1, FlushInterval: time.Second}, sink)

	for _, stage := range []Stage{StageJobReceived, StageFetching, StageExtracting, StageUpserting, StageAcked} {
		hub.Emit(Event{Stage: stage, MessageID: "mem-1", URL: "https://site/a"})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("acked: %d, fetching: %d\n", sink.byStage[StageAcked], sink.byStage[StageFetching])
	// Output:
	// acked: 1, fetching: 1
}
