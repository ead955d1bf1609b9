package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// outcomeTally counts FETCH_DONE events by outcome.
type outcomeTally map[crawler.Status]int

func (t outcomeTally) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageFetchDone {
			t[evt.Outcome]++
		}
	}
	return nil
}

func (outcomeTally) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit shows a run's events reaching a sink once the hub closes.
func ExampleHub_Emit() {
	tally := outcomeTally{}
	hub := NewHub(Config{MaxBatchEvents: 8, MaxBatchWait: time.Second}, tally)

	run := ParseRunID("nightly-shoes")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hub.Emit(Event{RunID: run, TS: at, Stage: StageRunStart})
	for i, outcome := range []crawler.Status{
		crawler.StatusSuccess,
		crawler.StatusPermanentFailure,
		crawler.StatusSuccess,
	} {
		hub.Emit(Event{
			RunID:   run,
			TS:      at.Add(time.Duration(i) * time.Second),
			Stage:   StageFetchDone,
			Site:    "shop.example",
			URL:     fmt.Sprintf("https://shop.example/item/%d", i),
			Outcome: outcome,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("success=%d permanent_failure=%d dropped=%d\n",
		tally[crawler.StatusSuccess], tally[crawler.StatusPermanentFailure], hub.Dropped())
	// Output:
	// success=2 permanent_failure=1 dropped=0
}
