package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
	"github.com/JakeFAU/harvest-crawler/internal/progress"
)

func TestPrometheusSinkRecordsRunAndFetchEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageFetchStart, Site: "example.com", Attempt: 1},
		{RunID: runID, TS: now, Stage: progress.StageFetchRetry, Site: "example.com", Attempt: 1},
		{RunID: runID, TS: now, Stage: progress.StageFetchSkip, Site: "example.com"},
		{
			RunID:       runID,
			TS:          now,
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Attempt:     2,
			Outcome:     crawler.StatusSuccess,
			StatusClass: progress.Status2xx,
			Bytes:       1024,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.runsStarted), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.runsRunning), 1e-9, "duplicate start counted once")
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchEvents.WithLabelValues("FETCH_RETRY", "example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchEvents.WithLabelValues("FETCH_SKIP", "example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchClasses.WithLabelValues("example.com", "2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchOutcome.WithLabelValues("success")), 1e-9)

	done := []progress.Event{{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: 3 * time.Second}}
	require.NoError(t, sink.Consume(context.Background(), done))
	require.NoError(t, sink.Consume(context.Background(), done))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.runsRunning), 1e-9, "gauge never goes negative")
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "crawler_run_duration_seconds"))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkConsume(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	err := sink.Consume(context.Background(), []progress.Event{{
		RunID: progress.UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: progress.StageFetchDone,
		Site:  "example.com",
		Note:  "timeout",
	}})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
}
