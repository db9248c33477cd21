package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/egazette-harvester/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageReload, Page: 2, Strategy: "SESSION_STALE"},
		{RunID: runID, TS: now, Stage: progress.StageCycleDone, Count: 3, Dur: 20 * time.Second},
		{RunID: runID, TS: now, Stage: progress.StageCycleError, Dur: 5 * time.Second},
		{RunID: runID, TS: now, Stage: progress.StageReport, Note: "started"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive), "duplicate starts count once")
	require.Equal(t, 1.0, testutil.ToFloat64(sink.reportsSent))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.reloadsByPage.WithLabelValues("SESSION_STALE", "2")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.cycleRuntime, "harvester_cycle_runtime_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.cycleFiles, "harvester_cycle_files"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStop},
		{RunID: runID, TS: now, Stage: progress.StageRunStop},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
