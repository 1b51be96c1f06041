package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/media-orchestrator/internal/batch"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
	"github.com/JakeFAU/media-orchestrator/internal/publisher/memory"
)

func runEvents() (uuid.UUID, []progress.Event) {
	id := uuid.New()
	runID := progress.UUIDToBytes(id)
	ts := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	return id, []progress.Event{
		{RunID: runID, TS: ts, Stage: progress.StageRunStart, RunIdentity: "natgeo", Total: 2},
		{
			RunID:       runID,
			TS:          ts.Add(time.Second),
			Stage:       progress.StageTargetDone,
			RunIdentity: "natgeo",
			TargetKey:   "single-post:a",
			TargetKind:  batch.KindSinglePost,
			Attempt:     1,
			Items:       batch.ItemCounts{Images: 1},
			Totals:      batch.Totals{Succeeded: 1, Items: batch.ItemCounts{Images: 1}},
		},
		{
			RunID:       runID,
			TS:          ts.Add(2 * time.Second),
			Stage:       progress.StageTargetFailed,
			RunIdentity: "natgeo",
			TargetKey:   "single-post:b",
			TargetKind:  batch.KindSinglePost,
			Attempt:     1,
			ErrorKind:   batch.ErrorKindNotFound,
			Totals:      batch.Totals{Succeeded: 1, Failed: 1, Items: batch.ItemCounts{Images: 1}},
			Note:        "not_found: gone",
		},
		{
			RunID:       runID,
			TS:          ts.Add(3 * time.Second),
			Stage:       progress.StageRunDone,
			RunIdentity: "natgeo",
			Total:       2,
			Dur:         3 * time.Second,
			Totals:      batch.Totals{Succeeded: 1, Failed: 1, Items: batch.ItemCounts{Images: 1}},
		},
	}
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	_, events := runEvents()
	require.NoError(t, sink.Consume(context.Background(), events))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "single-post:b", entries[2].ContextMap()["target_key"])
	require.Equal(t, "not_found", entries[2].ContextMap()["error_kind"])
}

func TestPublisherSinkPublishesRunsAndFailures(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "runs", "failures")
	require.NoError(t, err)

	id, events := runEvents()
	require.NoError(t, sink.Consume(context.Background(), events))

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "runs", msgs[0].Topic)
	require.Equal(t, "failures", msgs[1].Topic)
	failure, ok := msgs[1].Payload.(FailureNotification)
	require.True(t, ok)
	require.Equal(t, "single-post:b", failure.TargetKey)
	require.Equal(t, batch.ErrorKindNotFound, failure.ErrorKind)

	done, ok := msgs[2].Payload.(RunNotification)
	require.True(t, ok)
	require.Equal(t, id.String(), done.RunID)
	require.Equal(t, progress.StageRunDone, done.Stage)
	require.Equal(t, int64(3000), done.DurationMs)
	require.Equal(t, 1, done.Totals.Failed)
}

func TestPublisherSinkWithoutFailureTopic(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "runs", "")
	require.NoError(t, err)
	_, events := runEvents()
	require.NoError(t, sink.Consume(context.Background(), events))
	require.Len(t, pub.Messages(), 2)
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	sink, err := NewPublisherSink(pub, "runs", "failures")
	require.NoError(t, err)
	_, events := runEvents()
	err = sink.Consume(context.Background(), events)
	require.ErrorContains(t, err, "publish RUN_START")
	require.ErrorContains(t, err, "publish TARGET_FAILED")

	_, err = NewPublisherSink(nil, "runs", "")
	require.Error(t, err)
	_, err = NewPublisherSink(pub, "", "")
	require.Error(t, err)
}

func TestStatusSinkTracksLatestRun(t *testing.T) {
	t.Parallel()

	sink := NewStatusSink()
	require.Equal(t, StateIdle, sink.Status().State)

	id, events := runEvents()
	require.NoError(t, sink.Consume(context.Background(), events[:2]))
	st := sink.Status()
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, id.String(), st.RunID)
	require.Equal(t, 2, st.Total)
	require.Equal(t, 1, st.Totals.Succeeded)

	require.NoError(t, sink.Consume(context.Background(), events[2:]))
	st = sink.Status()
	require.Equal(t, StateDone, st.State)
	require.Equal(t, 1, st.Totals.Failed)
	require.Equal(t, events[3].TS, st.UpdatedAt)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{
		RunID: events[0].RunID, TS: time.Now(), Stage: progress.StageRunError, Note: "disk full",
	}}))
	require.Equal(t, StateErrored, sink.Status().State)
	require.Equal(t, "disk full", sink.Status().LastError)
}
