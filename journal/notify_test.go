package journal_test

import (
	"context"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/journal"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notifications() []gazepipe.Notification {
	return []gazepipe.Notification{
		{Subject: "calibration.setup.v2", Timestamp: 1, Fields: map[string]any{"subject": "calibration.setup.v2", "timestamp": 1.0}},
		{Subject: "calibration.result.v2", Timestamp: 2, Fields: map[string]any{"gazer_class_name": "2D Polynomial", "timestamp": 2.0}},
	}
}

func record(t *testing.T, j *journal.Journal, stream string) {
	t.Helper()

	logger, _ := test.NewNullLogger()

	r, err := journal.NewRecorder(context.Background(), j, stream, logger)
	require.NoError(t, err)

	for _, n := range notifications() {
		r.Notify(n)
	}

	require.NoError(t, r.Err())
}

func TestRecorderJournalsNotifications(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	record(t, j, "rec")

	// a second recorder continues the stream
	record(t, j, "rec")

	samples, err := journal.ReadNotifications(ctx, j, "rec")
	require.NoError(t, err)
	require.Len(t, samples, 4)

	assert.Equal(t, "notify.calibration.setup.v2", samples[0].Topic)
	assert.Equal(t, 1.0, samples[0].Timestamp)
	assert.Equal(t, "notify.calibration.result.v2", samples[3].Topic)

	label, err := samples[1].Payload.String("gazer_class_name")
	require.NoError(t, err)
	assert.Equal(t, "2D Polynomial", label)
}

func TestRecorderKeepsFirstError(t *testing.T) {
	j := openJournal(t)

	logger, hook := test.NewNullLogger()

	r, err := journal.NewRecorder(context.Background(), j, "rec", logger)
	require.NoError(t, err)

	r.Notify(gazepipe.Notification{Subject: "bad", Fields: map[string]any{"ch": make(chan int)}})
	r.Notify(notifications()[0])

	assert.Error(t, r.Err())
	assert.Len(t, hook.AllEntries(), 1)

	_, err = j.ReadStream(context.Background(), "rec")
	assert.ErrorIs(t, err, journal.ErrStreamNotFound)
}

func TestSamplesSkipsOtherEntries(t *testing.T) {
	entries := []journal.StoredEntry{
		{Event: SomeEvent{UserID: "1"}},
		{Event: journal.NotificationRecorded{Subject: "x", Timestamp: 3, Fields: pldata.MustSerialize(map[string]any{})}},
	}

	samples := journal.Samples(entries)
	require.Len(t, samples, 1)
	assert.Equal(t, "notify.x", samples[0].Topic)
	assert.Equal(t, 3.0, samples[0].Timestamp)
}

func TestExportNotifications(t *testing.T) {
	j := openJournal(t)
	dir := t.TempDir()

	record(t, j, "rec")

	n, err := journal.ExportNotifications(context.Background(), j, "rec", dir, "notify", pldata.WithSync(false))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	store, err := pldata.Open(dir, "notify")
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 2}, store.Timestamps)
	assert.Equal(t, []string{"notify.calibration.setup.v2", "notify.calibration.result.v2"}, store.Topics)
}

func TestMemoryLog(t *testing.T) {
	var l journal.MemoryLog

	for _, n := range notifications() {
		l.Notify(n)
	}

	l.Notify(gazepipe.Notification{Subject: "bad", Fields: map[string]any{"ch": make(chan int)}})

	samples := l.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, "notify.calibration.result.v2", samples[1].Topic)
	assert.Equal(t, 2.0, samples[1].Timestamp)
	assert.Error(t, l.Err())
}
