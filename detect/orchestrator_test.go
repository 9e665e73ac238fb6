package detect_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/detect"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/aneshas/gazepipe/video"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder yields frames of a fixed size; the frame count is taken from
// the video file content length
type fakeDecoder struct {
	n, i int
}

func (d *fakeDecoder) Next(ctx context.Context) (detect.Image, error) {
	if d.i == d.n {
		return detect.Image{}, io.EOF
	}

	d.i++

	return detect.Image{Width: 4, Height: 2, Gray: make([]byte, 8), BGR: make([]byte, 24)}, nil
}

func (d *fakeDecoder) Frames() int  { return d.n }
func (d *fakeDecoder) Close() error { return nil }

func openFake(path string) (detect.Decoder, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return &fakeDecoder{n: len(b)}, nil
}

type fakeFactory struct {
	mu     sync.Mutex
	setups []detect.Setup
	closed int
}

func (f *fakeFactory) NewDetectors(_ context.Context, s detect.Setup) (detect.Detector2D, detect.Detector3D, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setups = append(f.setups, s)

	d := &fakeDetector{eye: s.EyeID, factory: f}

	return d, fake3D{d}, nil
}

type fakeDetector struct {
	eye     int
	factory *fakeFactory
}

func (d *fakeDetector) Detect(_ context.Context, fr *detect.Frame, roi detect.ROI) (pldata.Serialized, error) {
	return pldata.Serialize(map[string]any{
		"id":         d.eye,
		"timestamp":  fr.Timestamp,
		"confidence": 1.0,
		"method":     "2d c++",
		"roi":        []int{roi.X, roi.Y, roi.Width, roi.Height},
	})
}

func (d *fakeDetector) Close() error {
	d.factory.mu.Lock()
	defer d.factory.mu.Unlock()

	d.factory.closed++

	return nil
}

// fake3D runs the 3d stage on top of the 2d result it is handed
type fake3D struct{ *fakeDetector }

func (d fake3D) Detect(_ context.Context, fr *detect.Frame, prev []pldata.Serialized) (pldata.Serialized, error) {
	conf, err := prev[0].Float("confidence")
	if err != nil {
		return pldata.Serialized{}, err
	}

	return pldata.Serialize(map[string]any{
		"id":         d.eye,
		"timestamp":  fr.Timestamp,
		"confidence": conf,
		"method":     "3d c++",
	})
}

func writeSource(t *testing.T, dir, name string, frames int, start float64) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, frames), 0o644))

	ts := make([]float64, frames)
	for i := range ts {
		ts[i] = start + float64(i)*0.1
	}

	stem := name[:len(name)-len(filepath.Ext(name))]
	path := filepath.Join(dir, stem+detect.TimestampsSuffix)

	if frames == 0 {
		require.NoError(t, os.WriteFile(path, nil, 0o644))

		return
	}

	require.NoError(t, video.SaveTimestamps(path, ts))
}

func newOrchestrator(t *testing.T, f detect.Factory, opts ...detect.Option) *detect.Orchestrator {
	cfg, err := gazepipe.NewConfig(gazepipe.WithProgressEvery(2))
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()

	return detect.New(cfg, openFake, f, append([]detect.Option{detect.WithLogger(logger)}, opts...)...)
}

func TestProcessRunsBothDetectorsInFrameOrder(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "eye1.mp4", 5, 10)

	src, err := detect.SourceFromVideo(filepath.Join(dir, "eye1.mp4"))
	require.NoError(t, err)

	f := &fakeFactory{}

	streams, err := newOrchestrator(t, f).Process(context.Background(), src, nil)
	require.NoError(t, err)

	require.Len(t, streams[detect.Kind2D], 5)
	require.Len(t, streams[detect.Kind3D], 5)

	for i, d := range streams[detect.Kind3D] {
		ts, err := d.Timestamp()
		require.NoError(t, err)
		assert.InDelta(t, 10+float64(i)*0.1, ts, 1e-12)

		method, err := d.String("method")
		require.NoError(t, err)
		assert.Equal(t, "3d c++", method)
	}

	require.Len(t, f.setups, 1, "detectors are built once per source")
	assert.Equal(t, 1, f.setups[0].EyeID)
	assert.Equal(t, detect.FullFrame(4, 2), f.setups[0].ROI)
	assert.Equal(t, 2, f.closed)
}

func TestProcessEmptyVideo(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "eye0.mp4", 0, 0)

	src, err := detect.SourceFromVideo(filepath.Join(dir, "eye0.mp4"))
	require.NoError(t, err)

	f := &fakeFactory{}
	noTimestamps := detect.WithTimestampLoader(func(string) ([]float64, error) { return nil, nil })

	streams, err := newOrchestrator(t, f, noTimestamps).Process(context.Background(), src, nil)
	require.NoError(t, err)

	assert.NotNil(t, streams[detect.Kind2D])
	assert.NotNil(t, streams[detect.Kind3D])
	assert.Empty(t, streams[detect.Kind2D])
	assert.Empty(t, streams[detect.Kind3D])
	assert.Empty(t, f.setups)
}

func TestProcessMissingTimestampForFrame(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "eye0.mp4", 3, 0)
	require.NoError(t, video.SaveTimestamps(filepath.Join(dir, "eye0_timestamps.npy"), []float64{0, 1}))

	src, err := detect.SourceFromVideo(filepath.Join(dir, "eye0.mp4"))
	require.NoError(t, err)

	_, err = newOrchestrator(t, &fakeFactory{}).Process(context.Background(), src, nil)
	assert.Error(t, err)
}

func TestProcessAllContinuesPastMissingSource(t *testing.T) {
	for _, concurrency := range []int{1, 2} {
		dir := t.TempDir()
		writeSource(t, dir, "eye0.mp4", 4, 1)

		sources, err := detect.SourcesIn(dir, "eye0.mp4", "eye1.mp4")
		require.NoError(t, err)

		batch, err := newOrchestrator(t, &fakeFactory{}, detect.WithConcurrency(concurrency)).
			ProcessAll(context.Background(), sources, nil)
		require.NoError(t, err)

		require.Len(t, batch.Results, 2)
		assert.NoError(t, batch.Results[0].Err)
		assert.Len(t, batch.Results[0].Streams[detect.Kind2D], 4)

		failed := batch.Failed()
		require.Len(t, failed, 1)

		var notFound *gazepipe.SourceNotFoundError

		require.True(t, errors.As(failed[0].Err, &notFound))
		assert.Equal(t, "eye1.mp4", notFound.Source)

		assert.Equal(t, []string{pldata.StatusComplete, pldata.StatusNotFound}, batch.Statuses())
	}
}

func TestSaveOfflineData(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "eye0.mp4", 3, 1)
	writeSource(t, dir, "eye1.mp4", 2, 1.05)

	sources, err := detect.SourcesIn(dir, "eye0.mp4", "eye1.mp4")
	require.NoError(t, err)

	o := newOrchestrator(t, &fakeFactory{})

	batch, err := o.ProcessAll(context.Background(), sources, nil)
	require.NoError(t, err)

	out := filepath.Join(dir, "offline_data")

	n, err := detect.SaveOfflineData(out, gazepipe.DefaultConfig(), batch, pldata.WithSync(false))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	store, err := pldata.Open(out, gazepipe.DefaultPupilStoreName)
	require.NoError(t, err)
	require.Equal(t, 10, store.Len())

	assert.True(t, sort.Float64sAreSorted(store.Timestamps))
	assert.InDeltaSlice(t, []float64{1, 1, 1.05, 1.05, 1.1, 1.1, 1.15, 1.15, 1.2, 1.2}, store.Timestamps, 1e-9)

	// equal timestamps keep source then kind order
	assert.Equal(t, []string{"pupil.0.2d", "pupil.0.3d", "pupil.1.2d", "pupil.1.3d"}, store.Topics[:4])

	_, err = store.Bisector()
	require.NoError(t, err)

	counts := map[string]int{}

	for _, s := range store.All() {
		counts[s.Topic]++

		ts, err := s.Payload.Timestamp()
		require.NoError(t, err)
		assert.Equal(t, ts, s.Timestamp)
	}

	assert.Equal(t, map[string]int{
		"pupil.0.2d": 3,
		"pupil.0.3d": 3,
		"pupil.1.2d": 2,
		"pupil.1.3d": 2,
	}, counts)

	meta, err := pldata.ReadMeta(out, gazepipe.DefaultPupilStoreName)
	require.NoError(t, err)
	assert.Equal(t, []string{"complete", "complete"}, meta.DetectionStatus)
	assert.Equal(t, 4, meta.Version)
}

func TestSourceFromVideo(t *testing.T) {
	src, err := detect.SourceFromVideo("/rec/eye1.mp4")
	require.NoError(t, err)

	assert.Equal(t, 1, src.ID)
	assert.Equal(t, "eye1.mp4", src.Name)
	assert.Equal(t, "/rec/eye1_timestamps.npy", src.Timestamps)

	_, err = detect.SourceFromVideo("/rec/world.mp4")
	assert.Error(t, err)

	assert.Equal(t, "pupil.1.3d", detect.Topic(1, detect.Kind3D))
}

func TestProcessReportsProgress(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "eye0.mp4", 5, 0)

	src, err := detect.SourceFromVideo(filepath.Join(dir, "eye0.mp4"))
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()

	_, err = newOrchestrator(t, &fakeFactory{}, detect.WithLogger(logger)).Process(context.Background(), src, nil)
	require.NoError(t, err)

	var frames []any

	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "detect_progress" {
			frames = append(frames, e.Data["frame"])
		}
	}

	assert.Equal(t, []any{2, 4}, frames)
}

func TestProcessWithZeroProgressInterval(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, dir, "eye0.mp4", 3, 0)

	src, err := detect.SourceFromVideo(filepath.Join(dir, "eye0.mp4"))
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()

	o := detect.New(gazepipe.Config{}, openFake, &fakeFactory{}, detect.WithLogger(logger))

	streams, err := o.Process(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Len(t, streams[detect.Kind2D], 3)
}

func TestProcessWarnsOnBackwardTimestamps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eye0.mp4"), make([]byte, 3), 0o644))
	require.NoError(t, video.SaveTimestamps(filepath.Join(dir, "eye0_timestamps.npy"), []float64{1, 0.5, 2}))

	src, err := detect.SourceFromVideo(filepath.Join(dir, "eye0.mp4"))
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()

	streams, err := newOrchestrator(t, &fakeFactory{}, detect.WithLogger(logger)).Process(context.Background(), src, nil)
	require.NoError(t, err)
	assert.Len(t, streams[detect.Kind2D], 3)

	var warned bool

	for _, e := range hook.AllEntries() {
		if e.Data["action"] == "detect_timestamps" {
			warned = true
		}
	}

	assert.True(t, warned)
}

func TestImageFromBGR(t *testing.T) {
	// 2x2 frame, rows padded to 8 bytes
	data := []byte{
		10, 20, 30, 11, 21, 31, 0, 0,
		12, 22, 32, 13, 23, 33, 0, 0,
	}

	img, err := detect.ImageFromBGR(data, 2, 2)
	require.NoError(t, err)

	assert.Equal(t, []byte{10, 11, 12, 13}, img.Gray)
	assert.Equal(t, []byte{10, 20, 30, 11, 21, 31, 12, 22, 32, 13, 23, 33}, img.BGR)

	_, err = detect.ImageFromBGR(data[:10], 2, 2)
	assert.Error(t, err)
}
