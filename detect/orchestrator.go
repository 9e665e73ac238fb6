package detect

import (
	"cmp"
	"context"
	"io"
	"os"
	"slices"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/aneshas/gazepipe/video"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Cfg represents orchestrator configuration (configure using Option)
type Cfg struct {
	Logger         logrus.FieldLogger
	Concurrency    int
	LoadTimestamps func(path string) ([]float64, error)
}

// Option represents orchestrator configuration option
type Option func(Cfg) Cfg

// WithLogger sets the orchestrator logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// WithConcurrency sets how many sources are processed at once (default 1)
func WithConcurrency(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.Concurrency = n

		return cfg
	}
}

// WithTimestampLoader replaces the .npy timestamp table reader
func WithTimestampLoader(fn func(path string) ([]float64, error)) Option {
	return func(cfg Cfg) Cfg {
		cfg.LoadTimestamps = fn

		return cfg
	}
}

// Orchestrator runs detectors over eye videos
type Orchestrator struct {
	config  gazepipe.Config
	open    Opener
	factory Factory
	cfg     Cfg
}

// New creates an orchestrator decoding videos with open and detecting with
// detectors built by factory
func New(config gazepipe.Config, open Opener, factory Factory, opts ...Option) *Orchestrator {
	cfg := Cfg{
		Logger:         logrus.StandardLogger(),
		Concurrency:    1,
		LoadTimestamps: video.LoadTimestamps,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	if config.ProgressEvery < 1 {
		config.ProgressEvery = gazepipe.DefaultProgressEvery
	}

	return &Orchestrator{config: config, open: open, factory: factory, cfg: cfg}
}

// Process runs both detectors over every frame of src in file order.
// A missing video or timestamp table is reported as
// *gazepipe.SourceNotFoundError. A video without frames yields empty
// streams.
func (o *Orchestrator) Process(ctx context.Context, src Source, intrinsics *camera.Intrinsics) (Streams, error) {
	logger := o.cfg.Logger.WithField("source", src.Name)

	for _, path := range []string{src.Video, src.Timestamps} {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, &gazepipe.SourceNotFoundError{Source: src.Name, Path: path}
			}

			return nil, errors.Wrapf(err, "stat %s", path)
		}
	}

	timestamps, err := o.cfg.LoadTimestamps(src.Timestamps)
	if err != nil {
		return nil, errors.Wrapf(err, "load timestamps of %s", src.Name)
	}

	if !video.Sorted(timestamps) {
		logger.WithField("action", "detect_timestamps").
			WithField("path", src.Timestamps).
			Warn("frame timestamps go backwards")
	}

	dec, err := o.open(src.Video)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", src.Video)
	}

	defer dec.Close()

	var (
		streams = newStreams()
		d2      Detector2D
		d3      Detector3D
		roi     ROI
		total   = dec.Frames()
	)

	defer func() {
		closeDetector(logger, d2)
		closeDetector(logger, d3)
	}()

	for i := 0; ; i++ {
		img, err := dec.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, errors.Wrapf(err, "decode frame %d of %s", i, src.Name)
		}

		if i >= len(timestamps) {
			return nil, errors.Errorf("%s: no timestamp for frame %d (%d timestamps)", src.Name, i, len(timestamps))
		}

		frame := &Frame{Image: img, Index: i, Timestamp: timestamps[i]}

		if d2 == nil {
			roi = FullFrame(img.Width, img.Height)

			d2, d3, err = o.factory.NewDetectors(ctx, Setup{
				EyeID:      src.ID,
				Width:      img.Width,
				Height:     img.Height,
				ROI:        roi,
				Config:     o.config,
				Intrinsics: intrinsics,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "create detectors for %s", src.Name)
			}
		}

		datum2d, err := d2.Detect(ctx, frame, roi)
		if err != nil {
			return nil, errors.Wrapf(err, "2d detection on frame %d of %s", i, src.Name)
		}

		datum3d, err := d3.Detect(ctx, frame, []pldata.Serialized{datum2d})
		if err != nil {
			return nil, errors.Wrapf(err, "3d detection on frame %d of %s", i, src.Name)
		}

		streams[Kind2D] = append(streams[Kind2D], datum2d)
		streams[Kind3D] = append(streams[Kind3D], datum3d)

		if n := i + 1; n%o.config.ProgressEvery == 0 {
			logger.WithField("action", "detect_progress").
				WithField("frame", n).
				WithField("total", total).
				Info("detecting pupils")
		}
	}

	logger.WithField("action", "detect_complete").
		WithField("frames", len(streams[Kind2D])).
		Info("completed detection of source")

	return streams, nil
}

// Result is the outcome of processing one source
type Result struct {
	Source  Source
	Streams Streams
	Err     error
}

// Status returns the detection status recorded in the store metadata
func (r Result) Status() string {
	var notFound *gazepipe.SourceNotFoundError

	switch {
	case r.Err == nil:
		return pldata.StatusComplete
	case errors.As(r.Err, &notFound):
		return pldata.StatusNotFound
	default:
		return pldata.StatusFailed
	}
}

// Batch holds the results of ProcessAll in source order
type Batch struct {
	Results []Result
}

// Failed returns the results whose source could not be processed
func (b *Batch) Failed() []Result {
	var out []Result

	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}

	return out
}

// Statuses returns the detection status of every source in order
func (b *Batch) Statuses() []string {
	out := make([]string, len(b.Results))

	for i, r := range b.Results {
		out[i] = r.Status()
	}

	return out
}

// ProcessAll processes every source. A source that fails is reported in its
// Result and does not stop the others; only a canceled context aborts the
// batch.
func (o *Orchestrator) ProcessAll(ctx context.Context, sources []Source, intrinsics *camera.Intrinsics) (*Batch, error) {
	batch := &Batch{Results: make([]Result, len(sources))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for i, src := range sources {
		g.Go(func() error {
			streams, err := o.Process(gctx, src, intrinsics)

			batch.Results[i] = Result{Source: src, Streams: streams, Err: err}

			if err != nil {
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}

				o.cfg.Logger.WithField("action", "detect_failed").
					WithField("source", src.Name).
					WithError(err).
					Error("source skipped")
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batch, err
	}

	return batch, nil
}

// MergeToStore appends every datum of the successfully processed sources to
// the store name in dir under pupil.<eye>.<kind>, keyed by the datum's own
// timestamp. Samples are written in timestamp order; equal timestamps keep
// source, then kind, then frame order. It returns the number of samples
// written.
func MergeToStore(dir, name string, batch *Batch, opts ...pldata.Option) (int, error) {
	samples, err := collect(batch)
	if err != nil {
		return 0, err
	}

	w, err := pldata.Create(dir, name, opts...)
	if err != nil {
		return 0, err
	}

	var n int

	for _, s := range samples {
		if err = w.AppendSample(s); err != nil {
			break
		}

		n++
	}

	if cerr := w.Close(); err == nil {
		err = cerr
	}

	return n, err
}

func collect(batch *Batch) ([]pldata.Sample, error) {
	var samples []pldata.Sample

	for _, r := range batch.Results {
		if r.Err != nil {
			continue
		}

		for _, kind := range Kinds {
			topic := Topic(r.Source.ID, kind)

			for i, datum := range r.Streams[kind] {
				ts, err := datum.Timestamp()
				if err != nil {
					return nil, errors.Wrapf(err, "%s datum %d", topic, i)
				}

				samples = append(samples, pldata.Sample{Topic: topic, Timestamp: ts, Payload: datum})
			}
		}
	}

	slices.SortStableFunc(samples, func(a, b pldata.Sample) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	return samples, nil
}

// SaveOfflineData merges batch into config.PupilStoreName inside dir and
// writes the store metadata with the detection status of every source
func SaveOfflineData(dir string, config gazepipe.Config, batch *Batch, opts ...pldata.Option) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.Wrap(err, "create offline data directory")
	}

	n, err := MergeToStore(dir, config.PupilStoreName, batch, opts...)
	if err != nil {
		return n, err
	}

	meta := pldata.Meta{DetectionStatus: batch.Statuses()}

	return n, pldata.WriteMeta(dir, config.PupilStoreName, meta)
}

func closeDetector(logger logrus.FieldLogger, d any) {
	c, ok := d.(io.Closer)
	if !ok {
		return
	}

	if err := c.Close(); err != nil {
		logger.WithField("action", "detector_close").WithError(err).Warn("closing detector failed")
	}
}
