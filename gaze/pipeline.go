// Package gaze maps pupil detections onto the scene camera with a fitted
// calibration model and persists the resulting gaze stream.
package gaze

import (
	"context"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Notification subjects emitted around a fit
const (
	SubjectCalibrationSetup  = "calibration.setup.v2"
	SubjectCalibrationResult = "calibration.result.v2"
	SubjectCalibrationFailed = "calibration.failed"
)

// Cfg represents pipeline configuration (configure using Option)
type Cfg struct {
	Logger   logrus.FieldLogger
	Observer gazepipe.Observer

	// OnProgress is called in addition to logging whenever the integer
	// percentage of mapped pupil data changes
	OnProgress func(percent int, progress float64)

	StoreOptions []pldata.Option
}

// Option represents pipeline configuration option
type Option func(Cfg) Cfg

// WithLogger sets the pipeline logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// WithObserver sets the observer calibration notifications are sent to
func WithObserver(o gazepipe.Observer) Option {
	return func(cfg Cfg) Cfg {
		cfg.Observer = o

		return cfg
	}
}

// WithProgress sets a progress callback
func WithProgress(fn func(percent int, progress float64)) Option {
	return func(cfg Cfg) Cfg {
		cfg.OnProgress = fn

		return cfg
	}
}

// WithStoreOptions sets options passed to the gaze store writer
func WithStoreOptions(opts ...pldata.Option) Option {
	return func(cfg Cfg) Cfg {
		cfg.StoreOptions = opts

		return cfg
	}
}

// Input of a mapping run. Pupil must be ordered by timestamp (see LoadPupil).
type Input struct {
	References []Reference
	Pupil      []pldata.Sample
	Intrinsics *camera.Intrinsics
}

// Result summarizes a mapping run
type Result struct {
	Pupil int
	Gaze  int

	// Start and End pad the persisted gaze stream by one second on each
	// side. Both are zero when nothing was mapped.
	Start, End float64
}

// Pipeline fits a calibration method and applies it to a pupil stream
type Pipeline struct {
	config gazepipe.Config
	method Method
	cfg    Cfg
}

// New creates a pipeline using method
func New(config gazepipe.Config, method Method, opts ...Option) *Pipeline {
	cfg := Cfg{
		Logger:   logrus.StandardLogger(),
		Observer: gazepipe.NopObserver,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return &Pipeline{config: config, method: method, cfg: cfg}
}

// Run fits the method, maps every pupil datum and writes the gaze stream to
// the store named config.GazeStoreName inside dir
func (p *Pipeline) Run(ctx context.Context, dir string, in Input) (*Result, error) {
	if len(in.Pupil) == 0 {
		return nil, &gazepipe.EmptyStreamError{Stream: "pupil"}
	}

	mapper, err := p.Fit(ctx, in)
	if err != nil {
		return nil, err
	}

	w, err := pldata.Create(dir, p.config.GazeStoreName, p.cfg.StoreOptions...)
	if err != nil {
		return nil, err
	}

	n, err := p.Apply(ctx, mapper, in.Pupil, w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return nil, err
	}

	res := &Result{Pupil: len(in.Pupil), Gaze: n}

	store, err := pldata.Open(dir, p.config.GazeStoreName, p.cfg.StoreOptions...)
	if err != nil {
		return nil, err
	}

	b, err := store.Bisector()
	if err != nil {
		return nil, errors.Wrap(err, "gaze store")
	}

	res.Start, res.End, _ = b.ExportWindow()

	p.cfg.Logger.WithField("action", "gaze_mapped").
		WithField("pupil", res.Pupil).
		WithField("gaze", res.Gaze).
		WithField("store", store.Path()).
		Info("gaze mapping finished")

	return res, nil
}

// Fit announces the calibration setup, fits the method and announces the
// result. Any fit failure is returned as *gazepipe.CalibrationFitError.
func (p *Pipeline) Fit(ctx context.Context, in Input) (Mapper, error) {
	label := p.method.Label()
	pupil := payloads(in.Pupil)
	ts := calibrationTimestamp(in)

	p.cfg.Observer.Notify(gazepipe.Notification{
		Subject:   SubjectCalibrationSetup,
		Timestamp: ts,
		Fields: map[string]any{
			"subject":          SubjectCalibrationSetup,
			"gazer_class_name": label,
			"timestamp":        ts,
			"record":           true,
			"calib_data": map[string]any{
				"ref_list":   in.References,
				"pupil_list": pupil,
			},
		},
	})

	mapper, err := p.method.Fit(ctx, FitInput{
		Config:     p.config,
		References: in.References,
		Pupil:      pupil,
		Intrinsics: in.Intrinsics,
	})
	if err != nil {
		p.cfg.Observer.Notify(gazepipe.Notification{
			Subject:   SubjectCalibrationFailed,
			Timestamp: ts,
			Fields: map[string]any{
				"subject":          SubjectCalibrationFailed,
				"gazer_class_name": label,
				"reason":           err.Error(),
			},
		})

		return nil, &gazepipe.CalibrationFitError{Method: label, Err: err}
	}

	fields := map[string]any{
		"subject":          SubjectCalibrationResult,
		"gazer_class_name": label,
		"timestamp":        ts,
		"record":           true,
	}

	if pm, ok := mapper.(Parametrized); ok {
		params, err := pm.Params()
		if err != nil {
			return nil, &gazepipe.CalibrationFitError{Method: label, Err: errors.Wrap(err, "export params")}
		}

		fields["params"] = params
	}

	p.cfg.Observer.Notify(gazepipe.Notification{
		Subject:   SubjectCalibrationResult,
		Timestamp: ts,
		Fields:    fields,
	})

	return mapper, nil
}

// Apply maps pupil in order and appends every gaze payload to w under
// Topic. Appended timestamps never decrease (see Monotonic). It returns the
// number of gaze samples written.
func (p *Pipeline) Apply(ctx context.Context, mapper Mapper, pupil []pldata.Sample, w *pldata.Writer) (int, error) {
	if len(pupil) == 0 {
		return 0, &gazepipe.EmptyStreamError{Stream: "pupil"}
	}

	logger := p.cfg.Logger.WithField("action", "gaze_progress")

	progress := NewProgressReporter(pupil[0].Timestamp, pupil[len(pupil)-1].Timestamp, func(pct int, v float64) {
		logger.WithField("percent", pct).Debug("mapping pupil data")

		if p.cfg.OnProgress != nil {
			p.cfg.OnProgress(pct, v)
		}
	})

	var (
		mono Monotonic
		n    int
	)

	for i, s := range pupil {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		out, err := mapper.Map(s.Payload)
		if err != nil {
			return n, errors.Wrapf(err, "map pupil datum %d", i)
		}

		for _, g := range out {
			ts, err := g.Timestamp()
			if err != nil {
				return n, errors.Wrapf(err, "gaze datum for pupil datum %d", i)
			}

			if err := w.Append(mono.Next(ts), Topic, g); err != nil {
				return n, err
			}

			n++
		}

		progress.Update(s.Timestamp)
	}

	return n, nil
}

func calibrationTimestamp(in Input) float64 {
	if len(in.References) > 0 {
		return in.References[len(in.References)-1].Timestamp
	}

	if len(in.Pupil) > 0 {
		return in.Pupil[len(in.Pupil)-1].Timestamp
	}

	return 0
}
