package main

import (
	"path/filepath"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/calib"
	"github.com/aneshas/gazepipe/calib/accuracy"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/detect"
	"github.com/aneshas/gazepipe/detect/worker"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/gaze/polynomial"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/aneshas/gazepipe/video/gst"
	"github.com/pkg/errors"
)

const (
	// offlineDir holds everything the pipeline writes into a recording
	offlineDir = "offline_data"

	sceneCamera   = "world"
	recordedPupil = "pupil"
)

func methods() *gaze.Registry {
	r := gaze.NewRegistry()

	polynomial.Register(r)

	return r
}

// sceneIntrinsics returns nil when the recording has no intrinsics for the
// configured resolution
func (a *app) sceneIntrinsics(rec string) *camera.Intrinsics {
	in, err := camera.Load(rec, sceneCamera, a.config.Resolution)
	if err != nil {
		a.logger.WithField("action", "intrinsics_missing").
			WithError(err).
			Warn("scene camera intrinsics unavailable")

		return nil
	}

	return in
}

func (a *app) detectPupils(rec string, concurrency int) (*detect.Batch, error) {
	if a.opts.SharedModules == "" {
		a.logger.WithField("action", "detect_setup").
			Warn("shared module location unknown, detector worker imports might fail")
	}

	sources, err := detect.SourcesIn(rec, a.config.Sources...)
	if err != nil {
		return nil, err
	}

	factory, err := worker.NewFactory(a.config.Detector, worker.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	o := detect.New(
		a.config,
		gst.Open,
		factory,
		detect.WithLogger(a.logger),
		detect.WithConcurrency(concurrency),
	)

	return o.ProcessAll(a.ctx, sources, a.sceneIntrinsics(rec))
}

// pupilLocation prefers offline detected pupil data over the pupil data
// recorded live
func (a *app) pupilLocation(rec string) (string, string) {
	offline := filepath.Join(rec, offlineDir)

	if pldata.Exists(offline, a.config.PupilStoreName) {
		return offline, a.config.PupilStoreName
	}

	return rec, recordedPupil
}

// notifyLocation prefers notifications written by an offline mapping over
// the ones recorded live
func notifyLocation(rec string) string {
	offline := filepath.Join(rec, offlineDir)

	if pldata.Exists(offline, calib.DefaultStoreName) {
		return offline
	}

	return rec
}

type mapInput struct {
	recording  string
	references string
	method     string
	pupilDir   string
	pupilName  string
}

func (a *app) mapGaze(in mapInput, obs gazepipe.Observer) (*gaze.Result, error) {
	if in.references == "" {
		return nil, errors.New("reference data location must be provided (--references or REF_DATA_LOCATION)")
	}

	refs, err := gaze.LoadReferences(in.references)
	if err != nil {
		return nil, err
	}

	pupil, err := gaze.LoadPupil(in.pupilDir, in.pupilName, pldata.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}

	m, err := methods().New(in.method, obs)
	if err != nil {
		return nil, err
	}

	p := gaze.New(
		a.config,
		m,
		gaze.WithLogger(a.logger),
		gaze.WithObserver(obs),
		gaze.WithStoreOptions(pldata.WithLogger(a.logger)),
	)

	return p.Run(a.ctx, filepath.Join(in.recording, offlineDir), gaze.Input{
		References: refs,
		Pupil:      pupil,
		Intrinsics: a.sceneIntrinsics(in.recording),
	})
}

func (a *app) evaluate(rec string, calibs []calib.Calibration, output string) ([]calib.Report, []calib.Failure, error) {
	all, err := camera.LoadAll(rec, sceneCamera)
	if err != nil {
		return nil, nil, err
	}

	intrinsics, err := accuracy.SelectIntrinsics(all)
	if err != nil {
		return nil, nil, err
	}

	ev := accuracy.New(a.config, methods(), intrinsics)

	reports, failures, err := calib.EvaluateAll(a.ctx, calibs, ev, a.logger)
	if err != nil {
		return nil, nil, err
	}

	a.logger.WithField("action", "accuracy_evaluated").
		WithField("recording", rec).
		WithField("evaluated", len(reports)).
		WithField("failed", len(failures)).
		Info("calibrations evaluated")

	if output != "" {
		if err := calib.WriteReports(output, reports); err != nil {
			return nil, nil, err
		}
	}

	return reports, failures, nil
}

func notifyStream(rec string) string {
	abs, err := filepath.Abs(rec)
	if err != nil {
		abs = rec
	}

	return "notify:" + abs
}
