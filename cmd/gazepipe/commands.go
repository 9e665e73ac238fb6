package main

import (
	"path/filepath"
	"strings"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/calib"
	"github.com/aneshas/gazepipe/detect"
	"github.com/aneshas/gazepipe/journal"
	"github.com/aneshas/gazepipe/journal/run"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
)

type detectCommand struct {
	app *app

	recordingOptions
	Concurrency int `long:"concurrency" default:"1" description:"eye videos processed in parallel"`
}

func (c *detectCommand) Execute([]string) error {
	a := c.app

	rec, err := c.recording()
	if err != nil {
		return err
	}

	batch, err := a.detectPupils(rec, c.Concurrency)
	if err != nil {
		return err
	}

	n, err := detect.SaveOfflineData(filepath.Join(rec, offlineDir), a.config, batch, pldata.WithLogger(a.logger))
	if err != nil {
		return err
	}

	a.logger.WithField("action", "detect_saved").
		WithField("samples", n).
		WithField("detection_status", batch.Statuses()).
		Info("offline pupil data saved")

	return nil
}

type mappingOptions struct {
	References string `long:"references" env:"REF_DATA_LOCATION" description:"reference data file"`
	Method     string `long:"method" default:"2D Polynomial" description:"gaze mapping method label"`
}

type mapCommand struct {
	app *app

	recordingOptions
	mappingOptions
}

func (c *mapCommand) Execute([]string) error {
	a := c.app

	rec, err := c.recording()
	if err != nil {
		return err
	}

	var notes journal.MemoryLog

	obs := gazepipe.Observers{gazepipe.LogObserver(a.logger), &notes}

	j, err := a.openJournal()
	if err != nil {
		return err
	}

	var recorder *journal.Recorder

	if j != nil {
		defer j.Close()

		recorder, err = journal.NewRecorder(a.ctx, j, notifyStream(rec), a.logger)
		if err != nil {
			return err
		}

		obs = append(obs, recorder)
	}

	dir, name := a.pupilLocation(rec)

	res, err := a.mapGaze(mapInput{
		recording:  rec,
		references: c.References,
		method:     c.Method,
		pupilDir:   dir,
		pupilName:  name,
	}, obs)
	if err != nil {
		return err
	}

	a.logger.WithField("action", "map_finished").
		WithField("gaze", res.Gaze).
		WithField("start", res.Start).
		WithField("end", res.End).
		Info("gaze mapped")

	if recorder != nil && recorder.Err() != nil {
		return recorder.Err()
	}

	return saveNotifications(rec, &notes)
}

func saveNotifications(rec string, notes *journal.MemoryLog) error {
	if err := notes.Err(); err != nil {
		return err
	}

	return pldata.WriteAll(filepath.Join(rec, offlineDir), calib.DefaultStoreName, notes.Samples())
}

type accuracyCommand struct {
	app *app

	recordingOptions
	Output      string `short:"o" long:"output" description:"write the results as JSON to this file"`
	FromJournal string `long:"from-journal" description:"read calibrations from this journal stream instead of the notify store"`
}

func (c *accuracyCommand) Execute([]string) error {
	a := c.app

	rec, err := c.recording()
	if err != nil {
		return err
	}

	calibs, err := c.calibrations(rec)
	if err != nil {
		return err
	}

	_, _, err = a.evaluate(rec, calibs, c.Output)

	return err
}

func (c *accuracyCommand) calibrations(rec string) ([]calib.Calibration, error) {
	if c.FromJournal == "" {
		calibs, err := calib.ExtractFromStore(notifyLocation(rec), calib.DefaultStoreName, pldata.WithLogger(c.app.logger))
		for i := range calibs {
			calibs[i].Recording = rec
		}

		return calibs, err
	}

	j, err := c.app.openJournal()
	if err != nil {
		return nil, err
	}

	if j == nil {
		return nil, errors.New("--from-journal requires a journal (--journal or --journal-dsn)")
	}

	defer j.Close()

	samples, err := journal.ReadNotifications(c.app.ctx, j, c.FromJournal)
	if err != nil {
		return nil, err
	}

	return calib.Extract(rec, samples)
}

type runCommand struct {
	app *app

	recordingOptions
	mappingOptions
	SkipPupilDetection bool   `long:"skip_pupil_detection" description:"map the recorded pupil data instead of detecting pupils"`
	Output             string `short:"o" long:"output" description:"write the accuracy results as JSON to this file"`
	Concurrency        int    `long:"concurrency" default:"1" description:"eye videos processed in parallel"`
}

func (c *runCommand) Execute([]string) error {
	a := c.app

	rec, err := c.recording()
	if err != nil {
		return err
	}

	id, err := run.NewID()
	if err != nil {
		return err
	}

	j, err := a.openJournal()
	if err != nil {
		return err
	}

	var store *run.Store

	if j != nil {
		defer j.Close()

		store = run.NewStore(j)
	}

	r := run.Start(id, rec, a.config.Sources)

	save := func() error {
		if store == nil {
			return nil
		}

		return store.Save(a.ctx, r)
	}

	if err := save(); err != nil {
		return err
	}

	runErr := c.run(r, j, save)

	if err := r.Finish(runErr); err != nil {
		return err
	}

	if err := save(); err != nil && runErr == nil {
		runErr = err
	}

	a.logger.WithField("action", "run_finished").
		WithField("run", id).
		WithField("detection_status", r.DetectionStatus()).
		WithField("evaluated", r.Reports).
		WithField("failed", r.Failed).
		Info("run finished")

	return runErr
}

func (c *runCommand) run(r *run.Run, j *journal.Journal, save func() error) error {
	a := c.app
	rec := r.Recording

	dir, name := a.pupilLocation(rec)

	if !c.SkipPupilDetection {
		batch, err := a.detectPupils(rec, c.Concurrency)
		if err != nil {
			return err
		}

		if err := r.RecordDetection(batch); err != nil {
			return err
		}

		dir, name = filepath.Join(rec, offlineDir), a.config.PupilStoreName

		if _, err := detect.MergeToStore(dir, name, batch, pldata.WithLogger(a.logger)); err != nil {
			return err
		}

		if err := pldata.WriteMeta(dir, name, r.Meta()); err != nil {
			return err
		}

		if err := save(); err != nil {
			return err
		}
	}

	var notes journal.MemoryLog

	obs := gazepipe.Observers{gazepipe.LogObserver(a.logger), &notes}

	var recorder *journal.Recorder

	if j != nil {
		var err error

		recorder, err = journal.NewRecorder(a.ctx, j, r.StringID()+".notify", a.logger)
		if err != nil {
			return err
		}

		obs = append(obs, recorder)
	}

	res, err := a.mapGaze(mapInput{
		recording:  rec,
		references: c.References,
		method:     c.Method,
		pupilDir:   dir,
		pupilName:  name,
	}, obs)
	if err != nil {
		return err
	}

	if recorder != nil && recorder.Err() != nil {
		return recorder.Err()
	}

	if err := r.RecordGaze(c.Method, *res); err != nil {
		return err
	}

	if err := saveNotifications(rec, &notes); err != nil {
		return err
	}

	if err := save(); err != nil {
		return err
	}

	calibs, err := calib.Extract(rec, notes.Samples())
	if err != nil {
		return err
	}

	reports, failures, err := a.evaluate(rec, calibs, c.Output)
	if err != nil {
		return err
	}

	return r.RecordEvaluation(reports, failures)
}

type journalCommand struct {
	app *app

	Stream string `long:"stream" description:"journal stream to read"`
	Follow bool   `long:"follow" description:"log notifications as they are journaled"`
	Export string `long:"export" description:"export the stream's notifications into a notify store in this directory"`
}

func (c *journalCommand) Execute([]string) error {
	a := c.app

	j, err := a.openJournal()
	if err != nil {
		return err
	}

	if j == nil {
		return errors.New("no journal configured (--journal or --journal-dsn)")
	}

	defer j.Close()

	switch {
	case c.Follow:
		p := journal.NewProjector(j, a.logger)
		p.Add(journal.NotificationProjection(gazepipe.LogObserver(a.logger)))

		return p.Run(a.ctx)

	case c.Stream == "":
		return errors.New("--stream must be provided")

	case c.Export != "":
		n, err := journal.ExportNotifications(a.ctx, j, c.Stream, c.Export, calib.DefaultStoreName)
		if err != nil {
			return err
		}

		a.logger.WithField("action", "journal_exported").
			WithField("stream", c.Stream).
			WithField("notifications", n).
			Info("notifications exported")

		return nil

	case strings.HasPrefix(c.Stream, "run-") && !strings.HasSuffix(c.Stream, ".notify"):
		r, err := run.NewStore(j).Load(a.ctx, run.ID(c.Stream))
		if err != nil {
			return err
		}

		a.logger.WithField("action", "run_loaded").
			WithField("run", c.Stream).
			WithField("recording", r.Recording).
			WithField("started_on", r.StartedOn).
			WithField("detection_status", r.DetectionStatus()).
			WithField("finished", r.Finished).
			WithField("error", r.Error).
			Info("run")

		return nil

	default:
		entries, err := j.ReadStream(a.ctx, c.Stream)
		if err != nil {
			return err
		}

		for _, e := range entries {
			a.logger.WithField("action", "journal_entry").
				WithField("sequence", e.Sequence).
				WithField("version", e.StreamVersion).
				WithField("type", e.Type).
				WithField("occurred_on", e.OccurredOn).
				Info(e.Type)
		}

		return nil
	}
}
