// Package run records processing runs of a recording as event sourced
// aggregates persisted in the journal.
package run

import (
	"context"
	"time"

	"github.com/aneshas/gazepipe/calib"
	"github.com/aneshas/gazepipe/detect"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/journal"
	"github.com/aneshas/gazepipe/journal/aggregate"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrRunFinished is returned when recording into a finished run
	ErrRunFinished = errors.New("run already finished")

	// ErrDetectionRecorded is returned when detection results of a run are
	// recorded twice
	ErrDetectionRecorded = errors.New("detection already recorded")
)

// ID identifies a run, it is also the name of the run's journal stream
type ID string

func (id ID) String() string { return string(id) }

// NewID returns a time ordered run id
func NewID() (ID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return ID("run-" + id.String()), nil
}

// Events returns a zero value of every run event, used to register them
// with an encoder
func Events() []any {
	return []any{
		RunStarted{},
		SourceDetected{},
		SourceFailed{},
		GazeMapped{},
		CalibrationsEvaluated{},
		RunFinished{},
	}
}

// RunStarted opens a run
type RunStarted struct {
	RunID     string    `msgpack:"run_id"`
	Recording string    `msgpack:"recording"`
	Sources   []string  `msgpack:"sources"`
	StartedOn time.Time `msgpack:"started_on"`
}

// SourceDetected records a source whose pupil detection completed
type SourceDetected struct {
	Source  string `msgpack:"source"`
	EyeID   int    `msgpack:"eye_id"`
	Samples int    `msgpack:"samples"`
}

// SourceFailed records a source that could not be processed
type SourceFailed struct {
	Source string `msgpack:"source"`
	EyeID  int    `msgpack:"eye_id"`
	Status string `msgpack:"status"`
	Reason string `msgpack:"reason"`
}

// GazeMapped records a finished gaze mapping
type GazeMapped struct {
	Method string  `msgpack:"method"`
	Pupil  int     `msgpack:"pupil"`
	Gaze   int     `msgpack:"gaze"`
	Start  float64 `msgpack:"start"`
	End    float64 `msgpack:"end"`
}

// CalibrationsEvaluated records an accuracy evaluation
type CalibrationsEvaluated struct {
	Evaluated int `msgpack:"evaluated"`
	Failed    int `msgpack:"failed"`
}

// RunFinished closes a run. Error is empty for a successful run.
type RunFinished struct {
	Error string `msgpack:"error"`
}

// Run is the history of one processing run
type Run struct {
	aggregate.Root[ID]

	Recording string
	Sources   []string
	StartedOn time.Time

	// detection status by source name
	statuses map[string]string

	detected bool
	Gaze     *GazeMapped
	Reports  int
	Failed   int
	Finished bool
	Error    string
}

// Start begins a new run of recording over sources
func Start(id ID, recording string, sources []string) *Run {
	var r Run

	r.Rehydrate(&r)

	r.Apply(RunStarted{
		RunID:     id.String(),
		Recording: recording,
		Sources:   sources,
		StartedOn: time.Now().UTC(),
	})

	return &r
}

// RecordDetection records the outcome of every source in batch
func (r *Run) RecordDetection(batch *detect.Batch) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	if r.detected {
		return ErrDetectionRecorded
	}

	for _, res := range batch.Results {
		if res.Err != nil {
			r.Apply(SourceFailed{
				Source: res.Source.Name,
				EyeID:  res.Source.ID,
				Status: res.Status(),
				Reason: res.Err.Error(),
			})

			continue
		}

		var n int
		for _, kind := range detect.Kinds {
			n += len(res.Streams[kind])
		}

		r.Apply(SourceDetected{
			Source:  res.Source.Name,
			EyeID:   res.Source.ID,
			Samples: n,
		})
	}

	return nil
}

// RecordGaze records the result of mapping gaze with method
func (r *Run) RecordGaze(method string, res gaze.Result) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	r.Apply(GazeMapped{
		Method: method,
		Pupil:  res.Pupil,
		Gaze:   res.Gaze,
		Start:  res.Start,
		End:    res.End,
	})

	return nil
}

// RecordEvaluation records how many calibrations were evaluated
func (r *Run) RecordEvaluation(reports []calib.Report, failures []calib.Failure) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	r.Apply(CalibrationsEvaluated{Evaluated: len(reports), Failed: len(failures)})

	return nil
}

// Finish closes the run, err is the error the run stopped with
func (r *Run) Finish(err error) error {
	if e := r.checkOpen(); e != nil {
		return e
	}

	var evt RunFinished
	if err != nil {
		evt.Error = err.Error()
	}

	r.Apply(evt)

	return nil
}

func (r *Run) checkOpen() error {
	if r.Finished {
		return errors.Wrap(ErrRunFinished, r.StringID())
	}

	return nil
}

// DetectionStatus returns the detection status of every source in the
// order the run was started with. Sources without a recorded outcome are
// reported as failed.
func (r *Run) DetectionStatus() []string {
	out := make([]string, len(r.Sources))

	for i, s := range r.Sources {
		status, ok := r.statuses[s]
		if !ok {
			status = pldata.StatusFailed
		}

		out[i] = status
	}

	return out
}

// Meta returns the store metadata describing the run's detection
func (r *Run) Meta() pldata.Meta {
	return pldata.Meta{DetectionStatus: r.DetectionStatus(), Version: pldata.MetaVersion}
}

// OnRunStarted handler
func (r *Run) OnRunStarted(e RunStarted) {
	r.ID = ID(e.RunID)
	r.Recording = e.Recording
	r.Sources = e.Sources
	r.StartedOn = e.StartedOn
	r.statuses = make(map[string]string, len(e.Sources))
}

// OnSourceDetected handler
func (r *Run) OnSourceDetected(e SourceDetected) {
	r.detected = true
	r.statuses[e.Source] = pldata.StatusComplete
}

// OnSourceFailed handler
func (r *Run) OnSourceFailed(e SourceFailed) {
	r.detected = true
	r.statuses[e.Source] = e.Status
}

// OnGazeMapped handler
func (r *Run) OnGazeMapped(e GazeMapped) {
	r.Gaze = &e
}

// OnCalibrationsEvaluated handler
func (r *Run) OnCalibrationsEvaluated(e CalibrationsEvaluated) {
	r.Reports += e.Evaluated
	r.Failed += e.Failed
}

// OnRunFinished handler
func (r *Run) OnRunFinished(e RunFinished) {
	r.Finished = true
	r.Error = e.Error
}

// Store persists runs in a journal
type Store struct {
	*aggregate.Store[*Run]
}

// NewStore creates a run store on top of es
func NewStore(es aggregate.EventStore) *Store {
	return &Store{Store: aggregate.NewStore[*Run](es)}
}

// Load reads the run id
func (s *Store) Load(ctx context.Context, id ID) (*Run, error) {
	var r Run

	if err := s.ByID(ctx, id.String(), &r); err != nil {
		return nil, err
	}

	return &r, nil
}

// Encoder returns a journal encoder knowing run events and notifications
func Encoder() *journal.MsgpackEncoder {
	return journal.NewMsgpackEncoder(append(Events(), journal.NotificationRecorded{})...)
}
