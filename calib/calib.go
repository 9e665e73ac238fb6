// Package calib extracts recorded calibrations from a notification log and
// evaluates them.
package calib

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Notification topics of calibration setups and results
const (
	TopicSetup  = "notify." + gaze.SubjectCalibrationSetup
	TopicResult = "notify." + gaze.SubjectCalibrationResult
)

// DefaultStoreName is the notification store of a recording
const DefaultStoreName = "notify"

// Calibration is a setup notification paired with its result
type Calibration struct {
	Recording string
	Setup     pldata.Serialized
	Result    pldata.Serialized
}

type setupDoc struct {
	CalibData struct {
		RefList   []gaze.Reference    `msgpack:"ref_list"`
		PupilList []pldata.Serialized `msgpack:"pupil_list"`
	} `msgpack:"calib_data"`
}

type resultDoc struct {
	GazerClassName string            `msgpack:"gazer_class_name"`
	Timestamp      float64           `msgpack:"timestamp"`
	Params         pldata.Serialized `msgpack:"params"`
}

// Timestamp returns the time the calibration result was recorded
func (c Calibration) Timestamp() (float64, error) {
	return c.Result.Timestamp()
}

// MethodLabel returns the label of the method that produced the result
func (c Calibration) MethodLabel() (string, error) {
	return c.Result.String("gazer_class_name")
}

// Params returns the fitted parameters stored in the result
func (c Calibration) Params() (pldata.Serialized, error) {
	var doc resultDoc

	if err := c.Result.Decode(&doc); err != nil {
		return pldata.Serialized{}, err
	}

	if doc.Params.IsZero() {
		return pldata.Serialized{}, errors.Wrap(pldata.ErrFieldNotFound, "params")
	}

	return doc.Params, nil
}

// Data returns the references and pupil data the calibration was fitted on
func (c Calibration) Data() ([]gaze.Reference, []pldata.Serialized, error) {
	var doc setupDoc

	if err := c.Setup.Decode(&doc); err != nil {
		return nil, nil, err
	}

	return doc.CalibData.RefList, doc.CalibData.PupilList, nil
}

// Extract pairs setup and result notifications by position, keeping their
// relative order. Unrelated topics are ignored. Differing counts fail with
// *gazepipe.InconsistentCalibrationLogError.
func Extract(recording string, log []pldata.Sample) ([]Calibration, error) {
	var setups, results []pldata.Serialized

	for _, s := range log {
		switch s.Topic {
		case TopicSetup:
			setups = append(setups, s.Payload)
		case TopicResult:
			results = append(results, s.Payload)
		}
	}

	if len(setups) != len(results) {
		return nil, &gazepipe.InconsistentCalibrationLogError{
			Setups:  len(setups),
			Results: len(results),
		}
	}

	out := make([]Calibration, len(setups))

	for i := range setups {
		out[i] = Calibration{Recording: recording, Setup: setups[i], Result: results[i]}
	}

	return out, nil
}

// ExtractFromStore reads the notification store name inside recording and
// extracts its calibrations
func ExtractFromStore(recording, name string, opts ...pldata.Option) ([]Calibration, error) {
	store, err := pldata.Open(recording, name, opts...)
	if err != nil {
		return nil, err
	}

	samples := make([]pldata.Sample, 0, store.Len())

	for _, s := range store.All() {
		samples = append(samples, s)
	}

	return Extract(recording, samples)
}

// Measure is an angular statistic and how many samples contributed
type Measure struct {
	Degrees  float64 `json:"degrees"`
	NumUsed  int     `json:"num_used"`
	NumTotal int     `json:"num_total"`
}

// Result of evaluating one calibration
type Result struct {
	Accuracy  Measure
	Precision Measure
}

// Evaluator computes accuracy and precision of a calibration
type Evaluator interface {
	Evaluate(ctx context.Context, c Calibration) (Result, error)
}

// Report is the exported evaluation of one calibration
type Report struct {
	Recording string  `json:"recording"`
	Timestamp float64 `json:"timestamp"`
	Accuracy  Measure `json:"accuracy"`
	Precision Measure `json:"precision"`
}

// Failure is a calibration that could not be evaluated
type Failure struct {
	Index int
	Err   error
}

// EvaluateAll evaluates every calibration in order. A calibration that
// fails is logged and reported without stopping the others.
func EvaluateAll(ctx context.Context, calibs []Calibration, ev Evaluator, logger logrus.FieldLogger) ([]Report, []Failure, error) {
	var (
		reports  []Report
		failures []Failure
	)

	for i, c := range calibs {
		if err := ctx.Err(); err != nil {
			return reports, failures, err
		}

		report, err := evaluate(ctx, c, ev)
		if err != nil {
			logger.WithField("action", "calibration_failed").
				WithField("calibration", i).
				WithError(err).
				Error("calibration skipped")

			failures = append(failures, Failure{Index: i, Err: err})

			continue
		}

		logger.WithField("action", "calibration_evaluated").
			WithField("calibration", i).
			WithField("timestamp", report.Timestamp).
			WithField("accuracy", report.Accuracy.Degrees).
			WithField("precision", report.Precision.Degrees).
			Infof(
				"accuracy %.3f deg (%d/%d), precision %.3f deg (%d/%d)",
				report.Accuracy.Degrees, report.Accuracy.NumUsed, report.Accuracy.NumTotal,
				report.Precision.Degrees, report.Precision.NumUsed, report.Precision.NumTotal,
			)

		reports = append(reports, report)
	}

	return reports, failures, nil
}

func evaluate(ctx context.Context, c Calibration, ev Evaluator) (Report, error) {
	ts, err := c.Timestamp()
	if err != nil {
		return Report{}, errors.Wrap(err, "calibration timestamp")
	}

	res, err := ev.Evaluate(ctx, c)
	if err != nil {
		return Report{}, err
	}

	return Report{
		Recording: c.Recording,
		Timestamp: ts,
		Accuracy:  res.Accuracy,
		Precision: res.Precision,
	}, nil
}

// WriteReports writes reports as an indented JSON array to path
func WriteReports(path string, reports []Report) error {
	if reports == nil {
		reports = []Report{}
	}

	b, err := json.MarshalIndent(reports, "", "    ")
	if err != nil {
		return errors.Wrap(err, "encode reports")
	}

	return errors.Wrap(os.WriteFile(path, b, 0o644), "write reports")
}
