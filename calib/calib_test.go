package calib_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/calib"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(ts float64) pldata.Sample {
	return pldata.Sample{
		Topic:     calib.TopicSetup,
		Timestamp: ts,
		Payload: pldata.MustSerialize(map[string]any{
			"subject":   gaze.SubjectCalibrationSetup,
			"timestamp": ts,
			"calib_data": map[string]any{
				"ref_list":   []gaze.Reference{{ScreenPos: []float64{0.5, 0.5}, Timestamp: ts}},
				"pupil_list": []pldata.Serialized{pldata.MustSerialize(map[string]any{"timestamp": ts})},
			},
		}),
	}
}

func result(ts float64) pldata.Sample {
	return pldata.Sample{
		Topic:     calib.TopicResult,
		Timestamp: ts,
		Payload: pldata.MustSerialize(map[string]any{
			"subject":          gaze.SubjectCalibrationResult,
			"gazer_class_name": "identity",
			"timestamp":        ts,
			"params":           map[string]any{"k": ts},
		}),
	}
}

func other(ts float64) pldata.Sample {
	return pldata.Sample{
		Topic:     "notify.recording.started",
		Timestamp: ts,
		Payload:   pldata.MustSerialize(map[string]any{"timestamp": ts}),
	}
}

func TestExtractPairsByPosition(t *testing.T) {
	log := []pldata.Sample{
		other(0), setup(1), other(1.5), result(2),
		setup(3), setup(4), other(4.5), result(5), result(6), other(7),
	}

	calibs, err := calib.Extract("rec", log)
	require.NoError(t, err)
	require.Len(t, calibs, 3)

	for i, want := range []struct{ setup, result float64 }{{1, 2}, {3, 5}, {4, 6}} {
		ts, err := calibs[i].Timestamp()
		require.NoError(t, err)
		assert.Equal(t, want.result, ts)

		refs, pupil, err := calibs[i].Data()
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, want.setup, refs[0].Timestamp)
		require.Len(t, pupil, 1)

		label, err := calibs[i].MethodLabel()
		require.NoError(t, err)
		assert.Equal(t, "identity", label)

		params, err := calibs[i].Params()
		require.NoError(t, err)

		k, err := params.Float("k")
		require.NoError(t, err)
		assert.Equal(t, want.result, k)

		assert.Equal(t, "rec", calibs[i].Recording)
	}
}

func TestExtractCountMismatch(t *testing.T) {
	_, err := calib.Extract("rec", []pldata.Sample{setup(1), result(2), setup(3), result(4), result(5)})

	var inconsistent *gazepipe.InconsistentCalibrationLogError

	require.True(t, errors.As(err, &inconsistent))
	assert.Equal(t, 2, inconsistent.Setups)
	assert.Equal(t, 3, inconsistent.Results)
	assert.Contains(t, err.Error(), "setups (2) vs results (3)")
}

func TestExtractFromStore(t *testing.T) {
	dir := t.TempDir()

	w, err := pldata.Create(dir, calib.DefaultStoreName, pldata.WithSync(false))
	require.NoError(t, err)

	for _, s := range []pldata.Sample{setup(1), other(2), result(3)} {
		require.NoError(t, w.AppendSample(s))
	}

	require.NoError(t, w.Close())

	calibs, err := calib.ExtractFromStore(dir, calib.DefaultStoreName)
	require.NoError(t, err)
	require.Len(t, calibs, 1)
	assert.Equal(t, dir, calibs[0].Recording)
}

type fixedEvaluator struct {
	failAt float64
}

func (e fixedEvaluator) Evaluate(_ context.Context, c calib.Calibration) (calib.Result, error) {
	ts, _ := c.Timestamp()
	if ts == e.failAt {
		return calib.Result{}, &gazepipe.CalibrationFitError{Method: "identity", Err: errors.New("boom")}
	}

	return calib.Result{
		Accuracy:  calib.Measure{Degrees: 1.5, NumUsed: 9, NumTotal: 10},
		Precision: calib.Measure{Degrees: 0.25, NumUsed: 8, NumTotal: 9},
	}, nil
}

func TestEvaluateAllContinuesPastFailures(t *testing.T) {
	calibs, err := calib.Extract("rec", []pldata.Sample{setup(1), result(2), setup(3), result(4)})
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()

	reports, failures, err := calib.EvaluateAll(context.Background(), calibs, fixedEvaluator{failAt: 2}, logger)
	require.NoError(t, err)

	require.Len(t, failures, 1)
	assert.Equal(t, 0, failures[0].Index)

	require.Len(t, reports, 1)
	assert.Equal(t, 4.0, reports[0].Timestamp)
	assert.Equal(t, 1.5, reports[0].Accuracy.Degrees)

	assert.Len(t, hook.AllEntries(), 2)
}

func TestWriteReports(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")

	require.NoError(t, calib.WriteReports(path, []calib.Report{{
		Recording: "rec",
		Timestamp: 4,
		Accuracy:  calib.Measure{Degrees: 1.5, NumUsed: 9, NumTotal: 10},
		Precision: calib.Measure{Degrees: 0.25, NumUsed: 8, NumTotal: 9},
	}}))

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(b, &got))

	require.Len(t, got, 1)
	assert.Equal(t, "rec", got[0]["recording"])
	assert.Equal(t, map[string]any{"degrees": 1.5, "num_used": 9.0, "num_total": 10.0}, got[0]["accuracy"])

	require.NoError(t, calib.WriteReports(path, nil))

	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(b))
}
