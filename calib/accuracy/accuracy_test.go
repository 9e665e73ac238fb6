package accuracy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/calib"
	"github.com/aneshas/gazepipe/calib/accuracy"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/gaze/polynomial"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intrinsics() *camera.Intrinsics {
	return &camera.Intrinsics{
		Resolution: gazepipe.DefaultResolution,
		CameraMatrix: [3][3]float64{
			{500, 0, 320},
			{0, 500, 240},
			{0, 0, 1},
		},
	}
}

type identity struct{}

func (identity) Label() string { return "identity" }

func (identity) Fit(context.Context, gaze.FitInput) (gaze.Mapper, error) { return identityMapper{}, nil }

func (identity) FromParams(pldata.Serialized, *camera.Intrinsics) (gaze.Mapper, error) {
	return identityMapper{}, nil
}

type identityMapper struct{}

func (identityMapper) Params() (pldata.Serialized, error) {
	return pldata.Serialize(map[string]any{})
}

func (identityMapper) Map(p pldata.Serialized) ([]pldata.Serialized, error) {
	pos, err := p.Floats("norm_pos")
	if err != nil {
		return nil, err
	}

	ts, err := p.Timestamp()
	if err != nil {
		return nil, err
	}

	g, err := gaze.Datum{NormPos: pos, Timestamp: ts, Confidence: 1}.Serialize()
	if err != nil {
		return nil, err
	}

	return []pldata.Serialized{g}, nil
}

func registry() *gaze.Registry {
	r := gaze.NewRegistry()
	r.Register("identity", func(gazepipe.Observer) gaze.Method { return identity{} })
	polynomial.Register(r)

	return r
}

func pupil(ts, x, y float64) pldata.Serialized {
	return pldata.MustSerialize(map[string]any{
		"timestamp":  ts,
		"confidence": 1.0,
		"norm_pos":   []float64{x, y},
	})
}

// record fits method through the mapping pipeline and turns the emitted
// notifications into a calibration
func record(t *testing.T, m gaze.Method, refs []gaze.Reference, pupilData []pldata.Serialized) calib.Calibration {
	var log []pldata.Sample

	obs := gazepipe.ObserverFunc(func(n gazepipe.Notification) {
		log = append(log, pldata.Sample{
			Topic:     "notify." + n.Subject,
			Timestamp: n.Timestamp,
			Payload:   pldata.MustSerialize(n.Fields),
		})
	})

	cfg := gazepipe.DefaultConfig()

	samples := make([]pldata.Sample, len(pupilData))
	for i, p := range pupilData {
		ts, err := p.Timestamp()
		require.NoError(t, err)

		samples[i] = pldata.Sample{Topic: "pupil.0.2d", Timestamp: ts, Payload: p}
	}

	_, err := gaze.New(cfg, m, gaze.WithObserver(obs)).Fit(context.Background(), gaze.Input{
		References: refs,
		Pupil:      samples,
		Intrinsics: intrinsics(),
	})
	require.NoError(t, err)

	calibs, err := calib.Extract("rec", log)
	require.NoError(t, err)
	require.Len(t, calibs, 1)

	return calibs[0]
}

func TestEvaluateExcludesOutliers(t *testing.T) {
	c := record(t, identity{},
		[]gaze.Reference{
			{ScreenPos: []float64{0.5, 0.5}, Timestamp: 0},
			{ScreenPos: []float64{0.25, 0.25}, Timestamp: 10},
		},
		[]pldata.Serialized{
			pupil(0, 0.5, 0.5),
			pupil(0.1, 0.5, 0.5),
			pupil(0.2, 0.5, 0.5),
			pupil(0.3, 0, 0),
		},
	)

	res, err := accuracy.New(gazepipe.DefaultConfig(), registry(), intrinsics()).Evaluate(context.Background(), c)
	require.NoError(t, err)

	assert.InDelta(t, 0, res.Accuracy.Degrees, 1e-9)
	assert.Equal(t, 3, res.Accuracy.NumUsed)
	assert.Equal(t, 4, res.Accuracy.NumTotal)

	assert.InDelta(t, 0, res.Precision.Degrees, 1e-9)
	assert.Equal(t, 2, res.Precision.NumUsed)
	assert.Equal(t, 2, res.Precision.NumTotal)
}

func TestEvaluatePrecision(t *testing.T) {
	c := record(t, identity{},
		[]gaze.Reference{{ScreenPos: []float64{0.5, 0.5}, Timestamp: 0}},
		[]pldata.Serialized{
			pupil(0, 0.5, 0.5),
			pupil(0.1, 0.5+10.0/640, 0.5),
			pupil(0.2, 0.5, 0.5),
		},
	)

	res, err := accuracy.New(gazepipe.DefaultConfig(), registry(), intrinsics()).Evaluate(context.Background(), c)
	require.NoError(t, err)

	// 10 px at a focal length of 500 px
	step := camera.AngleBetween(intrinsics().Unproject(320, 240), intrinsics().Unproject(330, 240))

	assert.InDelta(t, step/3, res.Accuracy.Degrees, 1e-9)
	assert.InDelta(t, step, res.Precision.Degrees, 1e-9)
	assert.Equal(t, 2, res.Precision.NumUsed)
}

func TestEvaluateRecordedPolynomialCalibration(t *testing.T) {
	var (
		refs []gaze.Reference
		data []pldata.Serialized
		ts   float64
	)

	for _, px := range []float64{0.2, 0.5, 0.8} {
		for _, py := range []float64{0.2, 0.5, 0.8} {
			refs = append(refs, gaze.Reference{ScreenPos: []float64{0.1 + 0.8*px, 0.1 + 0.8*py}, Timestamp: ts})
			data = append(data, pupil(ts, px, py))

			ts++
		}
	}

	c := record(t, polynomial.New(nil), refs, data)

	res, err := accuracy.New(gazepipe.DefaultConfig(), registry(), intrinsics()).Evaluate(context.Background(), c)
	require.NoError(t, err)

	assert.InDelta(t, 0, res.Accuracy.Degrees, 1e-6)
	assert.Equal(t, 9, res.Accuracy.NumUsed)
	assert.Equal(t, 9, res.Accuracy.NumTotal)
}

func TestEvaluateUnknownMethod(t *testing.T) {
	c := record(t, identity{}, []gaze.Reference{{ScreenPos: []float64{0.5, 0.5}}}, []pldata.Serialized{pupil(0, 0.5, 0.5)})

	_, err := accuracy.New(gazepipe.DefaultConfig(), gaze.NewRegistry(), intrinsics()).Evaluate(context.Background(), c)

	var fit *gazepipe.CalibrationFitError

	require.True(t, errors.As(err, &fit))
	assert.ErrorIs(t, err, gaze.ErrUnknownMethod)
}

func TestEvaluateAllOutliers(t *testing.T) {
	c := record(t, identity{}, []gaze.Reference{{ScreenPos: []float64{0.5, 0.5}}}, []pldata.Serialized{pupil(0, 0, 0)})

	_, err := accuracy.New(gazepipe.DefaultConfig(), registry(), intrinsics()).Evaluate(context.Background(), c)
	assert.ErrorIs(t, err, accuracy.ErrNoSamples)
}

func TestSelectIntrinsics(t *testing.T) {
	_, err := accuracy.SelectIntrinsics(nil)
	assert.Error(t, err)

	in, err := accuracy.SelectIntrinsics([]*camera.Intrinsics{intrinsics()})
	require.NoError(t, err)
	assert.NotNil(t, in)

	_, err = accuracy.SelectIntrinsics([]*camera.Intrinsics{intrinsics(), intrinsics()})
	assert.Error(t, err)
}
