package polynomial_test

import (
	"context"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/gaze/polynomial"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func screen(px, py float64) (float64, float64) {
	return 0.1 + 0.8*px + 0.05*px*py, 0.2 + 0.9*py - 0.1*px*px
}

func calibrationInput(t *testing.T, confidence float64) gaze.FitInput {
	cfg, err := gazepipe.NewConfig()
	require.NoError(t, err)

	in := gaze.FitInput{Config: cfg}

	ts := 0.0

	for _, px := range []float64{0.2, 0.5, 0.8} {
		for _, py := range []float64{0.2, 0.5, 0.8} {
			sx, sy := screen(px, py)

			in.References = append(in.References, gaze.Reference{ScreenPos: []float64{sx, sy}, Timestamp: ts})
			in.Pupil = append(in.Pupil, pldata.MustSerialize(map[string]any{
				"timestamp":  ts + 0.01,
				"confidence": confidence,
				"norm_pos":   []float64{px, py},
				"id":         1,
			}))

			ts++
		}
	}

	return in
}

func TestFitRecoversPolynomial(t *testing.T) {
	var subjects []string

	m := polynomial.New(gazepipe.ObserverFunc(func(n gazepipe.Notification) {
		subjects = append(subjects, n.Subject)
	}))

	mapper, err := m.Fit(context.Background(), calibrationInput(t, 0.9))
	require.NoError(t, err)

	poly := mapper.(*polynomial.Mapper)

	for _, p := range [][2]float64{{0.3, 0.7}, {0.6, 0.4}} {
		wantX, wantY := screen(p[0], p[1])
		x, y := poly.Position(p[0], p[1])

		assert.InDelta(t, wantX, x, 1e-9)
		assert.InDelta(t, wantY, y, 1e-9)
	}

	assert.Equal(t, []string{"calibration.pairs", "calibration.successful"}, subjects)
}

func TestFitSkipsLowConfidencePupil(t *testing.T) {
	m := polynomial.New(nil)

	_, err := m.Fit(context.Background(), calibrationInput(t, 0.5))
	assert.ErrorIs(t, err, polynomial.ErrNotEnoughData)
}

func TestFitRejectsDegenerateData(t *testing.T) {
	in := calibrationInput(t, 0.9)

	for i := range in.Pupil {
		in.Pupil[i] = pldata.MustSerialize(map[string]any{
			"timestamp":  in.References[i].Timestamp,
			"confidence": 1.0,
			"norm_pos":   []float64{0.5, 0.5},
		})
	}

	_, err := polynomial.New(nil).Fit(context.Background(), in)
	assert.ErrorIs(t, err, polynomial.ErrIllConditioned)
}

func TestMapperEmitsGazeDatum(t *testing.T) {
	mapper, err := polynomial.New(nil).Fit(context.Background(), calibrationInput(t, 0.9))
	require.NoError(t, err)

	pupil := pldata.MustSerialize(map[string]any{
		"timestamp":  42.0,
		"confidence": 0.75,
		"norm_pos":   []float64{0.5, 0.5},
		"id":         1,
	})

	out, err := mapper.Map(pupil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	topic, err := out[0].String("topic")
	require.NoError(t, err)
	assert.Equal(t, "gaze.2d.1.", topic)

	ts, err := out[0].Timestamp()
	require.NoError(t, err)
	assert.Equal(t, 42.0, ts)

	conf, err := out[0].Float("confidence")
	require.NoError(t, err)
	assert.Equal(t, 0.75, conf)

	pos, err := out[0].Floats("norm_pos")
	require.NoError(t, err)

	wantX, wantY := screen(0.5, 0.5)
	assert.InDelta(t, wantX, pos[0], 1e-9)
	assert.InDelta(t, wantY, pos[1], 1e-9)

	none, err := mapper.Map(pldata.MustSerialize(map[string]any{"timestamp": 1.0}))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFitAndMapOnly2DPupil(t *testing.T) {
	in := calibrationInput(t, 0.9)

	for i := range in.Pupil {
		ts, err := in.Pupil[i].Timestamp()
		require.NoError(t, err)

		in.Pupil = append(in.Pupil, pldata.MustSerialize(map[string]any{
			"timestamp":  ts,
			"confidence": 1.0,
			"norm_pos":   []float64{0.9 - 0.1*float64(i), 0.1},
			"method":     "3d c++",
			"id":         1,
		}))
	}

	var fields []map[string]any

	m := polynomial.New(gazepipe.ObserverFunc(func(n gazepipe.Notification) {
		if n.Subject == "calibration.pairs" {
			fields = append(fields, n.Fields)
		}
	}))

	mapper, err := m.Fit(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, fields, 1)
	assert.Equal(t, 9, fields[0]["pupil"])

	wantX, wantY := screen(0.3, 0.7)
	x, y := mapper.(*polynomial.Mapper).Position(0.3, 0.7)
	assert.InDelta(t, wantX, x, 1e-9)
	assert.InDelta(t, wantY, y, 1e-9)

	out, err := mapper.Map(in.Pupil[len(in.Pupil)-1])
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = mapper.Map(pldata.MustSerialize(map[string]any{
		"timestamp":  1.0,
		"confidence": 1.0,
		"norm_pos":   []float64{0.5, 0.5},
		"method":     "2d c++",
	}))
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestFromParamsRestoresMapper(t *testing.T) {
	m := polynomial.NewWithDegree(nil, 2)

	fitted, err := m.Fit(context.Background(), calibrationInput(t, 0.9))
	require.NoError(t, err)

	params, err := fitted.(gaze.Parametrized).Params()
	require.NoError(t, err)

	restored, err := m.FromParams(params, nil)
	require.NoError(t, err)

	assert.Equal(t, fitted.(*polynomial.Mapper).Coefficients(), restored.(*polynomial.Mapper).Coefficients())

	_, err = m.FromParams(pldata.MustSerialize(polynomial.Params{Degree: 2, X: []float64{1}}), nil)
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	r := gaze.NewRegistry()
	polynomial.Register(r)

	m, err := r.New(polynomial.Label, nil)
	require.NoError(t, err)

	_, ok := m.(gaze.Restorer)
	assert.True(t, ok)
}
