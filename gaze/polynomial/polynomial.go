// Package polynomial implements a 2D calibration method that regresses
// reference screen positions onto pupil norm_pos with a bivariate
// polynomial.
package polynomial

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Label the method is registered under
const Label = "2D Polynomial"

// DefaultMaxPairDistance is how far (seconds) a pupil sample may be from a
// reference and still be paired with it
const DefaultMaxPairDistance = 1.0 / 15

// ErrNotEnoughData is returned when fewer pairs than model terms survive
// confidence filtering
var ErrNotEnoughData = errors.New("not enough calibration data")

// ErrIllConditioned is returned when the design matrix is close to singular
var ErrIllConditioned = errors.New("ill conditioned calibration data")

const maxCondition = 1e10

// Method fits a polynomial model
type Method struct {
	degree      int
	maxDistance float64
	obs         gazepipe.Observer
}

// New creates a degree 2 polynomial method reporting to obs
func New(obs gazepipe.Observer) gaze.Method {
	return NewWithDegree(obs, 2)
}

// NewWithDegree creates a polynomial method of the given total degree (1-3)
func NewWithDegree(obs gazepipe.Observer, degree int) *Method {
	if obs == nil {
		obs = gazepipe.NopObserver
	}

	return &Method{degree: degree, maxDistance: DefaultMaxPairDistance, obs: obs}
}

// Register adds the method to r under Label
func Register(r *gaze.Registry) {
	r.Register(Label, New)
}

// Label returns the registry label
func (m *Method) Label() string { return Label }

// Params are the fitted coefficients, one row per screen axis
type Params struct {
	Degree int       `msgpack:"degree"`
	X      []float64 `msgpack:"coefs_x"`
	Y      []float64 `msgpack:"coefs_y"`
}

// Fit pairs each reference with its closest confident pupil sample and
// solves the least squares problem for both screen axes
func (m *Method) Fit(ctx context.Context, in gaze.FitInput) (gaze.Mapper, error) {
	if m.degree < 1 || m.degree > 3 {
		return nil, errors.Errorf("unsupported polynomial degree %d", m.degree)
	}

	pupil, err := confident(in.Pupil, in.Config.MinCalibrationConfidence)
	if err != nil {
		return nil, err
	}

	pairs := pair(in.References, pupil, m.maxDistance)
	terms := numTerms(m.degree)

	m.obs.Notify(gazepipe.Notification{
		Subject: "calibration.pairs",
		Fields: map[string]any{
			"references": len(in.References),
			"pupil":      len(pupil),
			"pairs":      len(pairs),
		},
	})

	if len(pairs) < terms {
		return nil, errors.Wrapf(ErrNotEnoughData, "%d pairs for %d terms", len(pairs), terms)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := mat.NewDense(len(pairs), terms, nil)
	b := mat.NewDense(len(pairs), 2, nil)

	for i, p := range pairs {
		a.SetRow(i, features(p.pupil[0], p.pupil[1], m.degree))
		b.Set(i, 0, p.ref[0])
		b.Set(i, 1, p.ref[1])
	}

	if c := mat.Cond(a, 2); c > maxCondition || math.IsInf(c, 1) {
		return nil, errors.Wrapf(ErrIllConditioned, "condition number %g", c)
	}

	var x mat.Dense

	if err := x.Solve(a, b); err != nil {
		return nil, errors.Wrap(err, "least squares")
	}

	params := Params{
		Degree: m.degree,
		X:      mat.Col(nil, 0, &x),
		Y:      mat.Col(nil, 1, &x),
	}

	mapper := &Mapper{params: params, intrinsics: in.Intrinsics}

	m.obs.Notify(gazepipe.Notification{
		Subject: "calibration.successful",
		Fields: map[string]any{
			"method": Label,
			"pairs":  len(pairs),
			"rmse":   mapper.rmse(pairs),
		},
	})

	return mapper, nil
}

// FromParams rebuilds a mapper from exported parameters
func (m *Method) FromParams(params pldata.Serialized, intrinsics *camera.Intrinsics) (gaze.Mapper, error) {
	var p Params

	if err := params.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "decode polynomial params")
	}

	terms := numTerms(p.Degree)

	if p.Degree < 1 || p.Degree > 3 || len(p.X) != terms || len(p.Y) != terms {
		return nil, fmt.Errorf("invalid polynomial params (degree %d, %d/%d coefficients)", p.Degree, len(p.X), len(p.Y))
	}

	return &Mapper{params: p, intrinsics: intrinsics}, nil
}

// Mapper applies fitted polynomial coefficients
type Mapper struct {
	params     Params
	intrinsics *camera.Intrinsics
}

// Map yields one gaze datum per pupil datum, positioned by the model.
// Pupil data without norm_pos yields nothing.
func (m *Mapper) Map(p pldata.Serialized) ([]pldata.Serialized, error) {
	ok, err := is2D(p)
	if err != nil || !ok {
		return nil, err
	}

	pos, err := p.Floats("norm_pos")
	if errors.Is(err, pldata.ErrFieldNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if len(pos) < 2 {
		return nil, nil
	}

	ts, err := p.Timestamp()
	if err != nil {
		return nil, err
	}

	conf, err := p.Float("confidence")
	if err != nil && !errors.Is(err, pldata.ErrFieldNotFound) {
		return nil, err
	}

	x, y := m.Position(pos[0], pos[1])

	topic := "gaze.2d."
	if id, err := p.Float("id"); err == nil {
		topic = fmt.Sprintf("gaze.2d.%d.", int(id))
	}

	g, err := gaze.Datum{
		Topic:      topic,
		NormPos:    []float64{x, y},
		Confidence: conf,
		Timestamp:  ts,
		BasedOn:    []pldata.Serialized{p},
	}.Serialize()
	if err != nil {
		return nil, err
	}

	return []pldata.Serialized{g}, nil
}

// Position evaluates the model at pupil position (px, py)
func (m *Mapper) Position(px, py float64) (x, y float64) {
	f := mat.NewVecDense(len(m.params.X), features(px, py, m.params.Degree))

	return mat.Dot(f, mat.NewVecDense(len(m.params.X), m.params.X)),
		mat.Dot(f, mat.NewVecDense(len(m.params.Y), m.params.Y))
}

// Params exports the fitted coefficients
func (m *Mapper) Params() (pldata.Serialized, error) {
	return pldata.Serialize(m.params)
}

// Coefficients returns the fitted parameters
func (m *Mapper) Coefficients() Params { return m.params }

func (m *Mapper) rmse(pairs []calibPair) float64 {
	var sum float64

	for _, p := range pairs {
		x, y := m.Position(p.pupil[0], p.pupil[1])
		sum += (x-p.ref[0])*(x-p.ref[0]) + (y-p.ref[1])*(y-p.ref[1])
	}

	return math.Sqrt(sum / float64(len(pairs)))
}

type pupilPoint struct {
	ts  float64
	pos [2]float64
}

// is2D reports whether a pupil datum comes from a 2d detector. Data without
// a method field is treated as 2d.
func is2D(p pldata.Serialized) (bool, error) {
	method, err := p.String("method")
	if errors.Is(err, pldata.ErrFieldNotFound) {
		return true, nil
	}

	if err != nil {
		return false, err
	}

	return strings.Contains(method, "2d"), nil
}

type calibPair struct {
	ref   [2]float64
	pupil [2]float64
}

func confident(pupil []pldata.Serialized, min float64) ([]pupilPoint, error) {
	var out []pupilPoint

	for i, p := range pupil {
		ok, err := is2D(p)
		if err != nil {
			return nil, errors.Wrapf(err, "pupil datum %d", i)
		}

		if !ok {
			continue
		}

		conf, err := p.Float("confidence")
		if err != nil {
			return nil, errors.Wrapf(err, "pupil datum %d", i)
		}

		if conf < min {
			continue
		}

		pos, err := p.Floats("norm_pos")
		if err != nil {
			return nil, errors.Wrapf(err, "pupil datum %d", i)
		}

		if len(pos) < 2 {
			continue
		}

		ts, err := p.Timestamp()
		if err != nil {
			return nil, errors.Wrapf(err, "pupil datum %d", i)
		}

		out = append(out, pupilPoint{ts: ts, pos: [2]float64{pos[0], pos[1]}})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ts < out[j].ts })

	return out, nil
}

// pair matches every reference with the pupil sample closest in time,
// skipping references without a sample within maxDistance
func pair(refs []gaze.Reference, pupil []pupilPoint, maxDistance float64) []calibPair {
	var out []calibPair

	if len(pupil) == 0 {
		return nil
	}

	for _, ref := range refs {
		if len(ref.ScreenPos) < 2 {
			continue
		}

		i := sort.Search(len(pupil), func(i int) bool { return pupil[i].ts >= ref.Timestamp })

		best := -1
		bestDist := math.Inf(1)

		for _, j := range []int{i - 1, i} {
			if j < 0 || j >= len(pupil) {
				continue
			}

			if d := math.Abs(pupil[j].ts - ref.Timestamp); d < bestDist {
				best, bestDist = j, d
			}
		}

		if best < 0 || bestDist > maxDistance {
			continue
		}

		out = append(out, calibPair{
			ref:   [2]float64{ref.ScreenPos[0], ref.ScreenPos[1]},
			pupil: pupil[best].pos,
		})
	}

	return out
}

func numTerms(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

// features returns the monomials x^i y^j with i+j <= degree, ordered by
// total degree
func features(x, y float64, degree int) []float64 {
	out := make([]float64, 0, numTerms(degree))

	for d := 0; d <= degree; d++ {
		for j := 0; j <= d; j++ {
			out = append(out, math.Pow(x, float64(d-j))*math.Pow(y, float64(j)))
		}
	}

	return out
}
