// Package accuracy computes the angular accuracy and precision of a
// recorded calibration by re-applying its fitted model to the calibration
// data.
package accuracy

import (
	"context"
	"math"
	"slices"
	"sort"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/bisect"
	"github.com/aneshas/gazepipe/calib"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/gaze"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// ErrNoSamples is returned when no mapped sample falls under the outlier
// threshold
var ErrNoSamples = errors.New("no samples within outlier threshold")

// Evaluator implements calib.Evaluator. Reference and gaze positions are
// normalized scene camera coordinates, unprojected through the intrinsics
// to measure angles.
type Evaluator struct {
	config     gazepipe.Config
	registry   *gaze.Registry
	intrinsics *camera.Intrinsics
}

var _ calib.Evaluator = (*Evaluator)(nil)

// New creates an evaluator restoring mappers from registry
func New(config gazepipe.Config, registry *gaze.Registry, intrinsics *camera.Intrinsics) *Evaluator {
	return &Evaluator{config: config, registry: registry, intrinsics: intrinsics}
}

// SelectIntrinsics returns the single intrinsics entry of a recording.
// Zero or several entries are an error since it is unclear which applies.
func SelectIntrinsics(all []*camera.Intrinsics) (*camera.Intrinsics, error) {
	switch len(all) {
	case 0:
		return nil, errors.New("no intrinsics found")
	case 1:
		return all[0], nil
	default:
		return nil, errors.Errorf("%d intrinsics found, unclear which one to use", len(all))
	}
}

// Evaluate restores the calibration's mapper, maps its pupil data and
// compares every gaze sample with the reference closest in time
func (e *Evaluator) Evaluate(ctx context.Context, c calib.Calibration) (calib.Result, error) {
	if e.intrinsics == nil {
		return calib.Result{}, errors.New("scene camera intrinsics are required")
	}

	mapper, label, err := e.restore(c)
	if err != nil {
		return calib.Result{}, &gazepipe.CalibrationFitError{Method: label, Err: err}
	}

	refs, pupil, err := c.Data()
	if err != nil {
		return calib.Result{}, errors.Wrap(err, "calibration data")
	}

	if len(refs) == 0 {
		return calib.Result{}, &gazepipe.EmptyStreamError{Stream: "ref_list"}
	}

	refIndex, err := e.newRefIndex(refs)
	if err != nil {
		return calib.Result{}, err
	}

	var samples []sample

	for i, p := range pupil {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return calib.Result{}, err
			}
		}

		out, err := mapper.Map(p)
		if err != nil {
			return calib.Result{}, errors.Wrapf(err, "map pupil datum %d", i)
		}

		for _, g := range out {
			s, ok, err := e.sample(g, refIndex)
			if err != nil {
				return calib.Result{}, err
			}

			if ok {
				samples = append(samples, s)
			}
		}
	}

	return e.measure(samples)
}

func (e *Evaluator) restore(c calib.Calibration) (gaze.Mapper, string, error) {
	label, err := c.MethodLabel()
	if err != nil {
		return nil, "", errors.Wrap(err, "method label")
	}

	method, err := e.registry.New(label, nil)
	if err != nil {
		return nil, label, err
	}

	restorer, ok := method.(gaze.Restorer)
	if !ok {
		return nil, label, errors.Errorf("method %s cannot be restored from params", label)
	}

	params, err := c.Params()
	if err != nil {
		return nil, label, err
	}

	mapper, err := restorer.FromParams(params, e.intrinsics)

	return mapper, label, err
}

type refPoint struct {
	index int
	dir   r3.Vec
}

type sample struct {
	gaze r3.Vec
	ref  refPoint
	err  float64
}

type refIndex struct {
	*bisect.Index[refPoint]
	ts []float64
}

func (e *Evaluator) newRefIndex(refs []gaze.Reference) (*refIndex, error) {
	refs = slices.Clone(refs)

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Timestamp < refs[j].Timestamp })

	ts := make([]float64, len(refs))
	points := make([]refPoint, len(refs))

	for i, r := range refs {
		if len(r.ScreenPos) < 2 {
			return nil, errors.Errorf("reference %d has no screen position", i)
		}

		ts[i] = r.Timestamp
		points[i] = refPoint{index: i, dir: e.direction(r.ScreenPos)}
	}

	idx, err := bisect.NewIndex(points, ts)
	if err != nil {
		return nil, errors.Wrap(err, "references")
	}

	return &refIndex{Index: idx, ts: ts}, nil
}

// closest returns the reference nearest to ts
func (x *refIndex) closest(ts float64) int {
	lo, _ := x.Slice(ts, math.Inf(1))

	switch {
	case lo == 0:
		return 0
	case lo == x.Len():
		return lo - 1
	case ts-x.ts[lo-1] <= x.ts[lo]-ts:
		return lo - 1
	default:
		return lo
	}
}

func (e *Evaluator) direction(pos []float64) r3.Vec {
	px, py := e.intrinsics.Denormalize(pos[0], pos[1])

	return e.intrinsics.Unproject(px, py)
}

func (e *Evaluator) sample(g pldata.Serialized, refs *refIndex) (sample, bool, error) {
	pos, err := g.Floats("norm_pos")
	if err != nil {
		return sample{}, false, errors.Wrap(err, "gaze datum")
	}

	if len(pos) < 2 {
		return sample{}, false, nil
	}

	ts, err := g.Timestamp()
	if err != nil {
		return sample{}, false, errors.Wrap(err, "gaze datum")
	}

	ref := refs.At(refs.closest(ts))
	dir := e.direction(pos)

	return sample{gaze: dir, ref: ref, err: camera.AngleBetween(dir, ref.dir)}, true, nil
}

// measure computes accuracy as the mean angular error of the inliers and
// precision as the root mean square angle between successive inliers
// looking at the same reference
func (e *Evaluator) measure(samples []sample) (calib.Result, error) {
	var inliers []sample

	for _, s := range samples {
		if s.err < e.config.OutlierThreshold {
			inliers = append(inliers, s)
		}
	}

	if len(inliers) == 0 {
		return calib.Result{}, errors.Wrapf(ErrNoSamples, "%d samples", len(samples))
	}

	errs := make([]float64, len(inliers))
	for i, s := range inliers {
		errs[i] = s.err
	}

	res := calib.Result{
		Accuracy: calib.Measure{
			Degrees:  stat.Mean(errs, nil),
			NumUsed:  len(inliers),
			NumTotal: len(samples),
		},
		Precision: calib.Measure{NumTotal: len(inliers) - 1},
	}

	var sq []float64

	for i := 1; i < len(inliers); i++ {
		if inliers[i].ref.index != inliers[i-1].ref.index {
			continue
		}

		d := camera.AngleBetween(inliers[i].gaze, inliers[i-1].gaze)
		sq = append(sq, d*d)
	}

	if len(sq) > 0 {
		res.Precision.Degrees = math.Sqrt(stat.Mean(sq, nil))
		res.Precision.NumUsed = len(sq)
	}

	return res, nil
}
