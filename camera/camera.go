// Package camera loads scene camera intrinsics recorded alongside a
// recording and projects image points onto viewing directions.
package camera

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/aneshas/gazepipe"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/spatial/r3"
)

// Ext is the file extension of intrinsics artifacts
const Ext = ".intrinsics"

// ErrIntrinsicsNotFound is returned when an intrinsics artifact has no
// entry for the requested resolution
var ErrIntrinsicsNotFound = errors.New("intrinsics not found")

// Intrinsics of a single camera at a single resolution
type Intrinsics struct {
	Name         string
	Resolution   gazepipe.Resolution
	CameraMatrix [3][3]float64
	DistCoefs    []float64
	Type         string
}

type rawIntrinsics struct {
	CameraMatrix [][]float64 `msgpack:"camera_matrix"`
	DistCoefs    [][]float64 `msgpack:"dist_coefs"`
	Resolution   []int       `msgpack:"resolution"`
	CamType      string      `msgpack:"cam_type"`
}

// Load reads DIR/NAME.intrinsics and returns the entry for resolution.
// A zero resolution selects gazepipe.DefaultResolution.
func Load(dir, name string, resolution gazepipe.Resolution) (*Intrinsics, error) {
	if resolution == (gazepipe.Resolution{}) {
		resolution = gazepipe.DefaultResolution
	}

	all, err := LoadAll(dir, name)
	if err != nil {
		return nil, err
	}

	for _, in := range all {
		if in.Resolution == resolution {
			return in, nil
		}
	}

	return nil, errors.Wrapf(ErrIntrinsicsNotFound, "%s at %s", name, resolution)
}

// LoadAll returns every resolution stored in DIR/NAME.intrinsics, ordered by
// resolution key
func LoadAll(dir, name string) ([]*Intrinsics, error) {
	path := filepath.Join(dir, name+Ext)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read intrinsics")
	}

	var doc map[string]msgpack.RawMessage

	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "decode intrinsics %s", path)
	}

	keys := make([]string, 0, len(doc))

	for k := range doc {
		if k != "version" {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	out := make([]*Intrinsics, 0, len(keys))

	for _, k := range keys {
		var raw rawIntrinsics

		if err := msgpack.Unmarshal(doc[k], &raw); err != nil {
			return nil, errors.Wrapf(err, "decode intrinsics entry %s", k)
		}

		in, err := raw.intrinsics(name)
		if err != nil {
			return nil, errors.Wrapf(err, "intrinsics entry %s", k)
		}

		out = append(out, in)
	}

	return out, nil
}

// Save writes intrinsics to DIR/NAME.intrinsics, keyed by resolution
func Save(dir, name string, intrinsics ...*Intrinsics) error {
	doc := map[string]any{"version": 1}

	for _, in := range intrinsics {
		m := make([][]float64, 3)
		for i := range in.CameraMatrix {
			m[i] = in.CameraMatrix[i][:]
		}

		doc[in.Resolution.String()] = rawIntrinsics{
			CameraMatrix: m,
			DistCoefs:    [][]float64{in.DistCoefs},
			Resolution:   []int{in.Resolution.Width, in.Resolution.Height},
			CamType:      in.Type,
		}
	}

	data, err := msgpack.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode intrinsics")
	}

	return errors.Wrap(os.WriteFile(filepath.Join(dir, name+Ext), data, 0o644), "write intrinsics")
}

func (r rawIntrinsics) intrinsics(name string) (*Intrinsics, error) {
	if len(r.Resolution) != 2 {
		return nil, fmt.Errorf("invalid resolution %v", r.Resolution)
	}

	if len(r.CameraMatrix) != 3 {
		return nil, fmt.Errorf("camera matrix has %d rows", len(r.CameraMatrix))
	}

	in := &Intrinsics{
		Name:       name,
		Resolution: gazepipe.Resolution{Width: r.Resolution[0], Height: r.Resolution[1]},
		Type:       r.CamType,
	}

	for i, row := range r.CameraMatrix {
		if len(row) != 3 {
			return nil, fmt.Errorf("camera matrix row %d has %d columns", i, len(row))
		}

		copy(in.CameraMatrix[i][:], row)
	}

	for _, row := range r.DistCoefs {
		in.DistCoefs = append(in.DistCoefs, row...)
	}

	return in, nil
}

// Focal returns the focal lengths (fx, fy) in pixels
func (in *Intrinsics) Focal() (fx, fy float64) {
	return in.CameraMatrix[0][0], in.CameraMatrix[1][1]
}

// Center returns the principal point (cx, cy) in pixels
func (in *Intrinsics) Center() (cx, cy float64) {
	return in.CameraMatrix[0][2], in.CameraMatrix[1][2]
}

// Denormalize converts a normalized position (origin bottom left, [0, 1])
// to pixel coordinates (origin top left)
func (in *Intrinsics) Denormalize(x, y float64) (px, py float64) {
	return x * float64(in.Resolution.Width), (1 - y) * float64(in.Resolution.Height)
}

// Unproject returns the unit viewing direction of pixel (px, py) under a
// pinhole model. Lens distortion is not removed.
func (in *Intrinsics) Unproject(px, py float64) r3.Vec {
	fx, fy := in.Focal()
	cx, cy := in.Center()

	return r3.Unit(r3.Vec{X: (px - cx) / fx, Y: (py - cy) / fy, Z: 1})
}

// AngleBetween returns the angle between two directions in degrees
func AngleBetween(a, b r3.Vec) float64 {
	cos := r3.Cos(a, b)

	return math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
}
