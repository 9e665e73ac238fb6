// Package detect runs pupil detectors over eye videos frame by frame and
// collects their output per source and detector kind.
package detect

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/pldata"
)

// Detector kinds
const (
	Kind2D = "2d"
	Kind3D = "3d"
)

// Kinds lists the detector kinds in the order they run on a frame
var Kinds = []string{Kind2D, Kind3D}

// TimestampsSuffix is appended to a video stem to find its timestamp table
const TimestampsSuffix = "_timestamps.npy"

// Image is a decoded video frame
type Image struct {
	Width  int
	Height int

	// Gray holds Width*Height bytes of the first color channel
	Gray []byte

	// BGR holds Width*Height*3 interleaved bytes
	BGR []byte
}

// ImageFromBGR copies rows out of a (possibly padded) BGR buffer. The gray
// plane is the first channel; eye cameras record the same value in all three.
func ImageFromBGR(data []byte, width, height int) (Image, error) {
	if width <= 0 || height <= 0 || len(data) < width*height*3 {
		return Image{}, fmt.Errorf("buffer of %d bytes for %dx%d frame", len(data), width, height)
	}

	stride := len(data) / height
	img := Image{
		Width:  width,
		Height: height,
		BGR:    make([]byte, width*height*3),
		Gray:   make([]byte, width*height),
	}

	for y := 0; y < height; y++ {
		row := data[y*stride : y*stride+width*3]
		copy(img.BGR[y*width*3:], row)

		for x := 0; x < width; x++ {
			img.Gray[y*width+x] = row[x*3]
		}
	}

	return img, nil
}

// Decoder yields the frames of a video in file order. Next returns io.EOF
// after the last frame.
type Decoder interface {
	Next(ctx context.Context) (Image, error)

	// Frames returns the total frame count or -1 when unknown
	Frames() int

	Close() error
}

// Opener opens a video for decoding
type Opener func(path string) (Decoder, error)

// Frame is the per-frame context handed to detectors
type Frame struct {
	Image

	Index     int
	Timestamp float64
}

// ROI is the region of a frame detectors look at
type ROI struct {
	X, Y, Width, Height int
}

// FullFrame returns an ROI covering a whole width x height frame
func FullFrame(width, height int) ROI {
	return ROI{Width: width, Height: height}
}

// Detector2D detects the pupil ellipse in a frame
type Detector2D interface {
	Detect(ctx context.Context, f *Frame, roi ROI) (pldata.Serialized, error)
}

// Detector3D fits the eye model given the 2D detections of the same frame
type Detector3D interface {
	Detect(ctx context.Context, f *Frame, previous []pldata.Serialized) (pldata.Serialized, error)
}

// Setup describes the source a pair of detectors is constructed for
type Setup struct {
	EyeID      int
	Width      int
	Height     int
	ROI        ROI
	Config     gazepipe.Config
	Intrinsics *camera.Intrinsics
}

// Factory constructs the stateful detectors of one source. Detectors
// implementing io.Closer are closed once the source is done.
type Factory interface {
	NewDetectors(ctx context.Context, setup Setup) (Detector2D, Detector3D, error)
}

// Source is an eye video with its timestamp table
type Source struct {
	ID         int
	Name       string
	Video      string
	Timestamps string
}

// SourceFromVideo derives a source from an eye video path. The eye id is
// the last character of the file stem (eye0.mp4 is eye 0) and timestamps
// are read from <stem>_timestamps.npy next to the video.
func SourceFromVideo(path string) (Source, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if stem == "" {
		return Source{}, fmt.Errorf("invalid video path %q", path)
	}

	id, err := strconv.Atoi(stem[len(stem)-1:])
	if err != nil {
		return Source{}, fmt.Errorf("cannot derive eye id from %q", base)
	}

	return Source{
		ID:         id,
		Name:       base,
		Video:      path,
		Timestamps: filepath.Join(filepath.Dir(path), stem+TimestampsSuffix),
	}, nil
}

// SourcesIn resolves video names relative to a recording directory
func SourcesIn(dir string, names ...string) ([]Source, error) {
	sources := make([]Source, 0, len(names))

	for _, n := range names {
		src, err := SourceFromVideo(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}

		sources = append(sources, src)
	}

	return sources, nil
}

// Topic returns the store topic of a source's detections of kind
func Topic(eyeID int, kind string) string {
	return fmt.Sprintf("pupil.%d.%s", eyeID, kind)
}

// Streams holds the detections of one source per detector kind, in frame
// order
type Streams map[string][]pldata.Serialized

func newStreams() Streams {
	s := make(Streams, len(Kinds))
	for _, k := range Kinds {
		s[k] = []pldata.Serialized{}
	}

	return s
}
