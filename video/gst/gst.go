// Package gst decodes eye videos through a GStreamer appsink pipeline
package gst

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aneshas/gazepipe/detect"
	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const launch = "filesrc location=%q ! decodebin ! videoconvert ! video/x-raw,format=BGR ! appsink name=sink sync=false"

var initOnce sync.Once

// Decoder pulls BGR frames from a decodebin pipeline
type Decoder struct {
	pipeline *gst.Pipeline
	sink     *app.Sink
	frames   int
	closed   bool
}

var _ detect.Opener = Open

// Open builds and starts a decoding pipeline for the video at path
func Open(path string) (detect.Decoder, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrap(err, "video")
	}

	initOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipelineFromString(fmt.Sprintf(launch, path))
	if err != nil {
		return nil, errors.Wrap(err, "create pipeline")
	}

	elem, err := pipeline.GetElementByName("sink")
	if err != nil {
		return nil, errors.Wrap(err, "appsink")
	}

	sink := app.SinkFromElement(elem)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, errors.Wrap(err, "start pipeline")
	}

	d := &Decoder{pipeline: pipeline, sink: sink, frames: -1}

	if ok, n := pipeline.QueryDuration(gst.FormatDefault); ok && n >= 0 {
		d.frames = int(n)
	}

	return d, nil
}

// Frames returns the frame count reported by the demuxer or -1
func (d *Decoder) Frames() int { return d.frames }

// Next pulls the next frame. It returns io.EOF at the end of the stream.
func (d *Decoder) Next(ctx context.Context) (detect.Image, error) {
	if err := ctx.Err(); err != nil {
		return detect.Image{}, err
	}

	if d.closed {
		return detect.Image{}, io.EOF
	}

	sample := d.sink.PullSample()
	if sample == nil {
		if d.sink.IsEOS() {
			return detect.Image{}, io.EOF
		}

		return detect.Image{}, errors.New("appsink returned no sample")
	}

	s := sample.GetCaps().GetStructureAt(0)

	width, err := intField(s, "width")
	if err != nil {
		return detect.Image{}, err
	}

	height, err := intField(s, "height")
	if err != nil {
		return detect.Image{}, err
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return detect.Image{}, errors.New("sample without buffer")
	}

	info := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	return detect.ImageFromBGR(info.Bytes(), width, height)
}

// Close stops the pipeline. It is safe to call more than once.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}

	d.closed = true

	return d.pipeline.SetState(gst.StateNull)
}

func intField(s *gst.Structure, name string) (int, error) {
	v, err := s.GetValue(name)
	if err != nil {
		return 0, errors.Wrapf(err, "caps %s", name)
	}

	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("caps %s: unexpected type %T", name, v)
	}

	return n, nil
}
