// Package video reads the per-frame timestamp tables recorded next to eye
// videos. Decoding itself lives in video/gst.
package video

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
)

// LoadTimestamps reads a one dimensional float64 .npy table holding one
// timestamp per video frame
func LoadTimestamps(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open timestamps")
	}

	defer f.Close()

	var ts []float64

	if err := npyio.Read(f, &ts); err != nil {
		return nil, errors.Wrapf(err, "read timestamps %s", path)
	}

	return ts, nil
}

// SaveTimestamps writes ts as a float64 .npy table
func SaveTimestamps(path string, ts []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create timestamps")
	}

	if err := npyio.Write(f, ts); err != nil {
		f.Close()

		return errors.Wrapf(err, "write timestamps %s", path)
	}

	return errors.Wrap(f.Close(), "close timestamps")
}

// Sorted reports whether frame timestamps never go backwards
func Sorted(ts []float64) bool {
	return sort.Float64sAreSorted(ts)
}
