package gaze

import (
	"os"

	"github.com/aneshas/gazepipe"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ReferenceVersion is the only reference data format version understood
const ReferenceVersion = 1

// Reference is a known on-screen target position at a point in time
type Reference struct {
	ScreenPos []float64 `msgpack:"screen_pos"`
	Timestamp float64   `msgpack:"timestamp"`
}

type referenceFile struct {
	Version int                    `msgpack:"version"`
	Data    [][]msgpack.RawMessage `msgpack:"data"`
}

// LoadReferences reads a reference data artifact of the form
// {"version": 1, "data": [[screen_pos, _, timestamp], ...]}.
// Any other version fails with *gazepipe.UnsupportedFormatError.
func LoadReferences(path string) ([]Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read reference data")
	}

	var f referenceFile

	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "decode reference data %s", path)
	}

	if f.Version != ReferenceVersion {
		return nil, &gazepipe.UnsupportedFormatError{
			Path:     path,
			Version:  f.Version,
			Expected: ReferenceVersion,
		}
	}

	refs := make([]Reference, 0, len(f.Data))

	for i, entry := range f.Data {
		if len(entry) < 3 {
			return nil, errors.Errorf("reference %d has %d fields, expected 3", i, len(entry))
		}

		var ref Reference

		if err := msgpack.Unmarshal(entry[0], &ref.ScreenPos); err != nil {
			return nil, errors.Wrapf(err, "reference %d screen position", i)
		}

		if err := msgpack.Unmarshal(entry[2], &ref.Timestamp); err != nil {
			return nil, errors.Wrapf(err, "reference %d timestamp", i)
		}

		refs = append(refs, ref)
	}

	return refs, nil
}

// SaveReferences writes refs in the format LoadReferences reads. The unused
// middle field is written as nil.
func SaveReferences(path string, refs []Reference) error {
	data := make([][]any, len(refs))

	for i, ref := range refs {
		data[i] = []any{ref.ScreenPos, nil, ref.Timestamp}
	}

	b, err := msgpack.Marshal(map[string]any{
		"version": ReferenceVersion,
		"data":    data,
	})
	if err != nil {
		return errors.Wrap(err, "encode reference data")
	}

	return errors.Wrap(os.WriteFile(path, b, 0o644), "write reference data")
}
