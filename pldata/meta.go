package pldata

import (
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MetaVersion is the version written into new meta sidecars
const MetaVersion = 4

// Detection status values recorded per eye source
const (
	StatusComplete = "complete"
	StatusNotFound = "not found"
	StatusFailed   = "failed"
)

// Meta is the small status record stored next to a store
type Meta struct {
	DetectionStatus []string `msgpack:"detection_status"`
	Version         int      `msgpack:"version"`
}

// WriteMeta writes the NAME.meta sidecar of the store name inside dir
func WriteMeta(dir, name string, meta Meta) error {
	if meta.Version == 0 {
		meta.Version = MetaVersion
	}

	data, err := msgpack.Marshal(&meta)
	if err != nil {
		return errors.Wrap(err, "encode meta")
	}

	return errors.Wrap(
		os.WriteFile(storePaths(dir, name).meta, data, 0o644),
		"write meta",
	)
}

// ReadMeta reads the NAME.meta sidecar. A missing sidecar yields
// an error matching os.ErrNotExist.
func ReadMeta(dir, name string) (Meta, error) {
	var meta Meta

	data, err := os.ReadFile(storePaths(dir, name).meta)
	if err != nil {
		return meta, errors.Wrap(err, "read meta")
	}

	return meta, errors.Wrap(msgpack.Unmarshal(data, &meta), "decode meta")
}
