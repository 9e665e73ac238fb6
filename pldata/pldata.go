// Package pldata implements the append-only timestamped store recordings
// are persisted in.
//
// A store named NAME inside a directory consists of
//
//	NAME.timestamps  little endian float64 per sample
//	NAME.log         one msgpack [topic, payload] record per sample
//	NAME.meta        optional msgpack status record (see Meta)
//
// Entry i of the timestamps artifact belongs to record i of the log. Both
// artifacts only ever grow by appending, a store is written once by a single
// Writer and read afterwards.
package pldata

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const (
	timestampsExt = ".timestamps"
	logExt        = ".log"
	metaExt       = ".meta"
	lockExt       = ".lock"

	timestampSize = 8
)

// Sample is a single (topic, timestamp, payload) triple
type Sample struct {
	Topic     string
	Timestamp float64
	Payload   Serialized
}

// Cfg represents store configuration (configure using Option)
type Cfg struct {
	Logger     logrus.FieldLogger
	BufferSize int
	Sync       bool
}

// Option represents store configuration option
type Option func(Cfg) Cfg

// WithLogger sets the logger used to report recovery and consistency issues
func WithLogger(l logrus.FieldLogger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// WithBufferSize sets the write buffer size of each artifact
func WithBufferSize(n int) Option {
	return func(cfg Cfg) Cfg {
		cfg.BufferSize = n

		return cfg
	}
}

// WithSync controls whether Close fsyncs both artifacts (default true)
func WithSync(sync bool) Option {
	return func(cfg Cfg) Cfg {
		cfg.Sync = sync

		return cfg
	}
}

func newCfg(opts []Option) Cfg {
	cfg := Cfg{
		Logger:     logrus.StandardLogger(),
		BufferSize: 64 * 1024,
		Sync:       true,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	return cfg
}

type paths struct {
	base       string
	timestamps string
	log        string
	meta       string
	lock       string
}

func storePaths(dir, name string) paths {
	base := filepath.Join(dir, name)

	return paths{
		base:       base,
		timestamps: base + timestampsExt,
		log:        base + logExt,
		meta:       base + metaExt,
		lock:       base + lockExt,
	}
}

// Exists reports whether both artifacts of the store name exist inside dir
func Exists(dir, name string) bool {
	p := storePaths(dir, name)

	for _, path := range []string{p.timestamps, p.log} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}

	return true
}
