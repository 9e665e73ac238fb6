package pldata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"strings"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/bisect"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Store is a fully opened, read only store. Payloads stay encoded until a
// field is accessed.
type Store struct {
	Timestamps []float64
	Topics     []string
	Payloads   []Serialized

	path string
}

// Open reads the store name inside dir. Missing or truncated artifacts and
// a length mismatch between them are reported as *gazepipe.CorruptStoreError,
// the store is never silently cut down to the shorter side.
func Open(dir, name string, opts ...Option) (*Store, error) {
	cfg := newCfg(opts)
	p := storePaths(dir, name)
	logger := cfg.Logger.WithField("store", p.base)

	if _, err := os.Stat(p.lock); err == nil {
		return nil, errors.Wrap(ErrStoreLocked, p.base)
	}

	ts, err := readTimestamps(p)
	if err != nil {
		return nil, err
	}

	data, release, err := mapFile(p.log)
	if err != nil {
		return nil, corrupt(p, "missing log", err)
	}

	defer release()

	scan := scanLog(data, true)
	if scan.err != nil {
		return nil, corrupt(p, "truncated log", scan.err)
	}

	if len(ts) != len(scan.topics) {
		logMismatch(logger, len(ts), len(scan.topics))

		return nil, &gazepipe.CorruptStoreError{
			Path:       p.base,
			Reason:     "length mismatch",
			Timestamps: len(ts),
			Payloads:   len(scan.topics),
		}
	}

	return &Store{
		Timestamps: ts,
		Topics:     scan.topics,
		Payloads:   scan.payloads,
		path:       p.base,
	}, nil
}

// Len returns the number of samples
func (s *Store) Len() int { return len(s.Timestamps) }

// Path returns the store base path (directory + name)
func (s *Store) Path() string { return s.path }

// At returns the i-th sample in append order
func (s *Store) At(i int) Sample {
	return Sample{
		Topic:     s.Topics[i],
		Timestamp: s.Timestamps[i],
		Payload:   s.Payloads[i],
	}
}

// All iterates samples in append order
func (s *Store) All() iter.Seq2[int, Sample] {
	return func(yield func(int, Sample) bool) {
		for i := range s.Timestamps {
			if !yield(i, s.At(i)) {
				return
			}
		}
	}
}

// Select returns the samples whose topic satisfies match, in append order
func (s *Store) Select(match func(topic string) bool) []Sample {
	var out []Sample

	for i, topic := range s.Topics {
		if match(topic) {
			out = append(out, s.At(i))
		}
	}

	return out
}

// WithTopicPrefix returns the samples whose topic starts with prefix
func (s *Store) WithTopicPrefix(prefix string) []Sample {
	return s.Select(func(topic string) bool {
		return strings.HasPrefix(topic, prefix)
	})
}

// Bisector builds a range index over the store timestamps. The store must
// have been written in timestamp order.
func (s *Store) Bisector() (*bisect.Bisector, error) {
	return bisect.New(s.Timestamps)
}

func readTimestamps(p paths) ([]float64, error) {
	data, release, err := mapFile(p.timestamps)
	if err != nil {
		return nil, corrupt(p, "missing timestamps", err)
	}

	defer release()

	if len(data)%timestampSize != 0 {
		return nil, corrupt(p, "truncated timestamps", io.ErrUnexpectedEOF)
	}

	ts := make([]float64, len(data)/timestampSize)

	for i := range ts {
		bits := binary.LittleEndian.Uint64(data[i*timestampSize:])
		ts[i] = math.Float64frombits(bits)
	}

	return ts, nil
}

// mapFile maps path read only. The returned release func unmaps and closes.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, nil, err
	}

	if info.Size() == 0 {
		return nil, func() { f.Close() }, nil
	}

	m, err := mmap.MapRegion(f, int(info.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()

		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return m, func() {
		m.Unmap()
		f.Close()
	}, nil
}

type logScan struct {
	topics   []string
	payloads []Serialized

	// ends[i] is the byte offset right after record i
	ends []int64
	err  error
}

// scanLog decodes records until the data is exhausted or a record is
// incomplete. Payload bytes are copied out of data when keep is set.
func scanLog(data []byte, keep bool) logScan {
	var scan logScan

	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	for r.Len() > 0 {
		n, err := dec.DecodeArrayLen()
		if err != nil {
			scan.err = eofAsUnexpected(err)

			return scan
		}

		if n != 2 {
			scan.err = fmt.Errorf("record %d has %d fields", len(scan.ends), n)

			return scan
		}

		topic, err := dec.DecodeString()
		if err != nil {
			scan.err = eofAsUnexpected(err)

			return scan
		}

		payload, err := dec.DecodeBytes()
		if err != nil {
			scan.err = eofAsUnexpected(err)

			return scan
		}

		if keep {
			scan.topics = append(scan.topics, topic)
			scan.payloads = append(scan.payloads, NewSerialized(payload))
		}

		scan.ends = append(scan.ends, int64(len(data)-r.Len()))
	}

	return scan
}

func eofAsUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}

	return err
}

func corrupt(p paths, reason string, err error) error {
	return &gazepipe.CorruptStoreError{Path: p.base, Reason: reason, Err: err}
}

func logMismatch(logger logrus.FieldLogger, timestamps, payloads int) {
	longer := "timestamps"
	if payloads > timestamps {
		longer = "log"
	}

	logger.WithField("action", "pldata_length_mismatch").
		WithField("timestamps", timestamps).
		WithField("payloads", payloads).
		WithField("longer", longer).
		Warnf("store artifacts disagree, %s is longer", longer)
}
