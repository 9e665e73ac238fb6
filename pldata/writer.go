package pldata

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrWriterClosed is returned by Append after Close
	ErrWriterClosed = errors.New("store writer is closed")

	// ErrStoreLocked indicates that another writer owns the store
	ErrStoreLocked = errors.New("store is locked by another writer")
)

// Writer appends samples to a store. It is not safe for concurrent use, a
// store has exactly one writer for the duration of a pipeline stage.
type Writer struct {
	cfg    Cfg
	paths  paths
	logger logrus.FieldLogger

	logFile *os.File
	tsFile  *os.File
	logBuf  *bufio.Writer
	tsBuf   *bufio.Writer

	rec *bytes.Buffer
	enc *msgpack.Encoder

	count  int
	err    error
	closed bool
}

// Create opens a writer for the store name inside dir. Existing artifacts
// of that store are replaced. The store is locked until Close.
func Create(dir, name string, opts ...Option) (*Writer, error) {
	if name == "" {
		return nil, errors.New("store name must be provided")
	}

	cfg := newCfg(opts)
	p := storePaths(dir, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}

	lock, err := os.OpenFile(p.lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrStoreLocked, p.base)
		}

		return nil, errors.Wrap(err, "lock store")
	}

	lock.Close()

	logFile, err := os.Create(p.log)
	if err != nil {
		os.Remove(p.lock)

		return nil, errors.Wrap(err, "create log")
	}

	tsFile, err := os.Create(p.timestamps)
	if err != nil {
		logFile.Close()
		os.Remove(p.lock)

		return nil, errors.Wrap(err, "create timestamps")
	}

	rec := new(bytes.Buffer)

	w := &Writer{
		cfg:     cfg,
		paths:   p,
		logger:  cfg.Logger.WithField("store", p.base),
		logFile: logFile,
		tsFile:  tsFile,
		logBuf:  bufio.NewWriterSize(logFile, cfg.BufferSize),
		tsBuf:   bufio.NewWriterSize(tsFile, cfg.BufferSize),
		rec:     rec,
		enc:     msgpack.NewEncoder(rec),
	}

	return w, nil
}

// Append adds one sample to the store. The store does not reorder samples
// and does not check timestamps for monotonicity, that is up to the caller.
// Once an append fails the writer refuses further appends and Close
// truncates the store to the last complete sample.
func (w *Writer) Append(ts float64, topic string, payload Serialized) error {
	if w.closed {
		return ErrWriterClosed
	}

	if w.err != nil {
		return w.err
	}

	if topic == "" {
		return errors.New("topic must be provided")
	}

	if math.IsNaN(ts) {
		return errors.Errorf("invalid timestamp for topic %s", topic)
	}

	w.rec.Reset()

	if err := w.encodeRecord(topic, payload); err != nil {
		return errors.Wrap(err, "encode record")
	}

	if _, err := w.logBuf.Write(w.rec.Bytes()); err != nil {
		w.err = errors.Wrap(err, "append log record")

		return w.err
	}

	var buf [timestampSize]byte

	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(ts))

	if _, err := w.tsBuf.Write(buf[:]); err != nil {
		w.err = errors.Wrap(err, "append timestamp")

		return w.err
	}

	w.count++

	return nil
}

// AppendSample is Append for a Sample value
func (w *Writer) AppendSample(s Sample) error {
	return w.Append(s.Timestamp, s.Topic, s.Payload)
}

// Len returns the number of samples appended so far
func (w *Writer) Len() int { return w.count }

// Path returns the store base path (directory + name)
func (w *Writer) Path() string { return w.paths.base }

func (w *Writer) encodeRecord(topic string, payload Serialized) error {
	if err := w.enc.EncodeArrayLen(2); err != nil {
		return err
	}

	if err := w.enc.EncodeString(topic); err != nil {
		return err
	}

	return w.enc.EncodeBytes(payload.Raw())
}

// Close flushes both artifacts and releases the store lock. If any append
// or the final flush failed, both artifacts are truncated to the last
// sample that made it to disk completely and the original error is returned.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}

	w.closed = true

	defer os.Remove(w.paths.lock)

	if w.err == nil {
		w.err = w.flush()
	}

	logErr := w.logFile.Close()
	tsErr := w.tsFile.Close()

	if w.err == nil && logErr != nil {
		w.err = errors.Wrap(logErr, "close log")
	}

	if w.err == nil && tsErr != nil {
		w.err = errors.Wrap(tsErr, "close timestamps")
	}

	if w.err == nil {
		w.logger.WithField("action", "pldata_close").
			WithField("samples", w.count).
			Debug("store written")

		return nil
	}

	w.logger.WithField("action", "pldata_write_failed").
		WithError(w.err).
		Error("store write failed, truncating to last consistent sample")

	n, err := recoverStore(w.paths, w.logger)
	if err != nil {
		return errors.Wrapf(w.err, "recovery failed (%v)", err)
	}

	w.count = n

	return w.err
}

func (w *Writer) flush() error {
	if err := w.logBuf.Flush(); err != nil {
		return errors.Wrap(err, "flush log")
	}

	if err := w.tsBuf.Flush(); err != nil {
		return errors.Wrap(err, "flush timestamps")
	}

	if !w.cfg.Sync {
		return nil
	}

	if err := w.logFile.Sync(); err != nil {
		return errors.Wrap(err, "sync log")
	}

	return errors.Wrap(w.tsFile.Sync(), "sync timestamps")
}

// WriteAll creates the store name inside dir holding samples in order
func WriteAll(dir, name string, samples []Sample, opts ...Option) error {
	w, err := Create(dir, name, opts...)
	if err != nil {
		return err
	}

	for _, s := range samples {
		if err := w.AppendSample(s); err != nil {
			w.Close()

			return err
		}
	}

	return w.Close()
}
