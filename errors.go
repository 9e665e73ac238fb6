// Package gazepipe converts recorded eye-tracking sessions into calibrated
// gaze streams.
// Eye camera frames are run through pupil detectors, the detections are
// persisted in an append-only timestamped store (see package pldata),
// mapped onto the scene with a fitted calibration model (see package gaze)
// and finally evaluated for accuracy and precision (see package calib).
//
// This package holds what every stage shares: the error taxonomy,
// the immutable pipeline configuration and the notification observer.
package gazepipe

import (
	"errors"
	"fmt"
)

// ErrEmptyStream is matched by every EmptyStreamError
var ErrEmptyStream = errors.New("empty stream")

// CorruptStoreError indicates that the artifacts of a timestamped store are
// missing, truncated or inconsistent with each other.
// Timestamps and Payloads are set when the failure is a length mismatch.
type CorruptStoreError struct {
	Path       string
	Reason     string
	Timestamps int
	Payloads   int
	Err        error
}

func (e *CorruptStoreError) Error() string {
	msg := fmt.Sprintf("corrupt store %s: %s", e.Path, e.Reason)

	if e.Timestamps != e.Payloads {
		msg = fmt.Sprintf("%s (timestamps: %d, payloads: %d)", msg, e.Timestamps, e.Payloads)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

// Unwrap returns the underlying io/os error if any
func (e *CorruptStoreError) Unwrap() error { return e.Err }

// UnsupportedFormatError is returned when an artifact carries a schema
// version this package does not know how to read
type UnsupportedFormatError struct {
	Path     string
	Version  int
	Expected int
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf(
		"unsupported format in %s: version %d, expected %d",
		e.Path, e.Version, e.Expected,
	)
}

// CalibrationFitError wraps a failure of the external calibration model fit
type CalibrationFitError struct {
	Method string
	Err    error
}

func (e *CalibrationFitError) Error() string {
	return fmt.Sprintf("calibration fit (%s) failed: %v", e.Method, e.Err)
}

// Unwrap returns the error reported by the calibration method
func (e *CalibrationFitError) Unwrap() error { return e.Err }

// EmptyStreamError is returned when a stage is handed a zero length stream
// it cannot operate on
type EmptyStreamError struct {
	Stream string
}

func (e *EmptyStreamError) Error() string {
	return fmt.Sprintf("stream %q is empty", e.Stream)
}

// Is makes errors.Is(err, ErrEmptyStream) hold
func (e *EmptyStreamError) Is(target error) bool { return target == ErrEmptyStream }

// SourceNotFoundError reports a per-source input (eye video or its
// timestamp table) that does not exist
type SourceNotFoundError struct {
	Source string
	Path   string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source %s not found at %s", e.Source, e.Path)
}

// InconsistentCalibrationLogError is returned when a notification log holds
// a different number of calibration setups and results
type InconsistentCalibrationLogError struct {
	Setups  int
	Results int
}

func (e *InconsistentCalibrationLogError) Error() string {
	return fmt.Sprintf(
		"number of setups (%d) vs results (%d) does not match",
		e.Setups, e.Results,
	)
}
