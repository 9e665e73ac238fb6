package gazepipe_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aneshas/gazepipe"
	"github.com/stretchr/testify/assert"
)

func TestCorruptStoreErrorNamesBothCounts(t *testing.T) {
	err := &gazepipe.CorruptStoreError{
		Path:       "/rec/offline_pupil",
		Reason:     "length mismatch",
		Timestamps: 10,
		Payloads:   9,
	}

	assert.Contains(t, err.Error(), "timestamps: 10")
	assert.Contains(t, err.Error(), "payloads: 9")
}

func TestCorruptStoreErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("open: %w", &gazepipe.CorruptStoreError{
		Path:   "/rec/gaze",
		Reason: "truncated log",
		Err:    io.ErrUnexpectedEOF,
	})

	var corrupt *gazepipe.CorruptStoreError

	assert.True(t, errors.As(err, &corrupt))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEmptyStreamErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("map: %w", &gazepipe.EmptyStreamError{Stream: "pupil"})

	assert.ErrorIs(t, err, gazepipe.ErrEmptyStream)
}

func TestInconsistentCalibrationLogErrorMessage(t *testing.T) {
	err := &gazepipe.InconsistentCalibrationLogError{Setups: 2, Results: 3}

	assert.Equal(t, "number of setups (2) vs results (3) does not match", err.Error())
}
