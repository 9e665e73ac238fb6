package pldata

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Recover repairs a store left behind by an interrupted writer: a partially
// written trailing log record or timestamp is dropped and both artifacts are
// truncated to the last sample present in both. A stale writer lock is
// removed. It returns the number of samples kept.
func Recover(dir, name string, opts ...Option) (int, error) {
	cfg := newCfg(opts)
	p := storePaths(dir, name)

	n, err := recoverStore(p, cfg.Logger.WithField("store", p.base))
	if err != nil {
		return 0, err
	}

	if err := os.Remove(p.lock); err != nil && !os.IsNotExist(err) {
		return n, errors.Wrap(err, "remove stale lock")
	}

	return n, nil
}

func recoverStore(p paths, logger logrus.FieldLogger) (int, error) {
	tsInfo, err := os.Stat(p.timestamps)
	if err != nil {
		return 0, corrupt(p, "missing timestamps", err)
	}

	tsCount := int(tsInfo.Size() / timestampSize)

	data, release, err := mapFile(p.log)
	if err != nil {
		return 0, corrupt(p, "missing log", err)
	}

	scan := scanLog(data, false)
	release()

	if scan.err != nil {
		logger.WithField("action", "pldata_recover_log").
			WithField("complete_records", len(scan.ends)).
			Warn(errors.Wrap(scan.err, "log ended abruptly, dropping partial record"))
	}

	n := min(tsCount, len(scan.ends))

	if tsCount != len(scan.ends) {
		logMismatch(logger, tsCount, len(scan.ends))
	}

	var logSize int64
	if n > 0 {
		logSize = scan.ends[n-1]
	}

	if err := os.Truncate(p.log, logSize); err != nil {
		return 0, errors.Wrap(err, "truncate log")
	}

	if err := os.Truncate(p.timestamps, int64(n)*timestampSize); err != nil {
		return 0, errors.Wrap(err, "truncate timestamps")
	}

	logger.WithField("action", "pldata_recover").
		WithField("samples", n).
		Info("store truncated to last consistent sample")

	return n, nil
}
