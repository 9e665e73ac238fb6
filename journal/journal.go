// Package journal provides an append-only journal of pipeline notifications
// and processing runs backed by sqlite or postgres.
//
// Entries are grouped into streams (one per recording or run) and carry a
// per stream version used for optimistic concurrency checks. Apart from
// appending and reading streams, the journal can be subscribed to in order
// to follow new entries as they are written.
package journal

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrStreamNotFound indicates that the requested stream does not exist in the journal
	ErrStreamNotFound = errors.New("stream not found")

	// ErrConcurrencyCheckFailed indicates that stream entry related to a particular version already exists
	ErrConcurrencyCheckFailed = errors.New("optimistic concurrency check failed: stream version exists")

	// ErrSubscriptionClosedByClient is produced by sub.Err if client cancels the subscription using sub.Close()
	ErrSubscriptionClosedByClient = errors.New("subscription closed by client")
)

// InitialStreamVersion is the expected version of a stream that does not
// exist yet
const InitialStreamVersion int = 0

// Cfg represents journal configuration
type Cfg struct {
	PostgresDSN string
	SQLitePath  string
	Logger      logrus.FieldLogger
}

// Option represents journal configuration option
type Option func(Cfg) Cfg

// WithPostgresDB configures the journal to use postgres as a backing
// storage (pgx driver)
func WithPostgresDB(dsn string) Option {
	return func(cfg Cfg) Cfg {
		cfg.PostgresDSN = dsn

		return cfg
	}
}

// WithSQLiteDB configures the journal to use the sqlite database at path
func WithSQLiteDB(path string) Option {
	return func(cfg Cfg) Cfg {
		cfg.SQLitePath = path

		return cfg
	}
}

// WithLogger sets the logger subscriptions and projectors report to
func WithLogger(l logrus.FieldLogger) Option {
	return func(cfg Cfg) Cfg {
		cfg.Logger = l

		return cfg
	}
}

// Journal is an append-only entry log
type Journal struct {
	db     *gorm.DB
	enc    Encoder
	logger logrus.FieldLogger
}

// Open connects to the configured database and migrates the entry table
func Open(enc Encoder, opts ...Option) (*Journal, error) {
	if enc == nil {
		return nil, errors.New("encoder implementation must be provided")
	}

	cfg := Cfg{Logger: logrus.StandardLogger()}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	var dial gorm.Dialector

	switch {
	case cfg.PostgresDSN != "":
		dial = postgres.Open(cfg.PostgresDSN)
	case cfg.SQLitePath != "":
		dial = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, errors.New("either postgres dsn or sqlite path must be provided")
	}

	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}

	if err := db.AutoMigrate(&gormEntry{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal")
	}

	return &Journal{
		db:     db,
		enc:    enc,
		logger: cfg.Logger,
	}, nil
}

// Close closes the underlying sql connection
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type gormEntry struct {
	ID            string `gorm:"unique"`
	Sequence      uint64 `gorm:"autoIncrement;primaryKey"`
	Type          string
	Data          []byte
	Meta          []byte
	CausationID   *string
	CorrelationID *string
	StreamID      string    `gorm:"index:idx_optimistic_check,unique;index"`
	StreamVersion int       `gorm:"index:idx_optimistic_check,unique"`
	OccurredOn    time.Time `gorm:"autoCreateTime"`
}

// TableName returns gorm table name
func (ge *gormEntry) TableName() string { return "journal_entry" }

// AppendStream encodes entries and appends them to stream, creating it if
// it does not exist. expectedVer must be InitialStreamVersion for new
// streams and the latest stream version for existing ones, otherwise
// ErrConcurrencyCheckFailed is returned.
func (j *Journal) AppendStream(ctx context.Context, stream string, expectedVer int, entries []Entry) error {
	if len(stream) == 0 {
		return errors.New("stream name must be provided")
	}

	if expectedVer < InitialStreamVersion {
		return errors.New("expected version cannot be less than 0")
	}

	if len(entries) == 0 {
		return nil
	}

	toSave := make([]gormEntry, len(entries))

	for i, e := range entries {
		encoded, err := j.enc.Encode(e.Event)
		if err != nil {
			return errors.Wrapf(err, "encode %T", e.Event)
		}

		expectedVer++

		entry := gormEntry{
			ID:            e.ID,
			Type:          encoded.Type,
			Data:          encoded.Data,
			StreamID:      stream,
			StreamVersion: expectedVer,
			OccurredOn:    e.OccurredOn,
		}

		if e.CorrelationID != "" {
			entry.CorrelationID = &e.CorrelationID
		}

		if e.CausationID != "" {
			entry.CausationID = &e.CausationID
		}

		if e.Meta != nil {
			entry.Meta, err = msgpack.Marshal(e.Meta)
			if err != nil {
				return errors.Wrap(err, "encode meta")
			}
		}

		if entry.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}

			entry.ID = id.String()
		}

		if entry.OccurredOn.IsZero() {
			entry.OccurredOn = time.Now().UTC()
		}

		toSave[i] = entry
	}

	err := j.db.WithContext(ctx).Create(&toSave).Error

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrConcurrencyCheckFailed
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConcurrencyCheckFailed
	}

	return err
}

// StreamVersion returns the latest version of stream or
// InitialStreamVersion if it does not exist
func (j *Journal) StreamVersion(ctx context.Context, stream string) (int, error) {
	var version int

	err := j.db.
		WithContext(ctx).
		Model(&gormEntry{}).
		Where("stream_id = ?", stream).
		Select("coalesce(max(stream_version), ?)", InitialStreamVersion).
		Row().
		Scan(&version)

	return version, err
}

// ReadStream reads all entries of stream in append order. If there are no
// entries stored for stream ErrStreamNotFound is returned.
func (j *Journal) ReadStream(ctx context.Context, stream string) ([]StoredEntry, error) {
	if len(stream) == 0 {
		return nil, errors.New("stream name must be provided")
	}

	var entries []gormEntry

	if err := j.db.
		WithContext(ctx).
		Where("stream_id = ?", stream).
		Order("sequence asc").
		Find(&entries).Error; err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, errors.Wrap(ErrStreamNotFound, stream)
	}

	return j.decodeEntries(entries)
}

// SubAllConfig (configure using SubAllOpt)
type SubAllConfig struct {
	offset       int
	batchSize    int
	pollInterval time.Duration
}

// SubAllOpt represents subscribe to all entries option
type SubAllOpt func(SubAllConfig) SubAllConfig

// WithOffset is a subscription / read all option that indicates a sequence
// in the journal from which to start reading entries (exclusive)
func WithOffset(offset int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.offset = offset

		return cfg
	}
}

// WithBatchSize sets the read batch size (limit) of a subscription
func WithBatchSize(size int) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.batchSize = size

		return cfg
	}
}

// WithPollInterval sets the polling interval of a subscription
func WithPollInterval(d time.Duration) SubAllOpt {
	return func(cfg SubAllConfig) SubAllConfig {
		cfg.pollInterval = d

		return cfg
	}
}

// Subscription streams journal entries in sequence order
type Subscription struct {
	// Err produces any errors that occur while reading entries. io.EOF
	// means the subscription caught up with the journal, it keeps polling
	// for new entries once Err has been drained.
	Err   chan error
	Entry chan StoredEntry

	close chan struct{}
}

// Close closes the subscription and halts polling
func (s Subscription) Close() {
	if s.close == nil {
		return
	}

	select {
	case s.close <- struct{}{}:
	default:
	}
}

// ReadAll reads the whole journal (from the offset option on) by depleting
// a subscription until it catches up
func (j *Journal) ReadAll(ctx context.Context, opts ...SubAllOpt) ([]StoredEntry, error) {
	sub, err := j.SubscribeAll(ctx, append(opts, WithPollInterval(time.Millisecond))...)
	if err != nil {
		return nil, err
	}

	defer sub.Close()

	var entries []StoredEntry

	for {
		select {
		case e := <-sub.Entry:
			entries = append(entries, e)

		case err := <-sub.Err:
			if errors.Is(err, io.EOF) {
				return entries, nil
			}

			return nil, err
		}
	}
}

// SubscribeAll creates a subscription streaming all entries in order
func (j *Journal) SubscribeAll(ctx context.Context, opts ...SubAllOpt) (Subscription, error) {
	cfg := SubAllConfig{
		offset:       0,
		batchSize:    100,
		pollInterval: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		cfg = opt(cfg)
	}

	if cfg.batchSize < 1 {
		return Subscription{}, fmt.Errorf("batch size should be at least 1")
	}

	sub := Subscription{
		Err:   make(chan error, 1),
		Entry: make(chan StoredEntry, cfg.batchSize),
		close: make(chan struct{}, 1),
	}

	go j.poll(ctx, sub, cfg)

	return sub, nil
}

func (j *Journal) poll(ctx context.Context, sub Subscription, cfg SubAllConfig) {
	var done error

	offset := uint64(cfg.offset)

	for {
		select {
		case <-sub.close:
			sub.Err <- ErrSubscriptionClosedByClient

			return
		case <-ctx.Done():
			sub.Err <- ctx.Err()

			return
		case <-time.After(cfg.pollInterval):
			// clients read every buffered entry before the error
			if len(sub.Entry) != 0 {
				break
			}

			if done != nil {
				sub.Err <- done

				return
			}

			var entries []gormEntry

			if err := j.db.
				WithContext(ctx).
				Where("sequence > ?", offset).
				Order("sequence asc").
				Limit(cfg.batchSize).
				Find(&entries).Error; err != nil {
				done = err

				break
			}

			if len(entries) == 0 {
				select {
				case sub.Err <- io.EOF:
				case <-sub.close:
					sub.Err <- ErrSubscriptionClosedByClient

					return
				case <-ctx.Done():
					sub.Err <- ctx.Err()

					return
				}

				break
			}

			offset = entries[len(entries)-1].Sequence

			decoded, err := j.decodeEntries(entries)
			if err != nil {
				j.logger.WithField("action", "journal_decode").WithError(err).Error("journal subscription stopped")

				done = err

				break
			}

			for _, e := range decoded {
				sub.Entry <- e
			}
		}
	}
}

func (j *Journal) decodeEntries(entries []gormEntry) ([]StoredEntry, error) {
	out := make([]StoredEntry, len(entries))

	for i, e := range entries {
		data, err := j.enc.Decode(&EncodedEntry{
			Data: e.Data,
			Type: e.Type,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "decode entry %d", e.Sequence)
		}

		var meta map[string]string

		if len(e.Meta) != 0 {
			if err := msgpack.Unmarshal(e.Meta, &meta); err != nil {
				return nil, errors.Wrapf(err, "decode entry %d meta", e.Sequence)
			}
		}

		out[i] = StoredEntry{
			Event:         data,
			Meta:          meta,
			ID:            e.ID,
			Sequence:      e.Sequence,
			Type:          e.Type,
			CausationID:   e.CausationID,
			CorrelationID: e.CorrelationID,
			StreamID:      e.StreamID,
			StreamVersion: e.StreamVersion,
			OccurredOn:    e.OccurredOn,
		}
	}

	return out, nil
}
