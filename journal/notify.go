package journal

import (
	"context"
	"sync"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NotifyTopicPrefix prefixes the subject of a notification turned into a
// sample, matching the topics of a recording's notify store
const NotifyTopicPrefix = "notify."

// NotificationRecorded is the journal event of an observed notification
type NotificationRecorded struct {
	Subject   string            `msgpack:"subject"`
	Timestamp float64           `msgpack:"timestamp"`
	Fields    pldata.Serialized `msgpack:"fields"`
}

// Sample returns the notification as a notify store sample
func (n NotificationRecorded) Sample() pldata.Sample {
	return pldata.Sample{
		Topic:     NotifyTopicPrefix + n.Subject,
		Timestamp: n.Timestamp,
		Payload:   n.Fields,
	}
}

// Notification decodes the recorded fields back into a notification
func (n NotificationRecorded) Notification() (gazepipe.Notification, error) {
	fields, err := n.Fields.Map()
	if err != nil {
		return gazepipe.Notification{}, err
	}

	return gazepipe.Notification{
		Subject:   n.Subject,
		Timestamp: n.Timestamp,
		Fields:    fields,
	}, nil
}

// Recorder is an observer appending every notification to a journal
// stream. Notify cannot fail, the first append error is kept and
// returned by Err.
type Recorder struct {
	ctx     context.Context
	journal *Journal
	stream  string
	logger  logrus.FieldLogger

	mu      sync.Mutex
	version int
	err     error
}

var _ gazepipe.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder appending to the end of stream
func NewRecorder(ctx context.Context, j *Journal, stream string, logger logrus.FieldLogger) (*Recorder, error) {
	version, err := j.StreamVersion(ctx, stream)
	if err != nil {
		return nil, errors.Wrapf(err, "stream %s version", stream)
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Recorder{
		ctx:     ctx,
		journal: j,
		stream:  stream,
		logger:  logger,
		version: version,
	}, nil
}

// Notify appends n to the stream
func (r *Recorder) Notify(n gazepipe.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return
	}

	err := r.append(n)
	if err != nil {
		r.logger.WithField("action", "journal_append").
			WithField("subject", n.Subject).
			WithError(err).
			Error("notification not journaled")

		r.err = err

		return
	}

	r.version++
}

func (r *Recorder) append(n gazepipe.Notification) error {
	rec, err := newNotificationRecorded(n)
	if err != nil {
		return err
	}

	return r.journal.AppendStream(r.ctx, r.stream, r.version, Entries(rec))
}

func newNotificationRecorded(n gazepipe.Notification) (NotificationRecorded, error) {
	fields, err := pldata.Serialize(n.Fields)
	if err != nil {
		return NotificationRecorded{}, errors.Wrapf(err, "serialize %s notification", n.Subject)
	}

	return NotificationRecorded{
		Subject:   n.Subject,
		Timestamp: n.Timestamp,
		Fields:    fields,
	}, nil
}

// Err returns the first error encountered while journaling
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// MemoryLog is an observer keeping notifications in memory as notify
// store samples
type MemoryLog struct {
	mu      sync.Mutex
	samples []pldata.Sample
	err     error
}

var _ gazepipe.Observer = (*MemoryLog)(nil)

// Notify appends n to the log
func (l *MemoryLog) Notify(n gazepipe.Notification) {
	rec, err := newNotificationRecorded(n)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		if l.err == nil {
			l.err = err
		}

		return
	}

	l.samples = append(l.samples, rec.Sample())
}

// Samples returns the logged notifications in order
func (l *MemoryLog) Samples() []pldata.Sample {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]pldata.Sample(nil), l.samples...)
}

// Err returns the first notification that could not be serialized
func (l *MemoryLog) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

// Samples turns the notifications among entries into notify store samples,
// keeping their order. Other entries are skipped.
func Samples(entries []StoredEntry) []pldata.Sample {
	var out []pldata.Sample

	for _, e := range entries {
		if n, ok := e.Event.(NotificationRecorded); ok {
			out = append(out, n.Sample())
		}
	}

	return out
}

// ReadNotifications reads the notifications journaled in stream as notify
// store samples
func ReadNotifications(ctx context.Context, j *Journal, stream string) ([]pldata.Sample, error) {
	entries, err := j.ReadStream(ctx, stream)
	if err != nil {
		return nil, err
	}

	return Samples(entries), nil
}

// ExportNotifications writes the notifications of stream into a new pldata
// store name inside dir and returns how many were written
func ExportNotifications(ctx context.Context, j *Journal, stream, dir, name string, opts ...pldata.Option) (int, error) {
	samples, err := ReadNotifications(ctx, j, stream)
	if err != nil {
		return 0, err
	}

	if err := pldata.WriteAll(dir, name, samples, opts...); err != nil {
		return 0, err
	}

	return len(samples), nil
}

// NotificationProjection forwards journaled notifications to obs
func NotificationProjection(obs gazepipe.Observer) Projection {
	return func(e StoredEntry) error {
		rec, ok := e.Event.(NotificationRecorded)
		if !ok {
			return nil
		}

		n, err := rec.Notification()
		if err != nil {
			return errors.Wrapf(err, "entry %d", e.Sequence)
		}

		obs.Notify(n)

		return nil
	}
}
