package journal

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Streamer represents an entry stream that can be subscribed to.
// Journal is the Streamer implementation of this package.
type Streamer interface {
	SubscribeAll(context.Context, ...SubAllOpt) (Subscription, error)
}

// NewProjector constructs a Projector
func NewProjector(s Streamer, logger logrus.FieldLogger) *Projector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Projector{
		streamer:   s,
		logger:     logger,
		retryDelay: 100 * time.Millisecond,
	}
}

// Projector subscribes to a journal and feeds every entry to each
// registered projection concurrently
type Projector struct {
	streamer    Streamer
	projections []Projection
	logger      logrus.FieldLogger
	retryDelay  time.Duration
}

// Projection handles projected entries
type Projection func(StoredEntry) error

// Add registers projections with the projector. All projections need to
// be added before calling Run.
func (p *Projector) Add(projections ...Projection) {
	p.projections = append(p.projections, projections...)
}

// Run projects entries until ctx is done or every subscription is closed.
// A projection that fails is resubscribed after the last entry it handled.
func (p *Projector) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i, projection := range p.projections {
		wg.Add(1)

		go func(i int, projection Projection) {
			defer wg.Done()

			var offset uint64

			for {
				sub, err := p.streamer.SubscribeAll(ctx, WithOffset(int(offset)))
				if err != nil {
					p.logErr(i, err)

					return
				}

				err = p.run(ctx, sub, projection, &offset)

				sub.Close()

				if err == nil {
					return
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(p.retryDelay):
				}
			}
		}(i, projection)
	}

	wg.Wait()

	return nil
}

func (p *Projector) run(ctx context.Context, sub Subscription, projection Projection, offset *uint64) error {
	for {
		select {
		case e := <-sub.Entry:
			if err := projection(e); err != nil {
				p.logger.WithField("action", "projection_failed").
					WithField("sequence", e.Sequence).
					WithError(err).
					Warn("projection failed, resubscribing")

				return err
			}

			*offset = e.Sequence

		case err := <-sub.Err:
			switch {
			case err == nil, errors.Is(err, io.EOF):
			case errors.Is(err, ErrSubscriptionClosedByClient):
				return nil
			default:
				p.logger.WithField("action", "subscription_error").WithError(err).Warn("journal subscription error")
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Projector) logErr(i int, err error) {
	p.logger.WithField("action", "projector_stopped").
		WithField("projection", i).
		WithError(err).
		Error("projector stopped")
}
