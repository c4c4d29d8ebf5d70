package docfs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/wolfeidau/appvault/telemetry"
)

const (
	// DefaultPollInterval is how often a loading listing is checked.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultLoadTimeout bounds the wait for a listing to load.
	DefaultLoadTimeout = 2 * time.Minute
)

// Lister lists children of directories whose provider may still be loading
// them, waiting a bounded time for the provider to finish.
type Lister struct {
	poll    time.Duration
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

// ListerOption configures a Lister.
type ListerOption func(*Lister)

// WithPollInterval sets the wait granularity.
func WithPollInterval(d time.Duration) ListerOption {
	return func(l *Lister) {
		l.poll = d
	}
}

// WithTimeout sets the upper bound of the wait.
func WithTimeout(d time.Duration) ListerOption {
	return func(l *Lister) {
		l.timeout = d
	}
}

// WithClock sets the clock used to pace the wait.
func WithClock(c clock.Clock) ListerOption {
	return func(l *Lister) {
		l.clock = c
	}
}

// WithListerLogger sets the logger.
func WithListerLogger(logger *slog.Logger) ListerOption {
	return func(l *Lister) {
		l.logger = logger
	}
}

// NewLister creates a Lister with the given options.
func NewLister(opts ...ListerOption) *Lister {
	l := &Lister{
		poll:    DefaultPollInterval,
		timeout: DefaultLoadTimeout,
		clock:   clock.WallClock,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var defaultLister = sync.OnceValue(func() *Lister { return NewLister() })

// ListChildrenBlocking lists dir with the default Lister.
func ListChildrenBlocking(ctx context.Context, dir Document) ([]Document, error) {
	return defaultLister().List(ctx, dir)
}

// FindFileBlocking finds a child of dir with the default Lister.
func FindFileBlocking(ctx context.Context, dir Document, name string) Document {
	return defaultLister().Find(ctx, dir, name)
}

// List returns the children of dir. If the provider reports the listing as
// still loading, List subscribes once for a change, waits until notified or
// the timeout elapses, and queries once more. A timeout is not an error; the
// second result is returned as is.
func (l *Lister) List(ctx context.Context, dir Document) ([]Document, error) {
	listing, err := dir.ListChildren(ctx)
	if err != nil {
		return nil, err
	}
	if !listing.Loading {
		return listing.Entries, nil
	}

	l.logger.Debug("waiting for children to load", "dir", dir.Name())

	if listing.Changes != nil {
		// A change fired between the first query and this subscription is
		// missed and List waits for the timeout. Accepted; a third query
		// does not close the window either.
		loaded := make(chan struct{})
		var once sync.Once
		cancel := listing.Changes.SubscribeOnce(func() {
			once.Do(func() { close(loaded) })
		})

		start := l.clock.Now()
		outcome := l.wait(ctx, loaded)
		cancel()

		telemetry.RecordListingWait(ctx, outcome, l.clock.Now().Sub(start))
		switch outcome {
		case "timeout":
			l.logger.Warn("timed out while waiting for children to load", "dir", dir.Name(), "timeout", l.timeout)
		case "canceled":
			return nil, ctx.Err()
		default:
			l.logger.Debug("children loaded", "dir", dir.Name())
		}
	} else {
		l.logger.Warn("loading listing without change notifier", "dir", dir.Name())
	}

	listing, err = dir.ListChildren(ctx)
	if err != nil {
		return nil, err
	}
	return listing.Entries, nil
}

// wait blocks in poll steps until loaded is closed, ctx is done or the
// timeout elapses.
func (l *Lister) wait(ctx context.Context, loaded <-chan struct{}) string {
	deadline := l.clock.Now().Add(l.timeout)
	for {
		select {
		case <-loaded:
			return "loaded"
		case <-ctx.Done():
			return "canceled"
		case <-l.clock.After(l.poll):
		}
		if !l.clock.Now().Before(deadline) {
			select {
			case <-loaded:
				return "loaded"
			default:
				return "timeout"
			}
		}
	}
}

// Find returns the first child of dir named name, or nil. Listing errors are
// logged and treated as absence.
func (l *Lister) Find(ctx context.Context, dir Document, name string) Document {
	children, err := l.List(ctx, dir)
	if err != nil {
		l.logger.Error("error finding file", "dir", dir.Name(), "name", name, "error", err)
		return nil
	}
	for _, child := range children {
		if child.Name() == name {
			return child
		}
	}
	return nil
}
