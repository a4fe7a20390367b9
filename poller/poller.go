// Package poller contains a polling loop that repeatedly fetches items from
// a source and calls a function once for each item it has not seen before.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultBlockInterval is the interval between micro blocks used when no
// block interval is configured.
const DefaultBlockInterval = 3 * time.Second

// Item is an item returned by a Fetcher, identified by its id.
type Item interface {
	ItemID() string
}

// Fetcher fetches the current items of a source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]Item, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context) ([]Item, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]Item, error) {
	return f(ctx)
}

// Options configure a Poller.
type Options struct {
	// Interval is the time slept between fetches. Defaults to a third of
	// BlockInterval.
	Interval time.Duration
	// BlockInterval is the interval between micro blocks of the node.
	// Defaults to DefaultBlockInterval.
	BlockInterval time.Duration
	// Predicate filters the items passed to the callback. Items rejected are
	// not marked seen and are tested again on the next fetch. Optional.
	Predicate func(Item) bool
	// OnError is called with the error of a failed fetch. Optional.
	OnError func(error)
	// Logger defaults to logrus.StandardLogger.
	Logger logrus.FieldLogger
}

// Poller is a running polling loop.
//
// Stopping is cooperative: Stop sets a flag that the loop checks at the top
// of each iteration, so a fetch or sleep in progress when Stop is called
// completes before the loop exits.
type Poller struct {
	fetcher   Fetcher
	onItem    func(context.Context, Item)
	interval  time.Duration
	predicate func(Item) bool
	onError   func(error)
	logger    logrus.FieldLogger

	done chan struct{}

	// mu is a lock for the mutable fields of this type.
	mu sync.Mutex

	stopped bool
	seen    map[string]bool
}

// Start starts polling fetcher, calling onItem with each item not seen
// before that the predicate accepts. Accepted items are marked seen before
// onItem is called, so an item is passed to onItem at most once for the
// lifetime of the poller. onItem runs on the polling goroutine.
func Start(ctx context.Context, fetcher Fetcher, onItem func(context.Context, Item), opts Options) *Poller {
	blockInterval := opts.BlockInterval
	if blockInterval <= 0 {
		blockInterval = DefaultBlockInterval
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = blockInterval / 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Poller{
		fetcher:   fetcher,
		onItem:    onItem,
		interval:  interval,
		predicate: opts.Predicate,
		onError:   opts.OnError,
		logger:    logger,
		done:      make(chan struct{}),
		seen:      map[string]bool{},
	}
	go p.loop(ctx)
	return p
}

// Interval returns the interval slept between fetches.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Stop requests the loop to stop. It does not wait for the loop to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// Wait waits for the loop to exit.
func (p *Poller) Wait() {
	<-p.done
}

// Done returns a channel closed when the loop has exited.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) isStopped(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped || ctx.Err() != nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	for !p.isStopped(ctx) {
		p.poll(ctx)
		time.Sleep(p.interval)
	}
	p.logger.Debug("poller stopped")
}

func (p *Poller) poll(ctx context.Context) {
	items, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.logger.WithError(err).Warn("polling")
		if p.onError != nil {
			p.onError(err)
		}
		return
	}
	for _, item := range items {
		id := item.ItemID()
		if p.isSeen(id) {
			continue
		}
		if p.predicate != nil && !p.predicate(item) {
			continue
		}
		p.markSeen(id)
		p.onItem(ctx, item)
	}
}

func (p *Poller) isSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[id]
}

func (p *Poller) markSeen(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[id] = true
}
