// Package cache adapts response lookups to core.Cache. It stores nothing
// itself: a Store answers lookups and the adapters decide on which goroutine
// the continuation runs.
package cache

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/svcfields"
)

var (
	// ErrBusy is returned when the deferred queue is full.
	ErrBusy = errors.New("cache: lookup queue full")
	// ErrClosed is returned once the worker pool has stopped.
	ErrClosed = errors.New("cache: closed")
)

// Store answers cache lookups. A nil response is a miss.
type Store interface {
	Lookup(req *core.Request) *core.Response
}

// StoreFunc adapts a function to Store.
type StoreFunc func(req *core.Request) *core.Response

func (f StoreFunc) Lookup(req *core.Request) *core.Response { return f(req) }

// Passthrough answers on the calling goroutine. A nil store always misses.
type Passthrough struct {
	Store Store
}

// LookupOrRegister implements core.Cache.
func (c Passthrough) LookupOrRegister(req *core.Request, done core.CacheCallback) error {
	var hit *core.Response
	if c.Store != nil {
		hit = c.Store.Lookup(req)
	}
	done(req, hit)
	return nil
}

type job struct {
	req  *core.Request
	done core.CacheCallback
}

// Deferred answers lookups on a bounded pool of worker goroutines.
type Deferred struct {
	store  Store
	logger pslog.Logger
	jobs   chan job

	mu      sync.RWMutex
	stopped bool
}

// NewDeferred returns a pool with room for queue pending lookups.
func NewDeferred(store Store, queue int, logger pslog.Logger) *Deferred {
	if queue <= 0 {
		queue = 1
	}
	if store == nil {
		store = StoreFunc(func(*core.Request) *core.Response { return nil })
	}
	return &Deferred{
		store:  store,
		logger: svcfields.WithSubsystem(logger, "relay.cache"),
		jobs:   make(chan job, queue),
	}
}

// Run serves lookups with workers goroutines until ctx ends. Lookups still
// queued at that point are answered as misses.
func (d *Deferred) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-d.jobs:
					j.done(j.req, d.store.Lookup(j.req))
				}
			}
		})
	}
	err := g.Wait()
	d.mu.Lock()
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()
	drained := 0
	for j := range d.jobs {
		j.done(j.req, nil)
		drained++
	}
	if drained > 0 {
		d.logger.Debug("relayd.cache.drained", "lookups", drained)
	}
	return err
}

// LookupOrRegister implements core.Cache. done runs on a worker goroutine.
func (d *Deferred) LookupOrRegister(req *core.Request, done core.CacheCallback) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrClosed
	}
	select {
	case d.jobs <- job{req: req, done: done}:
		return nil
	default:
		return ErrBusy
	}
}
