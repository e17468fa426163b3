// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package threadpool implements a leader/follower reactor over a
// selector.
//
// At any time at most one worker, the leader, waits in the selector. When
// the selector reports ready handlers, the leader takes the first one and,
// if more are ready and I/O capacity remains, promotes a follower to
// handle the rest before dispatching. A handler signals that it finished
// its I/O by calling [Current.IOCompleted]; from then on the worker counts
// as busy rather than as doing I/O, and the pool grows (up to SizeMax) when
// every worker is busy. Followers that stay idle past ThreadIdleTime
// retire while the pool is above Size.
package threadpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/bufbuild/rpcmux/internal"
	"github.com/bufbuild/rpcmux/selector"
	"github.com/rs/zerolog"
)

// ErrDestroyed is returned when work is submitted to a destroyed pool. A
// handler's Message returns it to make the dispatching worker exit.
var ErrDestroyed = errors.New("thread pool destroyed")

const defaultBufferSize = 16 * 1024

// EventHandler is dispatched by the pool when the selector reports it
// ready.
type EventHandler interface {
	selector.Handler
	// Message handles current.Operation. Implementations that may block
	// call current.IOCompleted() once their non-blocking I/O is done.
	Message(current *Current) error
	// Finished is called once, on a worker, after Finish.
	Finished(current *Current)
}

// Current is the per-worker dispatch state. It is only valid for the
// duration of a Message or Finished call.
type Current struct {
	// Handler being dispatched.
	Handler EventHandler
	// Operation the handler is ready for.
	Operation selector.Operation
	// Buffer is scratch space reused by every dispatch on this worker.
	Buffer []byte

	pool        *ThreadPool
	worker      *worker
	leader      bool
	ioCompleted bool
}

// IOCompleted tells the pool that the handler is done with I/O. Calling
// it more than once per dispatch has no effect.
func (c *Current) IOCompleted() {
	c.pool.ioCompleted(c)
}

// Pool returns the pool dispatching this handler.
func (c *Current) Pool() *ThreadPool {
	return c.pool
}

// Option configures a ThreadPool.
type Option interface {
	apply(*poolOptions)
}

type poolOptions struct {
	logger   zerolog.Logger
	clock    internal.Clock
	selector selector.Selector
	onIdle   func()
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithClock sets the clock used for follower idle timeouts.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.clock = clock
	})
}

// WithSelector overrides the selector chosen by Config.Selector. The pool
// takes ownership and closes it in JoinWithAllThreads.
func WithSelector(sel selector.Selector) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.selector = sel
	})
}

// WithIdleHandler sets the callback run when the pool has been idle for
// Config.ServerIdleTime.
func WithIdleHandler(onIdle func()) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.onIdle = onIdle
	})
}

func (o *poolOptions) applyDefaults(cfg Config) error {
	if o.clock == nil {
		o.clock = internal.NewRealClock()
	}
	if o.selector == nil {
		if cfg.Selector == selectorEpoll {
			sel, err := selector.NewEpoll()
			if err != nil {
				return err
			}
			o.selector = sel
		} else {
			o.selector = selector.New(selector.WithClock(o.clock))
		}
	}
	return nil
}

// Stats is a snapshot of the pool's counters.
type Stats struct {
	Threads int
	InUse   int
	InUseIO int
}

// ThreadPool is a leader/follower reactor.
type ThreadPool struct {
	name     string
	cfg      Config
	sizeIO   int
	logger   zerolog.Logger
	clock    internal.Clock
	selector selector.Selector
	queue    *workQueue
	onIdle   func()
	metrics  *poolMetrics
	exited   sync.WaitGroup

	mu sync.Mutex
	// +checklocks:mu
	destroyed bool
	// +checklocks:mu
	threads map[*worker]struct{}
	// +checklocks:mu
	nextID int
	// +checklocks:mu
	inUse int
	// +checklocks:mu
	inUseIO int
	// +checklocks:mu
	promote bool
	// +checklocks:mu
	ready []selector.Event
	// +checklocks:mu
	next int
	// +checklocks:mu
	followers []*worker
}

type worker struct {
	id   int
	wake chan struct{}
	done chan struct{}
}

// New starts a pool with cfg.Size workers.
func New(name string, cfg Config, opts ...Option) (*ThreadPool, error) {
	var options poolOptions
	options.logger = zerolog.Nop()
	for _, opt := range opts {
		opt.apply(&options)
	}
	logger := options.logger.With().Str("component", "threadpool").Str("pool", name).Logger()
	cfg = cfg.normalize(name, logger)
	if err := options.applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("creating selector for pool %s: %w", name, err)
	}
	pool := &ThreadPool{
		name:     name,
		cfg:      cfg,
		sizeIO:   cfg.sizeIO(),
		logger:   logger,
		clock:    options.clock,
		selector: options.selector,
		onIdle:   options.onIdle,
		threads:  map[*worker]struct{}{},
		// The first worker to look becomes the leader.
		promote: true,
	}
	pool.metrics = newPoolMetrics(pool)
	pool.queue = newWorkQueue(pool)
	if err := pool.selector.Register(pool.queue, selector.OpRead); err != nil {
		_ = pool.selector.Close()
		return nil, fmt.Errorf("registering work queue for pool %s: %w", name, err)
	}
	logger.Debug().Int("size", cfg.Size).Int("size_max", cfg.SizeMax).Int("size_io", pool.sizeIO).
		Bool("serialize", cfg.Serialize).Msg("starting thread pool")

	pool.mu.Lock()
	defer pool.mu.Unlock()
	for range cfg.Size {
		pool.spawnLocked()
	}
	return pool, nil
}

// Name returns the name given to New.
func (p *ThreadPool) Name() string {
	return p.name
}

// Config returns the normalized configuration.
func (p *ThreadPool) Config() Config {
	return p.cfg
}

// SupportsFD reports whether handlers exposing a file descriptor get
// their readiness from the kernel.
func (p *ThreadPool) SupportsFD() bool {
	return p.selector.SupportsFD()
}

// Stats returns a snapshot of the worker counters.
func (p *ThreadPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Threads: len(p.threads), InUse: p.inUse, InUseIO: p.inUseIO}
}

// Metrics returns the pool's metric set.
func (p *ThreadPool) Metrics() *metrics.Set {
	return p.metrics.set
}

// Register starts dispatching h for ops.
func (p *ThreadPool) Register(h EventHandler, ops selector.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	return p.selector.Register(h, ops)
}

// Update changes the operations h is dispatched for.
func (p *ThreadPool) Update(h EventHandler, remove, add selector.Operation) error {
	return p.selector.Update(h, remove, add)
}

// Ready marks h as ready, or no longer ready, for ops. Handlers whose
// readiness is not observed by the selector itself drive dispatch with it.
func (p *ThreadPool) Ready(h EventHandler, ops selector.Operation, ready bool) {
	p.selector.Ready(h, ops, ready)
}

// Finish stops dispatching h and schedules its Finished callback.
func (p *ThreadPool) Finish(h EventHandler) error {
	p.selector.Unregister(h)
	return p.queue.queue(func(current *Current) {
		h.Finished(current)
	})
}

// Execute runs item on a worker. The worker has already completed its
// I/O when item runs, so item may block.
func (p *ThreadPool) Execute(item func(*Current)) error {
	return p.queue.queue(item)
}

// Dispatch runs fn on a worker.
func (p *ThreadPool) Dispatch(fn func()) error {
	return p.Execute(func(*Current) { fn() })
}

// Destroy stops the pool. Queued work items still run; after that, every
// worker exits. Use JoinWithAllThreads to wait for them.
func (p *ThreadPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.queue.destroy()
	p.logger.Debug().Msg("destroying thread pool")
}

// JoinWithAllThreads waits for every worker to exit and then closes the
// selector. It must be called after Destroy and never from a worker.
func (p *ThreadPool) JoinWithAllThreads(ctx context.Context) error {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if !destroyed {
		return errors.New("thread pool must be destroyed before joining")
	}
	exited := make(chan struct{})
	go func() {
		p.exited.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		return fmt.Errorf("joining pool %s: %w", p.name, ctx.Err())
	}
	return p.selector.Close()
}

// +checklocks:p.mu
func (p *ThreadPool) spawnLocked() {
	p.nextID++
	w := &worker{
		id:   p.nextID,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	p.threads[w] = struct{}{}
	p.exited.Add(1)
	p.metrics.spawned.Inc()
	if p.nextID > p.cfg.Size {
		p.logger.Debug().Int("worker", w.id).Int("threads", len(p.threads)).Msg("growing thread pool")
	}
	go p.run(w)
}

func (p *ThreadPool) run(w *worker) {
	defer func() {
		close(w.done)
		p.metrics.exited.Inc()
		p.exited.Done()
	}()
	current := &Current{
		pool:   p,
		worker: w,
		Buffer: make([]byte, defaultBufferSize),
	}
	doSelect := false
	var events []selector.Event
	for {
		if current.Handler != nil {
			if p.dispatch(current) {
				return
			}
		} else if doSelect {
			var err error
			events, err = p.selector.Wait(p.selectTimeout())
			switch {
			case errors.Is(err, selector.ErrTimeout):
				p.serverIdle()
				continue
			case errors.Is(err, selector.ErrClosed):
				return
			case err != nil:
				p.logger.Error().Err(err).Msg("selector failure")
				continue
			}
		}

		p.mu.Lock()
		if current.Handler == nil {
			if doSelect {
				p.ready, p.next = events, 0
				events = nil
				doSelect = false
			} else if !current.leader && p.followerWait(current) {
				p.mu.Unlock()
				return
			}
		} else if p.cfg.SizeMax > 1 {
			if !current.ioCompleted {
				p.inUseIO--
			} else {
				if p.serializesLocked(current) {
					p.selector.Enable(current.Handler, current.Operation)
				}
				if p.inUse <= 0 {
					p.mu.Unlock()
					panic("threadpool: busy worker count underflow")
				}
				p.inUse--
			}
			if !current.leader && p.followerWait(current) {
				p.mu.Unlock()
				return
			}
		}

		if p.hasNextLocked() {
			ev := p.ready[p.next]
			p.ready[p.next] = selector.Event{}
			p.next++
			current.ioCompleted = false
			current.Handler = ev.Handler.(EventHandler) //nolint:forcetypeassert // only EventHandlers are registered
			current.Operation = ev.Operation
		} else {
			current.Handler = nil
			current.Operation = selector.OpNone
		}

		if current.Handler == nil {
			// Select again only once nobody is doing I/O anymore; until
			// then hand leadership to a follower.
			if p.inUseIO > 0 {
				p.promoteFollowerLocked(current)
			} else {
				p.ready, p.next = nil, 0
				doSelect = true
			}
		} else if p.cfg.SizeMax > 1 {
			p.inUseIO++
			if p.hasNextLocked() && p.inUseIO < p.sizeIO {
				p.promoteFollowerLocked(current)
			}
		}
		p.mu.Unlock()
	}
}

// dispatch calls the current handler and reports whether the worker must
// exit.
func (p *ThreadPool) dispatch(current *Current) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.handlerErrors.Inc()
			p.logger.Error().Str("handler", current.Handler.String()).Interface("panic", r).
				Msg("panic in event handler")
			exit = false
		}
	}()
	err := current.Handler.Message(current)
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDestroyed):
		return true
	default:
		p.metrics.handlerErrors.Inc()
		p.logger.Error().Err(err).Str("handler", current.Handler.String()).Msg("event handler failed")
		return false
	}
}

func (p *ThreadPool) ioCompleted(current *Current) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current.ioCompleted {
		return
	}
	current.ioCompleted = true
	if p.cfg.SizeMax <= 1 {
		return
	}
	p.inUseIO--
	if p.serializesLocked(current) {
		p.selector.Disable(current.Handler, current.Operation)
	}
	if current.leader {
		p.promoteFollowerLocked(current)
	} else if p.promote && (p.hasNextLocked() || p.inUseIO == 0) {
		p.notifyFollowerLocked()
	}
	p.inUse++
	if p.inUse == p.cfg.SizeWarn {
		p.logger.Warn().Int("in_use", p.inUse).Int("size", len(p.threads)).Int("size_max", p.cfg.SizeMax).
			Msg("thread pool is running low on workers")
	}
	if !p.destroyed && p.inUse < p.cfg.SizeMax && p.inUse == len(p.threads) {
		p.spawnLocked()
	}
}

// +checklocks:p.mu
func (p *ThreadPool) promoteFollowerLocked(current *Current) {
	if p.promote || !current.leader {
		panic("threadpool: promoting a follower without holding leadership")
	}
	p.promote = true
	if p.inUseIO < p.sizeIO && (p.hasNextLocked() || p.inUseIO == 0) {
		p.notifyFollowerLocked()
	}
	current.leader = false
}

// followerWait parks the worker until it is promoted to leader. It
// reports true when the worker timed out and retired instead.
//
// +checklocks:p.mu
func (p *ThreadPool) followerWait(current *Current) bool {
	current.Handler = nil
	current.Operation = selector.OpNone
	for !p.promotableLocked() {
		if !p.waitLocked(current.worker) {
			continue
		}
		if !p.destroyed && len(p.threads) > p.cfg.Size && !p.promotableLocked() {
			w := current.worker
			delete(p.threads, w)
			p.logger.Debug().Int("worker", w.id).Int("threads", len(p.threads)).Msg("shrinking thread pool")
			// Another worker observes the exit.
			_ = p.queue.queue(func(*Current) {
				<-w.done
			})
			return true
		}
	}
	current.leader = true
	p.promote = false
	return false
}

// +checklocks:p.mu
func (p *ThreadPool) promotableLocked() bool {
	return p.promote && p.inUseIO < p.sizeIO && (p.hasNextLocked() || p.inUseIO == 0)
}

// waitLocked releases the pool mutex until the worker is notified or its
// idle time elapses. It reports whether the wait timed out.
//
// +checklocks:p.mu
func (p *ThreadPool) waitLocked(w *worker) bool {
	p.followers = append(p.followers, w)
	p.mu.Unlock()
	var (
		timer   internal.Timer
		expired <-chan time.Time
	)
	if p.cfg.ThreadIdleTime > 0 {
		timer = p.clock.NewTimer(p.cfg.ThreadIdleTime)
		expired = timer.Chan()
	}
	select {
	case <-w.wake:
	case <-expired:
	}
	if timer != nil {
		timer.Stop()
	}
	p.mu.Lock()
	for i, follower := range p.followers {
		if follower == w {
			// Still queued, so nobody notified us.
			p.followers = append(p.followers[:i:i], p.followers[i+1:]...)
			return true
		}
	}
	// Notified, possibly racing with the timer.
	select {
	case <-w.wake:
	default:
	}
	return false
}

// +checklocks:p.mu
func (p *ThreadPool) notifyFollowerLocked() {
	if len(p.followers) == 0 {
		return
	}
	w := p.followers[0]
	p.followers[0] = nil
	p.followers = p.followers[1:]
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// +checklocks:p.mu
func (p *ThreadPool) hasNextLocked() bool {
	return p.next < len(p.ready)
}

// serializesLocked reports whether the handler of current is disabled
// while it is dispatched. The work queue never is: its items are
// independent and may wait on each other.
//
// +checklocks:p.mu
func (p *ThreadPool) serializesLocked(current *Current) bool {
	return p.cfg.Serialize && !p.destroyed && current.Handler != EventHandler(p.queue)
}

func (p *ThreadPool) selectTimeout() time.Duration {
	if p.onIdle == nil {
		return 0
	}
	return p.cfg.ServerIdleTime
}

func (p *ThreadPool) serverIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.inUse != 0 || p.onIdle == nil {
		return
	}
	p.logger.Debug().Dur("server_idle_time", p.cfg.ServerIdleTime).Msg("thread pool idle")
	_ = p.queue.queue(func(*Current) {
		p.onIdle()
	})
}
