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

package threadpool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/rpcmux/config"
	"github.com/bufbuild/rpcmux/internal/clocktest"
	"github.com/bufbuild/rpcmux/selector"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	t.Parallel()
	for _, sizeMax := range []int{1, 4} {
		pool := newTestPool(t, Config{Size: 1, SizeMax: sizeMax})
		var (
			wg    sync.WaitGroup
			count atomic.Int32
		)
		for range 100 {
			wg.Add(1)
			require.NoError(t, pool.Execute(func(*Current) {
				defer wg.Done()
				count.Add(1)
			}))
		}
		waitGroup(t, &wg)
		assert.Equal(t, int32(100), count.Load())
	}
}

func TestGrowAndShrink(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	clock := clocktest.NewFakeClock()
	pool := newTestPool(t, Config{Size: 1, SizeMax: 4, ThreadIdleTime: 10 * time.Second}, WithClock(clock))
	require.Equal(t, 1, pool.Stats().Threads)

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	var finished sync.WaitGroup
	for range 6 {
		finished.Add(1)
		require.NoError(t, pool.Execute(func(*Current) {
			defer finished.Done()
			started <- struct{}{}
			<-release
		}))
	}
	for range 4 {
		select {
		case <-started:
		case <-ctx.Done():
			t.Fatalf("only some blocking items started: %+v", pool.Stats())
		}
	}
	// Saturated: the remaining items wait for a free worker.
	select {
	case <-started:
		t.Fatal("more items running than the maximum pool size")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, Stats{Threads: 4, InUse: 4, InUseIO: 0}, pool.Stats())

	close(release)
	waitGroup(t, &finished)
	require.Eventually(t, func() bool {
		return pool.Stats().InUse == 0
	}, time.Second, time.Millisecond)

	// One leader waits in the selector, the other three are idle
	// followers holding timers.
	require.NoError(t, clock.BlockUntilContext(ctx, 3))
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return pool.Stats().Threads == 1
	}, time.Second, time.Millisecond)

	// Still functional after shrinking.
	done := make(chan struct{})
	require.NoError(t, pool.Execute(func(*Current) { close(done) }))
	waitChan(t, done)
}

func TestShrinkStopsAtSize(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	clock := clocktest.NewFakeClock()
	pool := newTestPool(t, Config{Size: 3, SizeMax: 3, ThreadIdleTime: time.Second}, WithClock(clock))

	// Two followers wait; timing out at Size keeps them around.
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	clock.Advance(time.Second)
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	assert.Equal(t, 3, pool.Stats().Threads)
}

func TestAtMostOneWaiterInSelector(t *testing.T) {
	t.Parallel()
	sel := &countingSelector{Selector: selector.New()}
	pool := newTestPool(t, Config{Size: 4, SizeMax: 8}, WithSelector(sel))

	// Handlers that never call IOCompleted and stay ready for several
	// dispatches, mixed with blocking work items.
	var handlers []*repeatingHandler
	for i := range 8 {
		h := newRepeatingHandler(pool, i, 20)
		handlers = append(handlers, h)
		require.NoError(t, pool.Register(h, selector.OpRead))
		pool.Ready(h, selector.OpRead, true)
	}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		require.NoError(t, pool.Execute(func(*Current) {
			defer wg.Done()
			time.Sleep(time.Millisecond)
		}))
	}
	waitGroup(t, &wg)
	for _, h := range handlers {
		waitChan(t, h.done)
	}
	assert.Equal(t, int32(1), sel.maxWaiters.Load())
}

func TestSerialize(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, Config{Size: 4, SizeMax: 4, Serialize: true})
	h := &serialCheckHandler{pool: pool, remaining: 30, done: make(chan struct{})}
	require.NoError(t, pool.Register(h, selector.OpRead))
	pool.Ready(h, selector.OpRead, true)
	waitChan(t, h.done)
	assert.Equal(t, int32(1), h.maxActive.Load())
}

func TestSerializeLeavesWorkItemsConcurrent(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, Config{Size: 4, SizeMax: 4, Serialize: true})
	unblocked := make(chan struct{})
	first := make(chan bool, 1)
	require.NoError(t, pool.Execute(func(*Current) {
		select {
		case <-unblocked:
			first <- true
		case <-time.After(2 * time.Second):
			first <- false
		}
	}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Execute(func(*Current) {
		close(unblocked)
	}))
	assert.True(t, <-first, "second work item did not run while the first was waiting")
}

func TestFinish(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, Config{Size: 2, SizeMax: 2})
	h := newRepeatingHandler(pool, 0, 1)
	require.NoError(t, pool.Register(h, selector.OpRead))
	require.NoError(t, pool.Finish(h))
	waitChan(t, h.finished)
	// Unregistered: readiness no longer dispatches it.
	pool.Ready(h, selector.OpRead, true)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, h.dispatched.Load())
}

func TestHandlerFailuresAreContained(t *testing.T) {
	t.Parallel()
	var logs syncBuffer
	pool := newTestPool(t, Config{Size: 1}, WithLogger(zerolog.New(&logs)))
	require.NoError(t, pool.Execute(func(*Current) {
		panic("boom")
	}))
	h := &failingHandler{}
	require.NoError(t, pool.Register(h, selector.OpRead))
	pool.Ready(h, selector.OpRead, true)

	done := make(chan struct{})
	require.NoError(t, pool.Execute(func(*Current) {
		pool.Ready(h, selector.OpRead, false)
		close(done)
	}))
	waitChan(t, done)
	require.Eventually(t, func() bool {
		out := logs.String()
		return bytes.Contains([]byte(out), []byte("panic in event handler")) &&
			bytes.Contains([]byte(out), []byte("event handler failed"))
	}, time.Second, time.Millisecond)
}

func TestSizeWarn(t *testing.T) {
	t.Parallel()
	var logs syncBuffer
	pool := newTestPool(t, Config{Size: 1, SizeMax: 3, SizeWarn: 2}, WithLogger(zerolog.New(&logs)))
	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		require.NoError(t, pool.Execute(func(*Current) {
			defer wg.Done()
			<-release
		}))
	}
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("running low on workers"))
	}, time.Second, time.Millisecond)
	close(release)
	waitGroup(t, &wg)
}

func TestServerIdle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := clocktest.NewFakeClock()
	idle := make(chan struct{}, 1)
	newTestPool(t, Config{Size: 1, SizeMax: 2, ServerIdleTime: time.Minute}, WithClock(clock), WithIdleHandler(func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	}))
	// The leader's selector wait is the only timer.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	select {
	case <-idle:
		t.Fatal("idle callback ran before the idle time elapsed")
	default:
	}
	clock.Advance(time.Minute)
	waitChan(t, idle)
}

func TestDestroy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	pool, err := New("destroy", Config{Size: 3, SizeMax: 5})
	require.NoError(t, err)
	require.Error(t, pool.JoinWithAllThreads(ctx))

	var ran atomic.Int32
	for range 10 {
		require.NoError(t, pool.Execute(func(*Current) { ran.Add(1) }))
	}
	pool.Destroy()
	pool.Destroy()
	require.ErrorIs(t, pool.Execute(func(*Current) {}), ErrDestroyed)
	require.ErrorIs(t, pool.Register(&failingHandler{}, selector.OpRead), ErrDestroyed)
	require.NoError(t, pool.JoinWithAllThreads(ctx))
	assert.Equal(t, int32(10), ran.Load())

	var out bytes.Buffer
	pool.Metrics().WritePrometheus(&out)
	assert.Contains(t, out.String(), `rpcmux_threadpool_work_items_total{pool="destroy"} 10`)
}

func TestConfigNormalize(t *testing.T) {
	t.Parallel()
	logger := zerolog.Nop()
	cfg := Config{Size: -2, SizeMax: 0, ThreadIdleTime: -time.Second}.normalize("p", logger)
	assert.Equal(t, 1, cfg.Size)
	assert.Equal(t, 1, cfg.SizeMax)
	assert.Zero(t, cfg.ThreadIdleTime)

	cfg = Config{Size: 4, SizeMax: 2, SizeWarn: 1}.normalize("p", logger)
	assert.Equal(t, 4, cfg.SizeMax)
	assert.Equal(t, 4, cfg.SizeWarn)

	cfg = Config{Size: 2, SizeMax: 6, SizeWarn: 9}.normalize("p", logger)
	assert.Equal(t, 6, cfg.SizeWarn)

	cfg = Config{Size: 1, SizeMax: -1}.normalize("p", logger)
	assert.GreaterOrEqual(t, cfg.SizeMax, 1)
	assert.LessOrEqual(t, cfg.sizeIO(), cfg.SizeMax)
}

func TestConfigFromProperties(t *testing.T) {
	t.Parallel()
	props := config.New()
	props.Set("ThreadPool.Client.Size", 2)
	props.Set("ThreadPool.Client.SizeMax", "5")
	props.Set("ThreadPool.Client.Serialize", "1")
	props.Set("ThreadPool.Client.ThreadIdleTime", 5)
	props.Set("ThreadPool.Client.ServerIdleTime", "250ms")
	cfg, err := ConfigFromProperties(props, "ThreadPool.Client")
	require.NoError(t, err)
	assert.Equal(t, Config{
		Size:           2,
		SizeMax:        5,
		Serialize:      true,
		ThreadIdleTime: 5 * time.Second,
		ServerIdleTime: 250 * time.Millisecond,
	}, cfg)

	cfg, err = ConfigFromProperties(props, "ThreadPool.Server")
	require.NoError(t, err)
	assert.Equal(t, Config{Size: 1, SizeMax: 1, ThreadIdleTime: defaultThreadIdleTime}, cfg)

	props.Set("ThreadPool.Server.ThreadIdleTime", "later")
	_, err = ConfigFromProperties(props, "ThreadPool.Server")
	require.Error(t, err)
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) *ThreadPool {
	t.Helper()
	pool, err := New(t.Name(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Destroy()
		assert.NoError(t, pool.JoinWithAllThreads(ctx))
	})
	return pool
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitChan(t, done)
}

func waitChan(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

type countingSelector struct {
	selector.Selector
	waiters    atomic.Int32
	maxWaiters atomic.Int32
}

func (s *countingSelector) Wait(timeout time.Duration) ([]selector.Event, error) {
	n := s.waiters.Add(1)
	defer s.waiters.Add(-1)
	for {
		highest := s.maxWaiters.Load()
		if n <= highest || s.maxWaiters.CompareAndSwap(highest, n) {
			break
		}
	}
	return s.Selector.Wait(timeout)
}

type repeatingHandler struct {
	pool       *ThreadPool
	id         int
	remaining  atomic.Int32
	dispatched atomic.Int32
	done       chan struct{}
	finished   chan struct{}
	doneOnce   sync.Once
}

func newRepeatingHandler(pool *ThreadPool, id int, dispatches int32) *repeatingHandler {
	h := &repeatingHandler{
		pool:     pool,
		id:       id,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	h.remaining.Store(dispatches)
	return h
}

func (h *repeatingHandler) String() string { return "repeating" }

func (h *repeatingHandler) Message(*Current) error {
	h.dispatched.Add(1)
	if h.remaining.Add(-1) <= 0 {
		h.pool.Ready(h, selector.OpRead, false)
		h.doneOnce.Do(func() { close(h.done) })
	}
	return nil
}

func (h *repeatingHandler) Finished(*Current) { close(h.finished) }

type serialCheckHandler struct {
	pool      *ThreadPool
	active    atomic.Int32
	maxActive atomic.Int32
	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

func (h *serialCheckHandler) String() string { return "serial" }

func (h *serialCheckHandler) Message(current *Current) error {
	n := h.active.Add(1)
	defer h.active.Add(-1)
	if n > h.maxActive.Load() {
		h.maxActive.Store(n)
	}
	current.IOCompleted()
	time.Sleep(time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remaining--
	if h.remaining == 0 {
		h.pool.Ready(h, selector.OpRead, false)
		close(h.done)
	}
	return nil
}

func (h *serialCheckHandler) Finished(*Current) {}

type failingHandler struct{}

func (h *failingHandler) String() string { return "failing" }

func (h *failingHandler) Message(current *Current) error {
	current.IOCompleted()
	return errors.New("handler failure")
}

func (h *failingHandler) Finished(*Current) {}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
