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

package rpcmux

import (
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/bufbuild/rpcmux/internal"
	"github.com/bufbuild/rpcmux/outgoing"
	"github.com/bufbuild/rpcmux/threadpool"
	"github.com/rs/zerolog"
)

// RetryPolicy decides whether a request that was not sent is tried again.
// attempt counts from zero. It returns the delay before the next attempt,
// or false to fail the invocation with err.
type RetryPolicy func(attempt int, err error) (time.Duration, bool)

// IntervalRetryPolicy retries once per interval, waiting that long first.
// A negative interval stops retrying at that point.
func IntervalRetryPolicy(intervals ...time.Duration) RetryPolicy {
	intervals = append([]time.Duration(nil), intervals...)
	return func(attempt int, _ error) (time.Duration, bool) {
		if attempt >= len(intervals) || intervals[attempt] < 0 {
			return 0, false
		}
		return intervals[attempt], true
	}
}

// retryQueue resubmits invocations after the delay chosen by the policy.
type retryQueue struct {
	pool    *threadpool.ThreadPool
	clock   internal.Clock
	policy  RetryPolicy
	logger  zerolog.Logger
	retried *metrics.Counter
	gaveUp  *metrics.Counter

	mu sync.Mutex
	// +checklocks:mu
	destroyed bool
	// +checklocks:mu
	tasks map[*Invocation]internal.Timer
}

func newRetryQueue(
	pool *threadpool.ThreadPool,
	clock internal.Clock,
	policy RetryPolicy,
	logger zerolog.Logger,
	set *metrics.Set,
) *retryQueue {
	return &retryQueue{
		pool:    pool,
		clock:   clock,
		policy:  policy,
		logger:  logger.With().Str("component", "retry").Logger(),
		retried: set.NewCounter("rpcmux_invocation_retries_total"),
		gaveUp:  set.NewCounter("rpcmux_invocation_retries_exhausted_total"),
		tasks:   map[*Invocation]internal.Timer{},
	}
}

func (q *retryQueue) add(inv *Invocation, err error) {
	if inv.isCompleted() {
		return
	}
	attempt := inv.nextAttempt()
	delay, ok := q.policy(attempt, err)
	if !ok {
		q.gaveUp.Inc()
		inv.completed(err)
		return
	}
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		inv.completed(outgoing.ErrCommunicatorDestroyed)
		return
	}
	q.retried.Inc()
	q.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying invocation")
	if !inv.setCanceler(q) {
		q.mu.Unlock()
		return
	}
	// The timer callback takes q.mu, so it cannot run before the task is
	// recorded.
	q.tasks[inv] = q.clock.AfterFunc(delay, func() {
		q.run(inv)
	})
	q.mu.Unlock()
}

func (q *retryQueue) run(inv *Invocation) {
	q.mu.Lock()
	_, ok := q.tasks[inv]
	delete(q.tasks, inv)
	q.mu.Unlock()
	if !ok {
		return
	}
	if err := q.pool.Dispatch(inv.send); err != nil {
		inv.completed(err)
	}
}

func (q *retryQueue) requestCanceled(inv *Invocation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.tasks[inv]; ok {
		timer.Stop()
		delete(q.tasks, inv)
	}
}

// destroy fails every invocation still waiting to be retried.
func (q *retryQueue) destroy() {
	q.mu.Lock()
	q.destroyed = true
	tasks := q.tasks
	q.tasks = map[*Invocation]internal.Timer{}
	q.mu.Unlock()
	for inv, timer := range tasks {
		timer.Stop()
		inv.completed(outgoing.ErrCommunicatorDestroyed)
	}
}

func (q *retryQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
