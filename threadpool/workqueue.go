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
	"sync"

	"github.com/bufbuild/rpcmux/selector"
)

// workQueue is the pool's own event handler. It is ready for reading
// while it holds work items, and permanently once destroyed so that every
// worker eventually dispatches it and exits.
type workQueue struct {
	pool *ThreadPool

	mu sync.Mutex
	// +checklocks:mu
	items []func(*Current)
	// +checklocks:mu
	destroyed bool
}

var _ EventHandler = (*workQueue)(nil)

func newWorkQueue(pool *ThreadPool) *workQueue {
	return &workQueue{pool: pool}
}

func (q *workQueue) String() string {
	return "work queue"
}

func (q *workQueue) queue(item func(*Current)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return ErrDestroyed
	}
	q.items = append(q.items, item)
	q.pool.metrics.workItems.Inc()
	if len(q.items) == 1 {
		q.pool.selector.Ready(q, selector.OpRead, true)
	}
	return nil
}

func (q *workQueue) destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	q.pool.selector.Ready(q, selector.OpRead, true)
}

func (q *workQueue) Message(current *Current) error {
	q.mu.Lock()
	var item func(*Current)
	if len(q.items) > 0 {
		item = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		if len(q.items) == 0 && !q.destroyed {
			q.pool.selector.Ready(q, selector.OpRead, false)
		}
	}
	destroyed := q.destroyed
	q.mu.Unlock()

	current.IOCompleted()
	if item != nil {
		item(current)
		return nil
	}
	if destroyed {
		return ErrDestroyed
	}
	return nil
}

func (q *workQueue) Finished(*Current) {}
