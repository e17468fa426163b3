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

package outgoing

import "sync"

// serialQueue runs functions one after another on its own goroutine.
type serialQueue struct {
	signal chan struct{}
	done   chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	items []func()
	// +checklocks:mu
	closed bool
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) enqueue(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrCommunicatorDestroyed
	}
	q.items = append(q.items, fn)
	q.mu.Unlock()
	q.wake()
	return nil
}

// close stops accepting work. Queued functions still run.
func (q *serialQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *serialQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		fn()
	}
}
