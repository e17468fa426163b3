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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpcmux/connection"
	"github.com/bufbuild/rpcmux/internal"
)

// AsyncStatus tells whether a request was written by the time the send
// call returned.
type AsyncStatus int

const (
	// AsyncStatusQueued means the request is waiting for a connection or
	// for writes ahead of it.
	AsyncStatusQueued AsyncStatus = iota
	// AsyncStatusSent means the request was written.
	AsyncStatusSent
)

func (s AsyncStatus) String() string {
	if s == AsyncStatusSent {
		return "sent"
	}
	return "queued"
}

// canceler is whatever currently holds a queued invocation.
type canceler interface {
	requestCanceled(inv *Invocation)
}

// Invocation is one request issued through a Proxy. It completes once the
// request is written, or fails.
type Invocation struct {
	proxy    *Proxy
	payload  []byte
	request  *outgoingRequest
	done     chan struct{}
	complete atomic.Bool
	// err is written before done is closed.
	err        error
	compressed atomic.Bool
	status     atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	handler requestHandler
	// +checklocks:mu
	canceler canceler
	// +checklocks:mu
	attempts int
	// +checklocks:mu
	timer internal.Timer
	// +checklocks:mu
	stopCtx func() bool
}

func newInvocation(proxy *Proxy, payload []byte) *Invocation {
	inv := &Invocation{
		proxy:   proxy,
		payload: payload,
		done:    make(chan struct{}),
	}
	inv.request = &outgoingRequest{inv: inv}
	return inv
}

// Done is closed when the invocation completes.
func (inv *Invocation) Done() <-chan struct{} {
	return inv.done
}

// Err returns nil until the invocation completes, and then the
// *InvocationError it failed with, if any.
func (inv *Invocation) Err() error {
	select {
	case <-inv.done:
		return inv.err
	default:
		return nil
	}
}

// Wait blocks until the invocation completes or ctx ends. Ending ctx does
// not cancel the invocation.
func (inv *Invocation) Wait(ctx context.Context) error {
	select {
	case <-inv.done:
		return inv.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel completes the invocation with ErrInvocationCanceled unless it
// already completed. A queued request is removed without being written.
func (inv *Invocation) Cancel() {
	inv.cancelWith(ErrInvocationCanceled)
}

// Status reports whether the first send attempt wrote the request
// immediately or queued it.
func (inv *Invocation) Status() AsyncStatus {
	return AsyncStatus(inv.status.Load())
}

// Compressed reports whether the request was sent with compression.
func (inv *Invocation) Compressed() bool {
	return inv.compressed.Load()
}

// Attempts returns how many times the request has been handed to the
// retry queue.
func (inv *Invocation) Attempts() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.attempts
}

func (inv *Invocation) invoke(ctx context.Context) {
	clock := inv.proxy.reference.instance.clock
	timeout := inv.proxy.reference.invocationTimeout
	inv.mu.Lock()
	if timeout > 0 {
		inv.timer = clock.AfterFunc(timeout, func() {
			inv.cancelWith(ErrInvocationTimeout)
		})
	}
	inv.stopCtx = context.AfterFunc(ctx, func() {
		inv.cancelWith(fmt.Errorf("%w: %w", ErrInvocationCanceled, context.Cause(ctx)))
	})
	inv.mu.Unlock()
	inv.send()
}

// send hands the request to the proxy's current request handler.
func (inv *Invocation) send() {
	if inv.complete.Load() {
		return
	}
	handler, err := inv.proxy.requestHandler()
	if err != nil {
		inv.completed(err)
		return
	}
	if !inv.setHandler(handler) {
		return
	}

	status, err := handler.sendAsyncRequest(inv)
	if err != nil {
		inv.sendFailed(handler, err)
		return
	}
	if status == AsyncStatusQueued && inv.isCompleted() {
		// Canceled while being queued; the canceler may have looked
		// before the request was there.
		handler.requestCanceled(inv)
	}
	inv.mu.Lock()
	first := inv.attempts == 0
	inv.mu.Unlock()
	if first {
		inv.status.Store(int32(status))
	}
}

// invokeRemote writes the request on conn.
func (inv *Invocation) invokeRemote(conn *connection.Conn, compress bool) (AsyncStatus, error) {
	inv.compressed.Store(compress)
	if inv.proxy.reference.mode.batch() {
		if err := conn.QueueBatchRequest(inv.payload); err != nil {
			return AsyncStatusQueued, err
		}
		inv.completed(nil)
		return AsyncStatusSent, nil
	}
	sent, err := conn.SendAsyncRequest(inv.request)
	if err != nil {
		return AsyncStatusQueued, err
	}
	if sent {
		return AsyncStatusSent, nil
	}
	return AsyncStatusQueued, nil
}

func (inv *Invocation) sendFailed(handler requestHandler, err error) {
	if isRetryable(err) {
		inv.retryException(handler, err)
		return
	}
	inv.proxy.updateRequestHandler(handler, nil)
	inv.completed(err)
}

// retryException drops the handler that failed and hands the invocation
// to the retry queue.
func (inv *Invocation) retryException(handler requestHandler, err error) {
	inv.proxy.updateRequestHandler(handler, nil)
	inv.proxy.reference.instance.retries.add(inv, err)
}

func (inv *Invocation) nextAttempt() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	attempt := inv.attempts
	inv.attempts++
	return attempt
}

// setHandler records the handler the request is about to be handed to.
// It reports false when the invocation already completed.
func (inv *Invocation) setHandler(handler requestHandler) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.complete.Load() {
		return false
	}
	inv.handler = handler
	inv.canceler = handler
	return true
}

// setCanceler reports false when the invocation already completed.
func (inv *Invocation) setCanceler(c canceler) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.complete.Load() {
		return false
	}
	inv.canceler = c
	return true
}

// cancelWith completes the invocation with err and removes it from
// whatever holds it.
func (inv *Invocation) cancelWith(err error) {
	inv.mu.Lock()
	if !inv.complete.CompareAndSwap(false, true) {
		inv.mu.Unlock()
		return
	}
	c := inv.canceler
	inv.mu.Unlock()
	if c != nil {
		c.requestCanceled(inv)
	}
	inv.finish(err)
}

func (inv *Invocation) isCompleted() bool {
	return inv.complete.Load()
}

// completed finishes the invocation. Only the first call, or a
// cancellation, has an effect.
func (inv *Invocation) completed(err error) bool {
	if !inv.complete.CompareAndSwap(false, true) {
		return false
	}
	inv.finish(err)
	return true
}

// finish runs once, after complete was set.
func (inv *Invocation) finish(err error) {
	if err != nil {
		inv.err = classify(err)
	}
	inv.mu.Lock()
	timer, stopCtx := inv.timer, inv.stopCtx
	inv.canceler = nil
	inv.handler = nil
	inv.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if stopCtx != nil {
		stopCtx()
	}
	close(inv.done)
}

// outgoingRequest is the invocation as seen by a connection.
type outgoingRequest struct {
	inv *Invocation
}

var _ connection.OutgoingMessage = (*outgoingRequest)(nil)

func (r *outgoingRequest) Payload() []byte {
	return r.inv.payload
}

func (r *outgoingRequest) Sent() {
	r.inv.completed(nil)
}

func (r *outgoingRequest) Failed(err error) {
	r.inv.mu.Lock()
	handler := r.inv.handler
	r.inv.mu.Unlock()
	r.inv.sendFailed(handler, err)
}
