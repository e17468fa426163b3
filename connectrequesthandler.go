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
	"slices"
	"sync"
	"weak"

	"github.com/bufbuild/rpcmux/connection"
	"github.com/bufbuild/rpcmux/outgoing"
)

// connectRequestHandler queues a reference's invocations while its
// connection is being established, then flushes them in order. When the
// reference caches connections, the proxies bound to it are switched to
// a connectionRequestHandler once the queue is drained.
type connectRequestHandler struct {
	reference *Reference
	// concluded is closed once establishment succeeded and the queue was
	// flushed, or establishment failed.
	concluded chan struct{}

	mu   sync.Mutex
	cond *sync.Cond
	// +checklocks:mu
	conn *connection.Conn
	// +checklocks:mu
	compress bool
	// +checklocks:mu
	err error
	// +checklocks:mu
	initialized bool
	// +checklocks:mu
	flushing bool
	// +checklocks:mu
	requests []*Invocation
	// proxy is the proxy that created the handler, used for router
	// registration.
	// +checklocks:mu
	proxy weak.Pointer[Proxy]
	// +checklocks:mu
	proxies []weak.Pointer[Proxy]
	// upgraded replaces this handler once flushed.
	// +checklocks:mu
	upgraded requestHandler
}

var (
	_ requestHandler    = (*connectRequestHandler)(nil)
	_ outgoing.Callback = (*connectRequestHandler)(nil)
)

func newConnectRequestHandler(ref *Reference, proxy *Proxy) *connectRequestHandler {
	h := &connectRequestHandler{
		reference: ref,
		concluded: make(chan struct{}),
		proxy:     weak.Make(proxy),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// connect binds proxy to the handler and returns the handler the proxy
// should use.
func (h *connectRequestHandler) connect(proxy *Proxy) (requestHandler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ready, err := h.initializedLocked()
	if err != nil {
		return nil, err
	}
	if !ready {
		h.proxies = append(h.proxies, weak.Make(proxy))
	}
	if h.upgraded != nil {
		return h.upgraded, nil
	}
	return h, nil
}

func (h *connectRequestHandler) sendAsyncRequest(inv *Invocation) (AsyncStatus, error) {
	h.mu.Lock()
	ready, err := h.initializedLocked()
	if err != nil {
		h.mu.Unlock()
		return AsyncStatusQueued, err
	}
	if !ready {
		h.requests = append(h.requests, inv)
		h.mu.Unlock()
		return AsyncStatusQueued, nil
	}
	conn, compress := h.conn, h.compress
	h.mu.Unlock()
	return inv.invokeRemote(conn, compress)
}

func (h *connectRequestHandler) requestCanceled(inv *Invocation) {
	h.mu.Lock()
	if h.err != nil && h.conn == nil {
		// Already completed by SetException.
		h.mu.Unlock()
		return
	}
	ready, _ := h.initializedLocked()
	if !ready {
		if i := slices.Index(h.requests, inv); i >= 0 {
			h.requests = slices.Delete(h.requests, i, i+1)
		}
		h.mu.Unlock()
		return
	}
	conn := h.conn
	h.mu.Unlock()
	conn.AsyncRequestCanceled(inv.request)
}

func (h *connectRequestHandler) connection(ctx context.Context) (*connection.Conn, error) {
	select {
	case <-h.concluded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil && h.conn == nil {
		return nil, h.err
	}
	return h.conn, nil
}

// SetConnection is called by the connection factory once a connection is
// established.
func (h *connectRequestHandler) SetConnection(conn *connection.Conn, compress bool) {
	h.mu.Lock()
	if h.err != nil || h.conn != nil {
		h.mu.Unlock()
		panic("rpcmux: connection set twice on request handler")
	}
	h.conn = conn
	h.compress = compress
	proxy := h.proxy.Value()
	h.mu.Unlock()

	if router := h.reference.routerInfo; router != nil && proxy != nil {
		if !router.AddProxy(proxy, h.addedProxy) {
			// Flushed once the router is done.
			return
		}
	}
	h.flushRequests()
}

// SetException is called by the connection factory when no connection
// could be established.
func (h *connectRequestHandler) SetException(err error) {
	h.mu.Lock()
	if h.initialized || h.err != nil {
		h.mu.Unlock()
		panic("rpcmux: request handler concluded twice")
	}
	h.err = err
	requests := h.requests
	proxies := h.proxies
	h.requests = nil
	h.proxies = nil
	h.proxy = weak.Pointer[Proxy]{}
	close(h.concluded)
	h.cond.Broadcast()
	h.mu.Unlock()

	// Later lookups must not find this handler.
	h.reference.instance.handlers.removeRequestHandler(h.reference, h)
	for _, ref := range proxies {
		if proxy := ref.Value(); proxy != nil {
			proxy.updateRequestHandler(h, nil)
		}
	}
	for _, inv := range requests {
		inv.completed(err)
	}
}

func (h *connectRequestHandler) addedProxy(err error) {
	if err != nil {
		h.mu.Lock()
		h.conn = nil
		h.mu.Unlock()
		h.SetException(err)
		return
	}
	h.flushRequests()
}

// initializedLocked waits out a flush in progress and reports whether
// requests can go straight to the connection.
//
// +checklocks:h.mu
func (h *connectRequestHandler) initializedLocked() (bool, error) {
	if h.initialized {
		return true, nil
	}
	for h.flushing {
		h.cond.Wait()
	}
	if h.err != nil {
		if h.conn != nil {
			// The connection was established and later failed. Requests
			// go to it and fail with a retryable error.
			return true, nil
		}
		return false, h.err
	}
	return h.initialized, nil
}

func (h *connectRequestHandler) flushRequests() {
	h.mu.Lock()
	h.flushing = true
	conn, compress := h.conn, h.compress
	// Nothing else touches requests or proxies while flushing.
	requests := h.requests
	proxies := h.proxies
	h.mu.Unlock()

	var flushErr error
	for _, inv := range requests {
		if inv.isCompleted() {
			continue
		}
		if _, err := inv.invokeRemote(conn, compress); err != nil {
			flushErr = err
			if isRetryable(err) {
				// The next request must look up a fresh handler.
				h.reference.instance.handlers.removeRequestHandler(h.reference, h)
				inv.retryException(h, err)
				continue
			}
			inv.completed(err)
		}
	}

	var upgraded requestHandler
	if h.reference.cacheConnection && flushErr == nil {
		upgraded = newConnectionRequestHandler(conn, compress)
		for _, ref := range proxies {
			if proxy := ref.Value(); proxy != nil {
				proxy.updateRequestHandler(h, upgraded)
			}
		}
	}

	h.mu.Lock()
	h.upgraded = upgraded
	h.err = flushErr
	h.initialized = flushErr == nil
	h.flushing = false
	h.requests = nil
	h.proxies = nil
	h.proxy = weak.Pointer[Proxy]{}
	close(h.concluded)
	h.cond.Broadcast()
	h.mu.Unlock()
	// Removed only once flushed so that requests stay ordered.
	h.reference.instance.handlers.removeRequestHandler(h.reference, h)
}
