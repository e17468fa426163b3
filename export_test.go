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

import "github.com/bufbuild/rpcmux/internal"

func WithClock(clock internal.Clock) Option {
	return withClock(clock)
}

func (i *Instance) PendingRetries() int {
	return i.retries.pending()
}

func (i *Instance) ConnectHandlers() int {
	return i.handlers.size()
}

// CachedHandlerIsDirect reports whether the proxy sends straight to a
// connection.
func (p *Proxy) CachedHandlerIsDirect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handler.(*connectionRequestHandler)
	return ok
}

func (p *Proxy) HasCachedHandler() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// QueuedRequests counts the requests waiting in connect request handlers.
func (i *Instance) QueuedRequests() int {
	var count int
	i.handlers.handlers.Range(func(_ string, h *connectRequestHandler) bool {
		h.mu.Lock()
		count += len(h.requests)
		h.mu.Unlock()
		return true
	})
	return count
}
