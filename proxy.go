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
	"sync"

	"github.com/bufbuild/rpcmux/connection"
)

// Proxy issues invocations to a Reference. Proxies sharing a reference
// share its connection.
type Proxy struct {
	reference *Reference

	mu sync.Mutex
	// +checklocks:mu
	handler requestHandler
}

// NewProxy returns a proxy for ref.
func NewProxy(ref *Reference) *Proxy {
	return &Proxy{reference: ref}
}

// Reference returns the proxy's reference.
func (p *Proxy) Reference() *Reference {
	return p.reference
}

// Invoke sends payload. It returns at once; the request is queued if no
// connection is ready yet. The invocation is canceled when ctx ends.
func (p *Proxy) Invoke(ctx context.Context, payload []byte) *Invocation {
	inv := newInvocation(p, payload)
	inv.invoke(ctx)
	return inv
}

// GetConnection returns the proxy's connection, establishing it if
// needed.
func (p *Proxy) GetConnection(ctx context.Context) (*connection.Conn, error) {
	handler, err := p.requestHandler()
	if err != nil {
		return nil, classify(err)
	}
	conn, err := handler.connection(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return conn, nil
}

// FlushBatchRequests sends the requests queued by batch invocations on
// the proxy's connection.
func (p *Proxy) FlushBatchRequests(ctx context.Context) (int, error) {
	conn, err := p.GetConnection(ctx)
	if err != nil {
		return 0, err
	}
	count, err := conn.FlushBatchRequests()
	if err != nil {
		return 0, classify(err)
	}
	return count, nil
}

func (p *Proxy) requestHandler() (requestHandler, error) {
	if p.reference.instance.destroyed.Load() {
		return nil, ErrInstanceDestroyed
	}
	if p.reference.cacheConnection {
		p.mu.Lock()
		handler := p.handler
		p.mu.Unlock()
		if handler != nil {
			return handler, nil
		}
	}
	return p.reference.instance.handlers.getRequestHandler(p.reference, p)
}

// setRequestHandler caches handler unless another one got there first,
// and returns the handler to use.
func (p *Proxy) setRequestHandler(handler requestHandler) requestHandler {
	if !p.reference.cacheConnection {
		return handler
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler == nil {
		p.handler = handler
	}
	return p.handler
}

// updateRequestHandler replaces previous with next if previous is still
// the cached handler.
func (p *Proxy) updateRequestHandler(previous, next requestHandler) {
	if !p.reference.cacheConnection || previous == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handler == previous {
		p.handler = next
	}
}
