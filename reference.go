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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/internal"
	"github.com/bufbuild/rpcmux/outgoing"
)

// Mode is how invocations through a reference are delivered.
type Mode int

const (
	Twoway Mode = iota
	Oneway
	// BatchOneway queues requests on the connection until flushed.
	BatchOneway
	// Datagram sends over connectionless endpoints only.
	Datagram
	// BatchDatagram is BatchOneway over connectionless endpoints.
	BatchDatagram
)

func (m Mode) String() string {
	switch m {
	case Twoway:
		return "twoway"
	case Oneway:
		return "oneway"
	case BatchOneway:
		return "batch-oneway"
	case Datagram:
		return "datagram"
	case BatchDatagram:
		return "batch-datagram"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) batch() bool {
	return m == BatchOneway || m == BatchDatagram
}

func (m Mode) datagram() bool {
	return m == Datagram || m == BatchDatagram
}

// RouterInfo is a router that proxies must be registered with before
// their requests can be sent.
type RouterInfo interface {
	outgoing.RouterInfo
	// AddProxy registers proxy with the router. It returns true when done
	// synchronously; otherwise it returns false and calls done later.
	AddProxy(proxy *Proxy, done func(error)) bool
}

// ReferenceOption configures a Reference.
type ReferenceOption interface {
	apply(*Reference)
}

type referenceOptionFunc func(*Reference)

func (f referenceOptionFunc) apply(r *Reference) {
	f(r)
}

// WithMode sets the delivery mode. The default is Twoway.
func WithMode(mode Mode) ReferenceOption {
	return referenceOptionFunc(func(r *Reference) {
		r.mode = mode
	})
}

// WithCacheConnection controls whether proxies keep using the first
// connection established for them. The default is true.
func WithCacheConnection(cache bool) ReferenceOption {
	return referenceOptionFunc(func(r *Reference) {
		r.cacheConnection = cache
	})
}

// WithEndpointSelection sets the order in which endpoints are tried. The
// default is endpoint.Random.
func WithEndpointSelection(policy endpoint.SelectionPolicy) ReferenceOption {
	return referenceOptionFunc(func(r *Reference) {
		r.selection = policy
	})
}

// WithInvocationTimeout fails invocations that are not sent within
// timeout.
func WithInvocationTimeout(timeout time.Duration) ReferenceOption {
	return referenceOptionFunc(func(r *Reference) {
		r.invocationTimeout = timeout
	})
}

// WithCompress overrides the compression flag of every endpoint.
func WithCompress(compress bool) ReferenceOption {
	return referenceOptionFunc(func(r *Reference) {
		r.compress = &compress
	})
}

// WithRouter makes proxies register with router before sending.
func WithRouter(router RouterInfo) ReferenceOption {
	return referenceOptionFunc(func(r *Reference) {
		r.routerInfo = router
	})
}

// Reference is an immutable destination: endpoints plus the policy for
// reaching them. References with the same Key share connection
// establishment.
type Reference struct {
	instance          *Instance
	endpoints         []endpoint.Endpoint
	mode              Mode
	cacheConnection   bool
	selection         endpoint.SelectionPolicy
	invocationTimeout time.Duration
	compress          *bool
	routerInfo        RouterInfo
	key               string
}

func newReference(instance *Instance, endpoints []endpoint.Endpoint, opts ...ReferenceOption) *Reference {
	ref := &Reference{
		instance:        instance,
		endpoints:       append([]endpoint.Endpoint(nil), endpoints...),
		cacheConnection: true,
		selection:       endpoint.Random,
	}
	for _, opt := range opts {
		opt.apply(ref)
	}
	ref.key = ref.computeKey()
	return ref
}

// Key identifies the reference.
func (r *Reference) Key() string {
	return r.key
}

// Mode returns the delivery mode.
func (r *Reference) Mode() Mode {
	return r.mode
}

// CacheConnection reports whether proxies keep their first connection.
func (r *Reference) CacheConnection() bool {
	return r.cacheConnection
}

// Endpoints returns the reference's endpoints.
func (r *Reference) Endpoints() []endpoint.Endpoint {
	return append([]endpoint.Endpoint(nil), r.endpoints...)
}

func (r *Reference) String() string {
	return r.key
}

func (r *Reference) computeKey() string {
	var b strings.Builder
	b.WriteString(r.mode.String())
	if !r.cacheConnection {
		b.WriteString(" -nocache")
	}
	b.WriteString(" -s ")
	b.WriteString(r.selection.String())
	if r.invocationTimeout > 0 {
		b.WriteString(" -it ")
		b.WriteString(strconv.FormatInt(r.invocationTimeout.Milliseconds(), 10))
	}
	if r.compress != nil {
		b.WriteString(" -z ")
		b.WriteString(strconv.FormatBool(*r.compress))
	}
	if r.routerInfo != nil {
		fmt.Fprintf(&b, " -r %p", r.routerInfo)
	}
	for _, ep := range r.endpoints {
		b.WriteString(" : ")
		b.WriteString(ep.Key())
	}
	return b.String()
}

// filteredEndpoints returns the endpoints usable for the reference's
// mode, in the order they should be tried.
func (r *Reference) filteredEndpoints() []endpoint.Endpoint {
	filtered := make([]endpoint.Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.Datagram() != r.mode.datagram() {
			continue
		}
		if r.compress != nil {
			ep = ep.WithCompress(*r.compress)
		}
		filtered = append(filtered, ep)
	}
	if r.selection == endpoint.Random {
		filtered = internal.Shuffle(filtered)
	}
	return filtered
}

// getConnection asks the connection factory for a connection to one of
// the reference's endpoints.
func (r *Reference) getConnection(callback outgoing.Callback) {
	endpoints := r.filteredEndpoints()
	if len(endpoints) == 0 {
		callback.SetException(fmt.Errorf("%w for %s", ErrNoEndpoints, r))
		return
	}
	r.instance.factory.Create(r.instance.ctx, endpoints, false, r.selection, callback)
}
