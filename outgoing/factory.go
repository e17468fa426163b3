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

// Package outgoing establishes and caches client connections.
//
// A Factory turns a list of endpoints into a shared connection. Endpoints
// are resolved into connectors, connectors are dialed in order until one
// succeeds, and the resulting connection is cached under both its
// connector and its endpoint. Concurrent requests for overlapping
// connectors share a single establishment attempt.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/bufbuild/rpcmux/connection"
	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/internal/conns"
	"github.com/bufbuild/rpcmux/threadpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrCommunicatorDestroyed is reported to every request made after, or
// still outstanding when, the factory is destroyed.
var ErrCommunicatorDestroyed = errors.New("communicator destroyed")

// Callback receives the outcome of Create. Exactly one of its methods is
// called, exactly once.
type Callback interface {
	SetConnection(conn *connection.Conn, compress bool)
	SetException(err error)
}

// RouterInfo describes a router whose client endpoints carry callbacks
// for an object adapter.
type RouterInfo interface {
	// Adapter returns the adapter that serves callbacks, or nil.
	Adapter() connection.Adapter
	// ClientEndpoints returns the endpoints clients use to reach the
	// router.
	ClientEndpoints(ctx context.Context) ([]endpoint.Endpoint, error)
}

// Stats is a snapshot of the factory's bookkeeping.
type Stats struct {
	Connections     int
	PendingConnects int
}

// Factory creates outgoing connections and shares them between callers.
type Factory struct {
	pool          *threadpool.ThreadPool
	overrides     Overrides
	logger        zerolog.Logger
	connOpts      []connection.Option
	serialConnect bool
	serial        *serialQueue
	metrics       *factoryMetrics
	// ctx bounds every dial and is canceled by Destroy.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	destroyed bool
	// +checklocks:mu
	byConnector conns.MultiMap[string, *connection.Conn]
	// +checklocks:mu
	byEndpoint conns.MultiMap[string, *connection.Conn]
	// pending holds, per connector key with an establishment in
	// progress, the callbacks waiting on its outcome. The owner of the
	// attempt is not listed.
	// +checklocks:mu
	pending map[string][]*connectCallback
	// +checklocks:mu
	pendingConnects int
	// idle is closed while pendingConnects is zero.
	// +checklocks:mu
	idle chan struct{}

	reapMu sync.Mutex
	// +checklocks:reapMu
	reaped []*connection.Conn
}

// New returns a factory that runs establishment on pool.
func New(pool *threadpool.ThreadPool, opts ...Option) *Factory {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	factory := &Factory{
		pool:        pool,
		logger:      zerolog.Nop(),
		ctx:         ctx,
		cancel:      cancel,
		byConnector: conns.NewMultiMap[string, *connection.Conn](),
		byEndpoint:  conns.NewMultiMap[string, *connection.Conn](),
		pending:     map[string][]*connectCallback{},
		idle:        idle,
	}
	for _, opt := range opts {
		opt.apply(factory)
	}
	factory.logger = factory.logger.With().Str("component", "outgoing").Logger()
	if factory.serialConnect {
		factory.serial = newSerialQueue()
	}
	factory.metrics = newFactoryMetrics(factory)
	return factory
}

// Metrics returns the factory's metric set.
func (f *Factory) Metrics() *metrics.Set {
	return f.metrics.set
}

// Stats returns a snapshot of the cache and pending counters.
func (f *Factory) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Connections:     f.byConnector.Len(),
		PendingConnects: f.pendingConnects,
	}
}

// Create finds or establishes a connection to one of endpoints and
// reports it to callback. The callback may run before Create returns.
// hasMore tells whether the caller has other endpoints to fall back on,
// which only affects logging. ctx bounds endpoint resolution.
func (f *Factory) Create(
	ctx context.Context,
	endpoints []endpoint.Endpoint,
	hasMore bool,
	policy endpoint.SelectionPolicy,
	callback Callback,
) {
	if len(endpoints) == 0 {
		callback.SetException(endpoint.ErrNoConnectors)
		return
	}
	endpoints = f.applyOverrides(endpoints)

	conn, compress, err := f.findConnectionByEndpoint(endpoints)
	if err != nil {
		callback.SetException(err)
		return
	}
	if conn != nil {
		f.metrics.cacheHits.Inc()
		callback.SetConnection(conn, compress)
		return
	}

	cc := &connectCallback{
		factory:   f,
		ctx:       ctx,
		endpoints: endpoints,
		hasMore:   hasMore,
		policy:    policy,
		callback:  callback,
	}
	cc.getConnectors()
}

// RemoveAdapter unbinds adapter from every connection that serves it.
func (f *Factory) RemoveAdapter(adapter connection.Adapter) {
	for _, conn := range f.connections() {
		if conn.Adapter() == adapter {
			conn.SetAdapter(nil)
		}
	}
}

// SetRouterInfo binds the router's adapter to the connections that
// already reach the router's client endpoints.
func (f *Factory) SetRouterInfo(ctx context.Context, info RouterInfo) error {
	adapter := info.Adapter()
	if adapter == nil {
		return nil
	}
	endpoints, err := info.ClientEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("getting router client endpoints: %w", err)
	}
	endpoints = f.applyOverrides(endpoints)

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrCommunicatorDestroyed
	}
	var matched []*connection.Conn
	for _, ep := range endpoints {
		// Connections are indexed under both compression variants.
		matched = append(matched, f.byEndpoint.Get(ep.WithCompress(false).Key())...)
	}
	f.mu.Unlock()

	for _, conn := range matched {
		conn.SetAdapter(adapter)
	}
	return nil
}

// FlushAsyncBatchRequests flushes the batch queue of every usable
// connection and returns how many requests were sent.
func (f *Factory) FlushAsyncBatchRequests() (int, error) {
	var (
		total int
		errs  []error
	)
	for _, conn := range f.connections() {
		if !conn.IsActiveOrHolding() {
			continue
		}
		count, err := conn.FlushBatchRequests()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn, err))
			continue
		}
		total += count
	}
	return total, errors.Join(errs...)
}

// Destroy closes every connection and fails every outstanding and future
// Create with ErrCommunicatorDestroyed. Use WaitUntilFinished to wait for
// the connections to close.
func (f *Factory) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	all := f.byConnector.Values()
	f.mu.Unlock()

	f.logger.Debug().Int("connections", len(all)).Msg("destroying connection factory")
	f.cancel()
	for conn := range all {
		conn.Destroy(ErrCommunicatorDestroyed)
	}
	if f.serial != nil {
		f.serial.close()
	}
}

// WaitUntilFinished waits, after Destroy, for outstanding establishment
// attempts to conclude and for every connection to close.
func (f *Factory) WaitUntilFinished(ctx context.Context) error {
	f.mu.Lock()
	if !f.destroyed {
		f.mu.Unlock()
		return errors.New("connection factory must be destroyed before waiting")
	}
	idle := f.idle
	f.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("waiting for pending connections: %w", ctx.Err())
	}
	if f.serial != nil {
		select {
		case <-f.serial.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for connect goroutine: %w", ctx.Err())
		}
	}

	var group errgroup.Group
	for _, conn := range f.connections() {
		group.Go(func() error {
			select {
			case <-conn.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", conn, ctx.Err())
			}
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("waiting for connections to close: %w", err)
	}

	f.mu.Lock()
	f.byConnector = conns.NewMultiMap[string, *connection.Conn]()
	f.byEndpoint = conns.NewMultiMap[string, *connection.Conn]()
	f.mu.Unlock()
	f.reapMu.Lock()
	f.reaped = nil
	f.reapMu.Unlock()
	return nil
}

func (f *Factory) connections() []*connection.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]*connection.Conn, 0, f.byConnector.Len())
	for conn := range f.byConnector.Values() {
		all = append(all, conn)
	}
	return all
}

func (f *Factory) applyOverrides(endpoints []endpoint.Endpoint) []endpoint.Endpoint {
	if f.overrides.Timeout <= 0 {
		return endpoints
	}
	overridden := make([]endpoint.Endpoint, len(endpoints))
	for i, ep := range endpoints {
		overridden[i] = ep.WithTimeout(f.overrides.Timeout)
	}
	return overridden
}

func (f *Factory) compressFor(ep endpoint.Endpoint) bool {
	if f.overrides.Compress != nil {
		return *f.overrides.Compress
	}
	return ep.Compress()
}

func (f *Factory) findConnectionByEndpoint(endpoints []endpoint.Endpoint) (*connection.Conn, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, false, ErrCommunicatorDestroyed
	}
	for _, ep := range endpoints {
		for _, conn := range f.byEndpoint.Get(ep.Key()) {
			if conn.IsActiveOrHolding() {
				return conn, f.compressFor(ep), nil
			}
		}
	}
	return nil, false, nil
}

// getConnection returns a cached connection to one of cc's connectors, or
// registers cc as waiting on an attempt in progress, or makes cc the
// owner of a new attempt.
func (f *Factory) getConnection(cc *connectCallback) (conn *connection.Conn, compress bool, owner bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil, false, false, ErrCommunicatorDestroyed
	}
	f.reapLocked()
	if conn, compress := f.findConnectionLocked(cc.connectors); conn != nil {
		return conn, compress, false, nil
	}
	if f.addToPendingLocked(cc) {
		return nil, false, false, nil
	}
	cc.attempts = slices.Clone(cc.connectors)
	cc.next = 0
	return nil, false, true, nil
}

// +checklocks:f.mu
func (f *Factory) findConnectionLocked(connectors []endpoint.ConnectorInfo) (*connection.Conn, bool) {
	for _, info := range connectors {
		key := info.Connector.Key()
		if _, ok := f.pending[key]; ok {
			continue
		}
		for _, conn := range f.byConnector.Get(key) {
			if conn.IsActiveOrHolding() {
				return conn, f.compressFor(info.Endpoint)
			}
		}
	}
	return nil, false
}

// addToPendingLocked adds cc as a waiter of every pending connector it
// shares and reports whether there was any. Otherwise it marks all of
// cc's connectors pending, making cc their owner.
//
// +checklocks:f.mu
func (f *Factory) addToPendingLocked(cc *connectCallback) bool {
	found := false
	for _, info := range cc.connectors {
		key := info.Connector.Key()
		waiters, ok := f.pending[key]
		if !ok {
			continue
		}
		found = true
		if !slices.Contains(waiters, cc) {
			f.pending[key] = append(waiters, cc)
		}
	}
	if found {
		return true
	}
	for _, info := range cc.connectors {
		f.pending[info.Connector.Key()] = nil
	}
	return false
}

// +checklocks:f.mu
func (f *Factory) removeFromPendingLocked(cc *connectCallback) {
	for _, info := range cc.connectors {
		key := info.Connector.Key()
		waiters, ok := f.pending[key]
		if !ok {
			continue
		}
		// The key stays while its owner is still trying.
		f.pending[key] = slices.DeleteFunc(waiters, func(waiter *connectCallback) bool {
			return waiter == cc
		})
	}
}

// finishGetConnection reports a successful attempt. Waiters that can use
// the connection get it; the others look again.
func (f *Factory) finishGetConnection(
	connectors []endpoint.ConnectorInfo,
	established endpoint.ConnectorInfo,
	conn *connection.Conn,
	owner *connectCallback,
) {
	var matched, retry []*connectCallback
	seen := map[*connectCallback]struct{}{owner: {}}
	key := established.Connector.Key()

	f.mu.Lock()
	for _, info := range connectors {
		waiters, ok := f.pending[info.Connector.Key()]
		if !ok {
			continue
		}
		delete(f.pending, info.Connector.Key())
		for _, cc := range waiters {
			if _, ok := seen[cc]; ok {
				continue
			}
			seen[cc] = struct{}{}
			if cc.hasConnectorLocked(key) {
				matched = append(matched, cc)
			} else {
				retry = append(retry, cc)
			}
		}
	}
	for _, cc := range matched {
		f.removeFromPendingLocked(cc)
	}
	for _, cc := range retry {
		f.removeFromPendingLocked(cc)
	}
	f.mu.Unlock()

	f.metrics.establishments.Inc()
	compress := f.compressFor(established.Endpoint)
	owner.setConnection(conn, compress)
	for _, cc := range matched {
		cc.setConnection(conn, compress)
	}
	for _, cc := range retry {
		cc.getConnection()
	}
}

// finishGetConnectionFailed reports a failed attempt. Waiters left with no
// connector to try fail with err; the others look again.
func (f *Factory) finishGetConnectionFailed(connectors []endpoint.ConnectorInfo, err error, owner *connectCallback) {
	failed := []*connectCallback{owner}
	var retry []*connectCallback
	seen := map[*connectCallback]struct{}{owner: {}}
	keys := make(map[string]struct{}, len(connectors))
	for _, info := range connectors {
		keys[info.Connector.Key()] = struct{}{}
	}

	f.mu.Lock()
	for _, info := range connectors {
		waiters, ok := f.pending[info.Connector.Key()]
		if !ok {
			continue
		}
		delete(f.pending, info.Connector.Key())
		for _, cc := range waiters {
			if _, ok := seen[cc]; ok {
				continue
			}
			seen[cc] = struct{}{}
			if cc.removeConnectorsLocked(keys) {
				failed = append(failed, cc)
			} else {
				retry = append(retry, cc)
			}
		}
	}
	for _, cc := range retry {
		f.removeFromPendingLocked(cc)
	}
	f.mu.Unlock()

	for _, cc := range retry {
		cc.getConnection()
	}
	for _, cc := range failed {
		cc.setException(err)
	}
}

func (f *Factory) createConnection(transceiver endpoint.Transceiver, info endpoint.ConnectorInfo) (*connection.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		if err := transceiver.Close(); err != nil {
			f.logger.Debug().Err(err).Msg("error closing transceiver")
		}
		return nil, ErrCommunicatorDestroyed
	}
	opts := make([]connection.Option, 0, len(f.connOpts)+2)
	opts = append(opts, connection.WithLogger(f.logger))
	opts = append(opts, f.connOpts...)
	opts = append(opts, connection.WithCloseHook(f.connectionClosed))
	conn := connection.New(f.pool, transceiver, info, opts...)
	f.byConnector.Add(info.Connector.Key(), conn)
	f.byEndpoint.Add(conn.Endpoint().Key(), conn)
	f.byEndpoint.Add(conn.Endpoint().WithCompress(true).Key(), conn)
	f.metrics.created.Inc()
	return conn, nil
}

func (f *Factory) connectionClosed(conn *connection.Conn) {
	f.reapMu.Lock()
	defer f.reapMu.Unlock()
	f.reaped = append(f.reaped, conn)
}

// reapLocked drops closed connections from both indexes.
//
// +checklocks:f.mu
func (f *Factory) reapLocked() {
	f.reapMu.Lock()
	reaped := f.reaped
	f.reaped = nil
	f.reapMu.Unlock()
	for _, conn := range reaped {
		f.byConnector.Remove(conn.Connector().Key(), conn)
		f.byEndpoint.Remove(conn.Endpoint().Key(), conn)
		f.byEndpoint.Remove(conn.Endpoint().WithCompress(true).Key(), conn)
	}
}

func (f *Factory) incPendingConnectCount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return ErrCommunicatorDestroyed
	}
	f.pendingConnects++
	if f.pendingConnects == 1 {
		f.idle = make(chan struct{})
	}
	return nil
}

func (f *Factory) decPendingConnectCount() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingConnects--
	if f.pendingConnects < 0 {
		panic("outgoing: pending connect count underflow")
	}
	if f.pendingConnects == 0 {
		close(f.idle)
	}
}

func (f *Factory) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// execute runs a blocking establishment step off the caller's goroutine.
func (f *Factory) execute(fn func()) error {
	if f.serial != nil {
		return f.serial.enqueue(fn)
	}
	return f.pool.Dispatch(fn)
}

func (f *Factory) connectContext(ep endpoint.Endpoint) (context.Context, context.CancelFunc) {
	if timeout := ep.Timeout(); timeout > 0 {
		return context.WithTimeout(f.ctx, timeout)
	}
	return context.WithCancel(f.ctx)
}

func (f *Factory) handleConnectionException(err error, info endpoint.ConnectorInfo, hasMore bool) {
	f.metrics.connectFailed.Inc()
	event := f.logger.Warn()
	if errors.Is(err, ErrCommunicatorDestroyed) {
		event = f.logger.Debug()
	}
	event = event.Err(err).Str("endpoint", info.Endpoint.String())
	if info.Connector != nil {
		event = event.Str("connector", info.Connector.String())
	}
	if hasMore {
		event.Msg("connection to endpoint failed, trying next endpoint")
	} else {
		event.Msg("connection to endpoint failed and no more endpoints to try")
	}
}
