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

import (
	"context"
	"errors"
	"fmt"

	"github.com/bufbuild/rpcmux/connection"
	"github.com/bufbuild/rpcmux/endpoint"
	"golang.org/x/sync/errgroup"
)

// connectCallback carries one Create call through resolution and
// establishment.
type connectCallback struct {
	factory   *Factory
	ctx       context.Context
	endpoints []endpoint.Endpoint
	hasMore   bool
	policy    endpoint.SelectionPolicy
	callback  Callback

	// connectors is written once by resolution, then only under
	// factory.mu.
	connectors []endpoint.ConnectorInfo

	// Owned by whichever goroutine drives the current attempt.
	attempts []endpoint.ConnectorInfo
	next     int
	current  endpoint.ConnectorInfo
}

type resolution struct {
	connectors []endpoint.Connector
	err        error
}

func (cc *connectCallback) getConnectors() {
	if err := cc.factory.incPendingConnectCount(); err != nil {
		cc.callback.SetException(err)
		return
	}
	go cc.resolve()
}

// resolve resolves every endpoint concurrently and combines the
// connectors in endpoint order. Endpoints that fail are skipped.
func (cc *connectCallback) resolve() {
	results := make([]resolution, len(cc.endpoints))
	var group errgroup.Group
	for i, ep := range cc.endpoints {
		group.Go(func() error {
			results[i] = resolveEndpoint(cc.ctx, ep, cc.policy)
			return nil
		})
	}
	_ = group.Wait()

	var lastErr error
	seen := map[string]struct{}{}
	for i, result := range results {
		ep := cc.endpoints[i]
		if result.err != nil {
			lastErr = result.err
			cc.factory.metrics.resolveFailed.Inc()
			cc.factory.handleConnectionException(
				result.err,
				endpoint.ConnectorInfo{Endpoint: ep},
				cc.hasMore || i < len(results)-1,
			)
			continue
		}
		for _, connector := range result.connectors {
			if _, ok := seen[connector.Key()]; ok {
				continue
			}
			seen[connector.Key()] = struct{}{}
			cc.connectors = append(cc.connectors, endpoint.ConnectorInfo{Connector: connector, Endpoint: ep})
		}
	}
	if len(cc.connectors) == 0 {
		if lastErr == nil {
			lastErr = endpoint.ErrNoConnectors
		}
		cc.setException(lastErr)
		return
	}
	cc.getConnection()
}

func resolveEndpoint(ctx context.Context, ep endpoint.Endpoint, policy endpoint.SelectionPolicy) resolution {
	results := make(chan resolution, 1)
	ep.Resolve(ctx, policy, func(connectors []endpoint.Connector, err error) {
		results <- resolution{connectors: connectors, err: err}
	})
	select {
	case result := <-results:
		if result.err == nil && len(result.connectors) == 0 {
			result.err = fmt.Errorf("%s: %w", ep, endpoint.ErrNoConnectors)
		}
		return result
	case <-ctx.Done():
		return resolution{err: fmt.Errorf("resolving %s: %w", ep, ctx.Err())}
	}
}

func (cc *connectCallback) getConnection() {
	conn, compress, owner, err := cc.factory.getConnection(cc)
	switch {
	case err != nil:
		cc.setException(err)
	case conn != nil:
		cc.setConnection(conn, compress)
	case owner:
		cc.nextConnector()
	}
}

// nextConnector dials the next connector of the attempt.
func (cc *connectCallback) nextConnector() {
	cc.current = cc.attempts[cc.next]
	cc.next++
	info := cc.current
	if err := cc.factory.execute(func() { cc.connect(info) }); err != nil {
		cc.factory.finishGetConnectionFailed(cc.attempts, fmt.Errorf("%w: %w", ErrCommunicatorDestroyed, err), cc)
	}
}

func (cc *connectCallback) connect(info endpoint.ConnectorInfo) {
	ctx, cancel := cc.factory.connectContext(info.Endpoint)
	transceiver, err := info.Connector.Connect(ctx)
	cancel()
	if err != nil {
		cc.connectionStartFailed(fmt.Errorf("connecting to %s: %w", info.Connector, err))
		return
	}
	conn, err := cc.factory.createConnection(transceiver, info)
	if err != nil {
		cc.connectionStartFailed(err)
		return
	}
	conn.Start(func(err error) {
		if err != nil {
			cc.connectionStartFailed(err)
			return
		}
		cc.connectionStartCompleted(conn)
	})
}

func (cc *connectCallback) connectionStartCompleted(conn *connection.Conn) {
	conn.Activate()
	cc.factory.finishGetConnection(cc.attempts, cc.current, conn, cc)
}

func (cc *connectCallback) connectionStartFailed(err error) {
	if cc.factory.isDestroyed() && !errors.Is(err, ErrCommunicatorDestroyed) {
		err = fmt.Errorf("%w: %w", ErrCommunicatorDestroyed, err)
	}
	if errors.Is(err, ErrCommunicatorDestroyed) {
		cc.factory.finishGetConnectionFailed(cc.attempts, err, cc)
		return
	}
	hasNext := cc.next < len(cc.attempts)
	cc.factory.handleConnectionException(err, cc.current, cc.hasMore || hasNext)
	if hasNext {
		cc.nextConnector()
		return
	}
	cc.factory.finishGetConnectionFailed(cc.attempts, err, cc)
}

func (cc *connectCallback) setConnection(conn *connection.Conn, compress bool) {
	cc.callback.SetConnection(conn, compress)
	cc.factory.decPendingConnectCount()
}

func (cc *connectCallback) setException(err error) {
	cc.callback.SetException(err)
	cc.factory.decPendingConnectCount()
}

// +checklocks:cc.factory.mu
func (cc *connectCallback) hasConnectorLocked(key string) bool {
	for _, info := range cc.connectors {
		if info.Connector.Key() == key {
			return true
		}
	}
	return false
}

// removeConnectorsLocked drops the given connectors and reports whether
// none are left.
//
// +checklocks:cc.factory.mu
func (cc *connectCallback) removeConnectorsLocked(keys map[string]struct{}) bool {
	remaining := cc.connectors[:0:0]
	for _, info := range cc.connectors {
		if _, ok := keys[info.Connector.Key()]; !ok {
			remaining = append(remaining, info)
		}
	}
	cc.connectors = remaining
	return len(cc.connectors) == 0
}
