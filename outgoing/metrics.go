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

import "github.com/VictoriaMetrics/metrics"

type factoryMetrics struct {
	set            *metrics.Set
	created        *metrics.Counter
	connectFailed  *metrics.Counter
	resolveFailed  *metrics.Counter
	cacheHits      *metrics.Counter
	establishments *metrics.Counter
}

func newFactoryMetrics(factory *Factory) *factoryMetrics {
	set := metrics.NewSet()
	set.NewGauge("rpcmux_outgoing_connections", func() float64 {
		return float64(factory.Stats().Connections)
	})
	set.NewGauge("rpcmux_outgoing_pending_connects", func() float64 {
		return float64(factory.Stats().PendingConnects)
	})
	return &factoryMetrics{
		set:            set,
		created:        set.NewCounter("rpcmux_outgoing_connections_created_total"),
		connectFailed:  set.NewCounter("rpcmux_outgoing_connect_failures_total"),
		resolveFailed:  set.NewCounter("rpcmux_outgoing_resolve_failures_total"),
		cacheHits:      set.NewCounter("rpcmux_outgoing_cache_hits_total"),
		establishments: set.NewCounter("rpcmux_outgoing_establishments_total"),
	}
}
