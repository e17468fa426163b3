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
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

type poolMetrics struct {
	set           *metrics.Set
	spawned       *metrics.Counter
	exited        *metrics.Counter
	workItems     *metrics.Counter
	handlerErrors *metrics.Counter
}

func newPoolMetrics(pool *ThreadPool) *poolMetrics {
	set := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`rpcmux_threadpool_%s{pool=%q}`, metric, pool.name)
	}
	set.NewGauge(name("threads"), func() float64 {
		return float64(pool.Stats().Threads)
	})
	set.NewGauge(name("in_use"), func() float64 {
		return float64(pool.Stats().InUse)
	})
	set.NewGauge(name("in_use_io"), func() float64 {
		return float64(pool.Stats().InUseIO)
	})
	return &poolMetrics{
		set:           set,
		spawned:       set.NewCounter(name("workers_spawned_total")),
		exited:        set.NewCounter(name("workers_exited_total")),
		workItems:     set.NewCounter(name("work_items_total")),
		handlerErrors: set.NewCounter(name("handler_errors_total")),
	}
}
