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
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/bufbuild/rpcmux/config"
	"github.com/bufbuild/rpcmux/connection"
	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/internal"
	"github.com/bufbuild/rpcmux/outgoing"
	"github.com/bufbuild/rpcmux/threadpool"
	"github.com/rs/zerolog"
)

const clientPoolName = "ThreadPool.Client"

// Option configures an Instance.
type Option interface {
	apply(*instanceOptions)
}

type optionFunc func(*instanceOptions)

func (f optionFunc) apply(opts *instanceOptions) {
	f(opts)
}

type instanceOptions struct {
	logger        zerolog.Logger
	clock         internal.Clock
	poolConfig    threadpool.Config
	poolOptions   []threadpool.Option
	overrides     outgoing.Overrides
	retryPolicy   RetryPolicy
	serialConnect bool
	connOptions   []connection.Option
}

// WithLogger sets the logger used by the instance and everything it
// creates.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.logger = logger
	})
}

// WithClientPool configures the thread pool that establishes connections
// and dispatches their I/O. The default is a pool of one to four workers.
func WithClientPool(cfg threadpool.Config) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.poolConfig = cfg
	})
}

// WithThreadPoolOptions adds options for the client thread pool.
func WithThreadPoolOptions(poolOpts ...threadpool.Option) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.poolOptions = append(opts.poolOptions, poolOpts...)
	})
}

// WithOverrides sets endpoint overrides for every connection.
func WithOverrides(overrides outgoing.Overrides) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.overrides = overrides
	})
}

// WithRetryPolicy sets the policy for requests that could not be sent.
func WithRetryPolicy(policy RetryPolicy) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.retryPolicy = policy
	})
}

// WithRetryIntervals is WithRetryPolicy(IntervalRetryPolicy(intervals...)).
func WithRetryIntervals(intervals ...time.Duration) Option {
	return WithRetryPolicy(IntervalRetryPolicy(intervals...))
}

// WithSerialConnect dials one connector at a time on a dedicated
// goroutine.
func WithSerialConnect() Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.serialConnect = true
	})
}

// WithConnectionOptions adds options for every connection.
func WithConnectionOptions(connOpts ...connection.Option) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.connOptions = append(opts.connOptions, connOpts...)
	})
}

func withClock(clock internal.Clock) Option {
	return optionFunc(func(opts *instanceOptions) {
		opts.clock = clock
	})
}

// Instance owns the client thread pool, the connection factory and the
// retry queue. Create references and proxies from it, and Destroy it when
// done.
type Instance struct {
	logger    zerolog.Logger
	clock     internal.Clock
	pool      *threadpool.ThreadPool
	factory   *outgoing.Factory
	retries   *retryQueue
	handlers  *requestHandlerFactory
	metrics   *metrics.Set
	ctx       context.Context
	cancel    context.CancelFunc
	destroyed atomic.Bool
}

// NewInstance creates an instance and starts its thread pool.
func NewInstance(opts ...Option) (*Instance, error) {
	options := instanceOptions{
		logger:      zerolog.Nop(),
		clock:       internal.NewRealClock(),
		poolConfig:  threadpool.Config{Size: 1, SizeMax: 4},
		retryPolicy: IntervalRetryPolicy(0),
	}
	for _, opt := range opts {
		opt.apply(&options)
	}

	poolOpts := append([]threadpool.Option{
		threadpool.WithLogger(options.logger),
		threadpool.WithClock(options.clock),
	}, options.poolOptions...)
	pool, err := threadpool.New(clientPoolName, options.poolConfig, poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating client thread pool: %w", err)
	}

	factoryOpts := []outgoing.Option{
		outgoing.WithLogger(options.logger),
		outgoing.WithOverrides(options.overrides),
		outgoing.WithConnectionOptions(options.connOptions...),
	}
	if options.serialConnect {
		factoryOpts = append(factoryOpts, outgoing.WithSerialConnect())
	}

	ctx, cancel := context.WithCancel(context.Background())
	set := metrics.NewSet()
	instance := &Instance{
		logger:   options.logger.With().Str("component", "instance").Logger(),
		clock:    options.clock,
		pool:     pool,
		factory:  outgoing.New(pool, factoryOpts...),
		handlers: newRequestHandlerFactory(),
		metrics:  set,
		ctx:      ctx,
		cancel:   cancel,
	}
	instance.retries = newRetryQueue(pool, options.clock, options.retryPolicy, options.logger, set)
	set.NewGauge("rpcmux_invocation_retries_pending", func() float64 {
		return float64(instance.retries.pending())
	})
	set.NewGauge("rpcmux_connect_request_handlers", func() float64 {
		return float64(instance.handlers.size())
	})
	instance.logger.Debug().Int("pool_size", pool.Config().Size).Int("pool_size_max", pool.Config().SizeMax).Msg("instance created")
	return instance, nil
}

// NewInstanceFromProperties creates an instance configured from props.
// Explicit options take precedence over properties.
func NewInstanceFromProperties(props *config.Properties, opts ...Option) (*Instance, error) {
	var fromProps []Option
	poolConfig, err := threadpool.ConfigFromProperties(props, clientPoolName)
	if err != nil {
		return nil, err
	}
	fromProps = append(fromProps, WithClientPool(poolConfig))
	overrides, err := outgoing.OverridesFromProperties(props)
	if err != nil {
		return nil, err
	}
	fromProps = append(fromProps, WithOverrides(overrides))
	if props.IsSet("RetryIntervals") {
		intervals, err := props.Durations("RetryIntervals", time.Millisecond)
		if err != nil {
			return nil, err
		}
		fromProps = append(fromProps, WithRetryIntervals(intervals...))
	}
	if props.Bool("Connect.Serial", false) {
		fromProps = append(fromProps, WithSerialConnect())
	}
	return NewInstance(append(fromProps, opts...)...)
}

// NewReference returns a reference to endpoints.
func (i *Instance) NewReference(endpoints []endpoint.Endpoint, opts ...ReferenceOption) (*Reference, error) {
	if i.destroyed.Load() {
		return nil, ErrInstanceDestroyed
	}
	return newReference(i, endpoints, opts...), nil
}

// NewProxy is NewProxy(NewReference(endpoints, opts...)).
func (i *Instance) NewProxy(endpoints []endpoint.Endpoint, opts ...ReferenceOption) (*Proxy, error) {
	ref, err := i.NewReference(endpoints, opts...)
	if err != nil {
		return nil, err
	}
	return NewProxy(ref), nil
}

// Factory returns the connection factory.
func (i *Instance) Factory() *outgoing.Factory {
	return i.factory
}

// ThreadPool returns the client thread pool.
func (i *Instance) ThreadPool() *threadpool.ThreadPool {
	return i.pool
}

// FlushBatchRequests flushes the batch queues of every connection.
func (i *Instance) FlushBatchRequests() (int, error) {
	return i.factory.FlushAsyncBatchRequests()
}

// SetRouterInfo binds the router's adapter to existing connections to
// the router.
func (i *Instance) SetRouterInfo(ctx context.Context, router RouterInfo) error {
	return i.factory.SetRouterInfo(ctx, router)
}

// RemoveAdapter unbinds adapter from every connection.
func (i *Instance) RemoveAdapter(adapter connection.Adapter) {
	i.factory.RemoveAdapter(adapter)
}

// WriteMetrics writes the instance's metrics in Prometheus text format.
func (i *Instance) WriteMetrics(w io.Writer) {
	i.pool.Metrics().WritePrometheus(w)
	i.factory.Metrics().WritePrometheus(w)
	i.metrics.WritePrometheus(w)
}

// Destroy closes every connection, fails outstanding invocations and
// stops the thread pool. It waits for all of it until ctx ends.
func (i *Instance) Destroy(ctx context.Context) error {
	if !i.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	i.logger.Debug().Msg("destroying instance")
	i.cancel()
	i.factory.Destroy()
	i.retries.destroy()

	var errs []error
	if err := i.factory.WaitUntilFinished(ctx); err != nil {
		errs = append(errs, err)
	}
	i.pool.Destroy()
	if err := i.pool.JoinWithAllThreads(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
