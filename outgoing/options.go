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
	"time"

	"github.com/bufbuild/rpcmux/config"
	"github.com/bufbuild/rpcmux/connection"
	"github.com/rs/zerolog"
)

// Overrides replace endpoint settings for every connection the factory
// establishes.
type Overrides struct {
	// Timeout, when positive, replaces each endpoint's timeout.
	Timeout time.Duration
	// Compress, when non-nil, replaces each endpoint's compression flag
	// for the callers of Create. Connections never compress on their
	// own.
	Compress *bool
}

// OverridesFromProperties reads Override.Timeout (milliseconds) and
// Override.Compress.
func OverridesFromProperties(props *config.Properties) (Overrides, error) {
	var overrides Overrides
	timeout, err := props.Duration("Override.Timeout", 0, time.Millisecond)
	if err != nil {
		return Overrides{}, err
	}
	if timeout > 0 {
		overrides.Timeout = timeout
	}
	if props.IsSet("Override.Compress") {
		compress := props.Bool("Override.Compress", false)
		overrides.Compress = &compress
	}
	return overrides, nil
}

// Option configures a Factory.
type Option interface {
	apply(*Factory)
}

type optionFunc func(*Factory)

func (f optionFunc) apply(factory *Factory) {
	f(factory)
}

// WithLogger sets the logger for the factory and the connections it
// creates.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(factory *Factory) {
		factory.logger = logger
	})
}

// WithOverrides sets endpoint overrides.
func WithOverrides(overrides Overrides) Option {
	return optionFunc(func(factory *Factory) {
		factory.overrides = overrides
	})
}

// WithConnectionOptions adds options applied to every connection the
// factory creates.
func WithConnectionOptions(opts ...connection.Option) Option {
	return optionFunc(func(factory *Factory) {
		factory.connOpts = append(factory.connOpts, opts...)
	})
}

// WithSerialConnect makes the factory dial on a single dedicated
// goroutine, one connector at a time, instead of on the thread pool.
func WithSerialConnect() Option {
	return optionFunc(func(factory *Factory) {
		factory.serialConnect = true
	})
}
