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
	"runtime"
	"time"

	"github.com/bufbuild/rpcmux/config"
	"github.com/rs/zerolog"
)

const (
	defaultThreadIdleTime = 60 * time.Second
	selectorEpoll         = "epoll"
)

// Config sizes a thread pool. The zero value is a single worker that
// never shrinks and never reports server idleness.
type Config struct {
	// Size is the initial and minimum number of workers.
	Size int
	// SizeMax is the maximum number of workers. Zero means Size; a
	// negative value means the number of processors.
	SizeMax int
	// SizeWarn logs a warning when this many workers are busy. Zero
	// disables the warning.
	SizeWarn int
	// Serialize prevents a handler from being dispatched concurrently
	// with itself.
	Serialize bool
	// ThreadIdleTime is how long a follower waits before it may exit
	// when the pool is above Size. Zero disables shrinking.
	ThreadIdleTime time.Duration
	// ServerIdleTime, when positive, runs the pool's idle callback once
	// the selector has been quiet and no worker busy for this long.
	ServerIdleTime time.Duration
	// StackSize and ThreadPriority are accepted for configuration
	// compatibility. Goroutines have neither, so they are only logged.
	StackSize      int
	ThreadPriority int
	// Selector chooses the readiness mechanism: "epoll" on Linux, or
	// empty for the portable one.
	Selector string
}

// ConfigFromProperties reads the pool configuration stored under prefix,
// for example "ThreadPool.Client".
func ConfigFromProperties(props *config.Properties, prefix string) (Config, error) {
	cfg := Config{
		Size:           props.Int(prefix+".Size", 1),
		SizeWarn:       props.Int(prefix+".SizeWarn", 0),
		Serialize:      props.Bool(prefix+".Serialize", false),
		StackSize:      props.Int(prefix+".StackSize", 0),
		ThreadPriority: props.Int(prefix+".ThreadPriority", 0),
		Selector:       props.String(prefix+".Selector", ""),
	}
	cfg.SizeMax = props.Int(prefix+".SizeMax", cfg.Size)
	var err error
	if cfg.ThreadIdleTime, err = props.Duration(prefix+".ThreadIdleTime", defaultThreadIdleTime, time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ServerIdleTime, err = props.Duration(prefix+".ServerIdleTime", 0, time.Second); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize clamps the configuration into a usable shape, logging every
// adjustment.
func (c Config) normalize(name string, logger zerolog.Logger) Config {
	if c.Size < 1 {
		if c.Size < 0 {
			logger.Warn().Str("pool", name).Int("size", c.Size).Msg("invalid pool size, using 1")
		}
		c.Size = 1
	}
	switch {
	case c.SizeMax < 0:
		c.SizeMax = runtime.NumCPU()
		if c.SizeMax < c.Size {
			c.SizeMax = c.Size
		}
	case c.SizeMax == 0:
		c.SizeMax = c.Size
	case c.SizeMax < c.Size:
		logger.Warn().Str("pool", name).Int("size_max", c.SizeMax).Int("size", c.Size).
			Msg("maximum pool size is smaller than pool size, using pool size")
		c.SizeMax = c.Size
	}
	if c.SizeWarn != 0 {
		if c.SizeWarn < c.Size {
			logger.Warn().Str("pool", name).Int("size_warn", c.SizeWarn).Int("size", c.Size).
				Msg("warning size is smaller than pool size, using pool size")
			c.SizeWarn = c.Size
		} else if c.SizeWarn > c.SizeMax {
			logger.Warn().Str("pool", name).Int("size_warn", c.SizeWarn).Int("size_max", c.SizeMax).
				Msg("warning size is larger than maximum pool size, using maximum pool size")
			c.SizeWarn = c.SizeMax
		}
	}
	if c.ThreadIdleTime < 0 {
		logger.Warn().Str("pool", name).Dur("thread_idle_time", c.ThreadIdleTime).
			Msg("invalid thread idle time, shrinking disabled")
		c.ThreadIdleTime = 0
	}
	if c.ServerIdleTime < 0 {
		c.ServerIdleTime = 0
	}
	if c.StackSize != 0 || c.ThreadPriority != 0 {
		logger.Debug().Str("pool", name).Int("stack_size", c.StackSize).Int("priority", c.ThreadPriority).
			Msg("stack size and priority are not applicable to goroutines")
	}
	return c
}

// sizeIO bounds the number of workers concurrently performing I/O.
func (c Config) sizeIO() int {
	if n := runtime.NumCPU(); n < c.SizeMax {
		return n
	}
	return c.SizeMax
}
