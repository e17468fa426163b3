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

// Package config loads runtime properties from files, dotenv files and
// the environment.
//
// Keys are dotted and case-insensitive, for example
// "ThreadPool.Client.SizeMax". Every key can be overridden from the
// environment by upper-casing it, replacing dots with underscores and
// prefixing RPCMUX_, so the key above becomes
// RPCMUX_THREADPOOL_CLIENT_SIZEMAX.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names.
const EnvPrefix = "RPCMUX"

// Properties is a set of configuration values. It is safe to read from
// multiple goroutines once loading is done.
type Properties struct {
	v *viper.Viper
}

// New returns properties backed only by the environment.
func New() *Properties {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Properties{v: v}
}

// Load reads a property file (YAML, JSON or TOML, chosen by extension)
// and layers the environment on top.
func Load(path string) (*Properties, error) {
	props := New()
	props.v.SetConfigFile(path)
	if err := props.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading properties from %s: %w", path, err)
	}
	return props, nil
}

// LoadDotEnv loads the given dotenv files into the process environment.
// Missing files are skipped; variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}

// Set overrides key with value.
func (p *Properties) Set(key string, value any) {
	p.v.Set(key, value)
}

// BindFlag makes a command-line flag the source of key when the flag was
// given explicitly.
func (p *Properties) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("no flag to bind to %q", key)
	}
	return p.v.BindPFlag(key, flag)
}

// IsSet reports whether key has a value from any source.
func (p *Properties) IsSet(key string) bool {
	return p.v.IsSet(key)
}

// String returns key as a string, or def when unset.
func (p *Properties) String(key, def string) string {
	if !p.IsSet(key) {
		return def
	}
	return p.v.GetString(key)
}

// Int returns key as an int, or def when unset or malformed.
func (p *Properties) Int(key string, def int) int {
	if !p.IsSet(key) {
		return def
	}
	switch value := p.v.Get(key).(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(value)))
		if err != nil {
			return def
		}
		return n
	}
}

// Bool returns key as a bool, or def when unset. Numeric values are true
// when non-zero.
func (p *Properties) Bool(key string, def bool) bool {
	if !p.IsSet(key) {
		return def
	}
	switch value := p.v.Get(key).(type) {
	case bool:
		return value
	case int:
		return value != 0
	default:
		s := strings.TrimSpace(fmt.Sprint(value))
		if n, err := strconv.Atoi(s); err == nil {
			return n != 0
		}
		b, err := strconv.ParseBool(s)
		if err != nil {
			return def
		}
		return b
	}
}

// Duration returns key as a duration, or def when unset. Bare numbers are
// multiplied by unit; other values are parsed by [time.ParseDuration].
func (p *Properties) Duration(key string, def, unit time.Duration) (time.Duration, error) {
	if !p.IsSet(key) {
		return def, nil
	}
	d, err := parseDuration(p.v.Get(key), unit)
	if err != nil {
		return def, fmt.Errorf("property %s: %w", key, err)
	}
	return d, nil
}

// Durations returns key as a whitespace or comma separated list of
// durations, using the same rules as Duration for each element.
func (p *Properties) Durations(key string, unit time.Duration) ([]time.Duration, error) {
	if !p.IsSet(key) {
		return nil, nil
	}
	var fields []string
	switch value := p.v.Get(key).(type) {
	case []any:
		for _, elem := range value {
			fields = append(fields, fmt.Sprint(elem))
		}
	default:
		fields = strings.FieldsFunc(fmt.Sprint(value), func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
	}
	durations := make([]time.Duration, 0, len(fields))
	for _, field := range fields {
		d, err := parseDuration(field, unit)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		durations = append(durations, d)
	}
	return durations, nil
}

func parseDuration(value any, unit time.Duration) (time.Duration, error) {
	switch value := value.(type) {
	case time.Duration:
		return value, nil
	case int:
		return time.Duration(value) * unit, nil
	case int64:
		return time.Duration(value) * unit, nil
	case float64:
		return time.Duration(value * float64(unit)), nil
	}
	s := strings.TrimSpace(fmt.Sprint(value))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
