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

// Package endpoint defines destination descriptors and how they turn
// into connections.
//
// An Endpoint is an abstract destination, for example a host name and a
// port. Resolving it produces Connectors, each one a concrete address that
// can be dialed. Dialing a Connector yields a Transceiver, the raw byte
// stream a connection is built on.
package endpoint

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoConnectors is reported when an endpoint resolves to nothing usable.
var ErrNoConnectors = errors.New("endpoint resolved to no connectors")

// SelectionPolicy orders resolved connectors and endpoint lists.
type SelectionPolicy int

const (
	// Random shuffles candidates so that clients spread across them.
	Random SelectionPolicy = iota
	// Ordered keeps candidates in the order they were given or resolved.
	Ordered
)

func (p SelectionPolicy) String() string {
	switch p {
	case Random:
		return "random"
	case Ordered:
		return "ordered"
	default:
		return "unknown"
	}
}

// Endpoint is an immutable destination descriptor. The With methods
// return modified copies.
type Endpoint interface {
	// Protocol names the transport, for example "tcp".
	Protocol() string
	// Timeout bounds connection establishment. Zero means no timeout.
	Timeout() time.Duration
	WithTimeout(timeout time.Duration) Endpoint
	// Compress reports whether requests over this endpoint should be
	// compressed.
	Compress() bool
	WithCompress(compress bool) Endpoint
	// Datagram reports whether the endpoint is connectionless.
	Datagram() bool
	// Key identifies the endpoint, including its timeout and compression
	// flags. Equal keys mean interchangeable endpoints.
	Key() string
	// Resolve produces the endpoint's connectors. The callback is invoked
	// exactly once, possibly from another goroutine, possibly before
	// Resolve returns.
	Resolve(ctx context.Context, policy SelectionPolicy, callback func([]Connector, error))
	String() string
}

// Connector is a dialable, resolved address. Connectors with equal keys
// may share a connection.
type Connector interface {
	Protocol() string
	Key() string
	Connect(ctx context.Context) (Transceiver, error)
	String() string
}

// Transceiver is an established byte stream.
type Transceiver interface {
	io.ReadWriteCloser
	// Initialize performs any handshake needed before the stream is
	// usable.
	Initialize(ctx context.Context) error
	// FD returns the underlying descriptor, or -1 if there is none.
	FD() int
	String() string
}

// ConnectorInfo pairs a connector with the endpoint it was resolved from.
type ConnectorInfo struct {
	Connector Connector
	Endpoint  Endpoint
}
