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

// Package testtransport provides in-memory endpoints, connectors and
// transceivers whose behavior tests can script and observe.
package testtransport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/internal"
)

// Behavior scripts what happens when a connector is dialed.
type Behavior struct {
	// ConnectErr fails Connect.
	ConnectErr error
	// HandshakeErr fails the transceiver's Initialize.
	HandshakeErr error
	// Gate, when set, blocks Connect until it is closed or the context
	// ends.
	Gate <-chan struct{}
	// WriteErr makes every write on the dialed transceiver fail.
	WriteErr error
}

// Network is a set of fake connectors, keyed by name. The zero value is
// not usable; use NewNetwork.
type Network struct {
	dialed chan string

	mu sync.Mutex
	// +checklocks:mu
	behaviors map[string]Behavior
	// +checklocks:mu
	dials map[string]int
	// +checklocks:mu
	transceivers map[string][]*Transceiver
}

// NewNetwork constructs an empty network. Every connector succeeds until
// told otherwise with SetBehavior.
func NewNetwork() *Network {
	return &Network{
		dialed:       make(chan string, 256),
		behaviors:    map[string]Behavior{},
		dials:        map[string]int{},
		transceivers: map[string][]*Transceiver{},
	}
}

// SetBehavior scripts the connector with the given key.
func (n *Network) SetBehavior(connector string, behavior Behavior) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.behaviors[connector] = behavior
}

// Dials returns how many times the connector was dialed.
func (n *Network) Dials(connector string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[connector]
}

// TotalDials returns how many dials happened across all connectors.
func (n *Network) TotalDials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var total int
	for _, count := range n.dials {
		total += count
	}
	return total
}

// Transceivers returns the transceivers created for the connector, in
// creation order.
func (n *Network) Transceivers(connector string) []*Transceiver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Transceiver(nil), n.transceivers[connector]...)
}

// AwaitDial waits for the next dial and returns the dialed connector key.
func (n *Network) AwaitDial(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case key := <-n.dialed:
		return key, nil
	}
}

// Endpoint returns an endpoint resolving to the given connector keys, or
// to a single connector named after the endpoint when none are given.
func (n *Network) Endpoint(name string, connectors ...string) *Endpoint {
	if len(connectors) == 0 {
		connectors = []string{name}
	}
	return &Endpoint{network: n, name: name, connectors: connectors}
}

func (n *Network) dial(ctx context.Context, key string) (*Transceiver, error) {
	n.mu.Lock()
	n.dials[key]++
	behavior := n.behaviors[key]
	n.mu.Unlock()
	select {
	case n.dialed <- key:
	default:
	}

	if behavior.Gate != nil {
		select {
		case <-behavior.Gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", key, ctx.Err())
		}
	}
	if behavior.ConnectErr != nil {
		return nil, fmt.Errorf("dial %s: %w", key, behavior.ConnectErr)
	}
	tr := &Transceiver{
		key:          key,
		handshakeErr: behavior.HandshakeErr,
		writeErr:     behavior.WriteErr,
		inbox:        make(chan []byte, 64),
		closed:       make(chan struct{}),
		written:      make(chan struct{}, 1),
	}
	n.mu.Lock()
	n.transceivers[key] = append(n.transceivers[key], tr)
	n.mu.Unlock()
	return tr, nil
}

// Endpoint is a fake endpoint. Its With methods return copies.
type Endpoint struct {
	network     *Network
	name        string
	connectors  []string
	compress    bool
	timeout     time.Duration
	datagram    bool
	resolveErr  error
	resolveGate <-chan struct{}
}

var _ endpoint.Endpoint = (*Endpoint)(nil)

// WithDatagram returns a copy marked as connectionless.
func (e *Endpoint) WithDatagram(datagram bool) *Endpoint {
	clone := *e
	clone.datagram = datagram
	return &clone
}

// WithResolveError returns a copy whose resolution fails with err.
func (e *Endpoint) WithResolveError(err error) *Endpoint {
	clone := *e
	clone.resolveErr = err
	return &clone
}

// WithResolveGate returns a copy whose resolution waits for gate.
func (e *Endpoint) WithResolveGate(gate <-chan struct{}) *Endpoint {
	clone := *e
	clone.resolveGate = gate
	return &clone
}

func (e *Endpoint) Protocol() string {
	return "test"
}

func (e *Endpoint) Timeout() time.Duration {
	return e.timeout
}

func (e *Endpoint) WithTimeout(timeout time.Duration) endpoint.Endpoint {
	clone := *e
	clone.timeout = timeout
	return &clone
}

func (e *Endpoint) Compress() bool {
	return e.compress
}

func (e *Endpoint) WithCompress(compress bool) endpoint.Endpoint {
	clone := *e
	clone.compress = compress
	return &clone
}

func (e *Endpoint) Datagram() bool {
	return e.datagram
}

func (e *Endpoint) Key() string {
	key := "test -h " + e.name
	if e.timeout > 0 {
		key += " -t " + strconv.FormatInt(e.timeout.Milliseconds(), 10)
	}
	if e.compress {
		key += " -z"
	}
	if e.datagram {
		key += " -d"
	}
	return key
}

func (e *Endpoint) String() string {
	return e.Key()
}

func (e *Endpoint) Resolve(ctx context.Context, policy endpoint.SelectionPolicy, callback func([]endpoint.Connector, error)) {
	go func() {
		if e.resolveGate != nil {
			select {
			case <-e.resolveGate:
			case <-ctx.Done():
				callback(nil, ctx.Err())
				return
			}
		}
		if e.resolveErr != nil {
			callback(nil, e.resolveErr)
			return
		}
		keys := e.connectors
		if policy == endpoint.Random {
			keys = internal.Shuffle(keys)
		}
		connectors := make([]endpoint.Connector, len(keys))
		for i, key := range keys {
			connectors[i] = &Connector{network: e.network, key: key}
		}
		callback(connectors, nil)
	}()
}

// Connector is a fake connector identified by its key.
type Connector struct {
	network *Network
	key     string
}

func (c *Connector) Protocol() string {
	return "test"
}

func (c *Connector) Key() string {
	return c.key
}

func (c *Connector) String() string {
	return c.key
}

func (c *Connector) Connect(ctx context.Context) (endpoint.Transceiver, error) {
	tr, err := c.network.dial(ctx, c.key)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Transceiver records everything written to it and returns whatever is
// delivered to it from Read.
type Transceiver struct {
	key          string
	handshakeErr error
	inbox        chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	written      chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	writes [][]byte
	// +checklocks:mu
	writeErr error
	// +checklocks:mu
	writeGate chan struct{}
}

var _ endpoint.Transceiver = (*Transceiver)(nil)

func (t *Transceiver) Initialize(context.Context) error {
	return t.handshakeErr
}

func (t *Transceiver) Read(p []byte) (int, error) {
	select {
	case data := <-t.inbox:
		return copy(p, data), nil
	case <-t.closed:
		return 0, io.EOF
	}
}

func (t *Transceiver) Write(p []byte) (int, error) {
	t.mu.Lock()
	gate := t.writeGate
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-t.closed:
		}
	}
	select {
	case <-t.closed:
		return 0, net.ErrClosed
	default:
	}
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return 0, err
	}
	t.writes = append(t.writes, append([]byte(nil), p...))
	t.mu.Unlock()
	select {
	case t.written <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (t *Transceiver) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *Transceiver) FD() int {
	return -1
}

func (t *Transceiver) String() string {
	return "test transceiver " + t.key
}

// Deliver makes data available to Read.
func (t *Transceiver) Deliver(data []byte) {
	t.inbox <- data
}

// IsClosed reports whether Close was called.
func (t *Transceiver) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// FailWrites makes every later Write fail with err.
func (t *Transceiver) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// BlockWrites makes writes wait until the returned function is called.
func (t *Transceiver) BlockWrites() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.writeGate = gate
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.writeGate = nil
			t.mu.Unlock()
			close(gate)
		})
	}
}

// Writes returns a copy of every successful write, in order.
func (t *Transceiver) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.writes...)
}

// AwaitWrites waits until at least count writes succeeded and returns
// them.
func (t *Transceiver) AwaitWrites(ctx context.Context, count int) ([][]byte, error) {
	for {
		if writes := t.Writes(); len(writes) >= count {
			return writes, nil
		}
		select {
		case <-ctx.Done():
			return t.Writes(), ctx.Err()
		case <-t.written:
		}
	}
}
