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

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bufbuild/rpcmux/internal"
)

// AddressFamilyAffinity controls which resolved addresses a TCP endpoint
// turns into connectors, based on their address family.
type AddressFamilyAffinity int

const (
	// AllFamilies uses every resolved address.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 uses only IPv4 addresses if any were resolved, and all
	// addresses otherwise.
	PreferIPv4

	// PreferIPv6 uses only IPv6 addresses if any were resolved, and all
	// addresses otherwise.
	PreferIPv6

	// RequireIPv4 uses only IPv4 addresses.
	RequireIPv4

	// RequireIPv6 uses only IPv6 addresses.
	RequireIPv6
)

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// TCPOption configures a TCP endpoint.
type TCPOption interface {
	applyToTCP(*tcpEndpoint)
}

type tcpOptionFunc func(*tcpEndpoint)

func (f tcpOptionFunc) applyToTCP(e *tcpEndpoint) {
	f(e)
}

// WithResolver sets the DNS resolver. The default is [net.DefaultResolver].
func WithResolver(resolver *net.Resolver) TCPOption {
	return tcpOptionFunc(func(e *tcpEndpoint) {
		e.resolver = resolver
	})
}

// WithAffinity sets the address family affinity.
func WithAffinity(affinity AddressFamilyAffinity) TCPOption {
	return tcpOptionFunc(func(e *tcpEndpoint) {
		e.affinity = affinity
	})
}

// WithTimeout sets the connect timeout.
func WithTimeout(timeout time.Duration) TCPOption {
	return tcpOptionFunc(func(e *tcpEndpoint) {
		e.timeout = timeout
	})
}

// WithCompress marks the endpoint as compressing requests.
func WithCompress(compress bool) TCPOption {
	return tcpOptionFunc(func(e *tcpEndpoint) {
		e.compress = compress
	})
}

// WithConnectionID keeps connections to the same address apart when their
// IDs differ.
func WithConnectionID(id string) TCPOption {
	return tcpOptionFunc(func(e *tcpEndpoint) {
		e.connectionID = id
	})
}

// WithDialer replaces the function used to open connections.
func WithDialer(dial DialFunc) TCPOption {
	return tcpOptionFunc(func(e *tcpEndpoint) {
		e.dial = dial
	})
}

// NewTCP returns a TCP endpoint for host and port. Host may be a DNS name
// or an IP literal.
func NewTCP(host string, port int, opts ...TCPOption) Endpoint {
	e := &tcpEndpoint{
		host:     host,
		port:     port,
		resolver: net.DefaultResolver,
		dial:     (&net.Dialer{}).DialContext,
	}
	for _, opt := range opts {
		opt.applyToTCP(e)
	}
	return e
}

// ParseTCP parses "host:port" into a TCP endpoint.
func ParseTCP(hostPort string, opts ...TCPOption) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", hostPort, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("parsing endpoint %q: invalid port %q", hostPort, portStr)
	}
	return NewTCP(host, port, opts...), nil
}

type tcpEndpoint struct {
	host         string
	port         int
	timeout      time.Duration
	compress     bool
	connectionID string
	affinity     AddressFamilyAffinity
	resolver     *net.Resolver
	dial         DialFunc
}

func (e *tcpEndpoint) Protocol() string {
	return "tcp"
}

func (e *tcpEndpoint) Timeout() time.Duration {
	return e.timeout
}

func (e *tcpEndpoint) WithTimeout(timeout time.Duration) Endpoint {
	if timeout == e.timeout {
		return e
	}
	clone := *e
	clone.timeout = timeout
	return &clone
}

func (e *tcpEndpoint) Compress() bool {
	return e.compress
}

func (e *tcpEndpoint) WithCompress(compress bool) Endpoint {
	if compress == e.compress {
		return e
	}
	clone := *e
	clone.compress = compress
	return &clone
}

func (e *tcpEndpoint) Datagram() bool {
	return false
}

func (e *tcpEndpoint) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tcp -h %s -p %d", e.host, e.port)
	if e.timeout > 0 {
		fmt.Fprintf(&b, " -t %d", e.timeout.Milliseconds())
	}
	if e.compress {
		b.WriteString(" -z")
	}
	if e.connectionID != "" {
		fmt.Fprintf(&b, " -c %s", e.connectionID)
	}
	return b.String()
}

func (e *tcpEndpoint) String() string {
	return e.Key()
}

func (e *tcpEndpoint) Resolve(ctx context.Context, policy SelectionPolicy, callback func([]Connector, error)) {
	go func() {
		callback(e.resolve(ctx, policy))
	}()
}

func (e *tcpEndpoint) resolve(ctx context.Context, policy SelectionPolicy) ([]Connector, error) {
	if e.host == "" {
		return nil, errors.New("tcp endpoint has no host")
	}
	addresses, err := e.resolver.LookupNetIP(ctx, "ip", e.host)
	if err != nil {
		return nil, err
	}
	addresses = filterFamilies(addresses, e.affinity)
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%s: %w", e.host, ErrNoConnectors)
	}
	if policy == Random {
		addresses = internal.Shuffle(addresses)
	}
	connectors := make([]Connector, len(addresses))
	for i, address := range addresses {
		connectors[i] = &tcpConnector{
			address:      netip.AddrPortFrom(address.Unmap(), uint16(e.port)), //nolint:gosec // port validated by callers
			timeout:      e.timeout,
			connectionID: e.connectionID,
			dial:         e.dial,
		}
	}
	return connectors, nil
}

func filterFamilies(addresses []netip.Addr, affinity AddressFamilyAffinity) []netip.Addr {
	var ip4, ip6 []netip.Addr
	for _, address := range addresses {
		if address.Is4() || address.Is4In6() {
			ip4 = append(ip4, address)
		} else {
			ip6 = append(ip6, address)
		}
	}
	switch affinity {
	case PreferIPv4:
		if len(ip4) > 0 {
			return ip4
		}
	case PreferIPv6:
		if len(ip6) > 0 {
			return ip6
		}
	case RequireIPv4:
		return ip4
	case RequireIPv6:
		return ip6
	case AllFamilies:
	}
	return addresses
}

type tcpConnector struct {
	address      netip.AddrPort
	timeout      time.Duration
	connectionID string
	dial         DialFunc
}

func (c *tcpConnector) Protocol() string {
	return "tcp"
}

func (c *tcpConnector) Key() string {
	key := "tcp " + c.address.String()
	if c.timeout > 0 {
		key += " -t " + strconv.FormatInt(c.timeout.Milliseconds(), 10)
	}
	if c.connectionID != "" {
		key += " -c " + c.connectionID
	}
	return key
}

func (c *tcpConnector) String() string {
	return c.address.String()
}

func (c *tcpConnector) Connect(ctx context.Context) (Transceiver, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.dial(ctx, "tcp", c.address.String())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.address, err)
	}
	return &tcpTransceiver{Conn: conn}, nil
}

type tcpTransceiver struct {
	net.Conn
}

func (t *tcpTransceiver) Initialize(context.Context) error {
	if tcp, ok := t.Conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			return fmt.Errorf("configuring %s: %w", t, err)
		}
	}
	return nil
}

func (t *tcpTransceiver) FD() int {
	sc, ok := t.Conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(handle uintptr) {
		fd = int(handle) //nolint:gosec // descriptors fit in an int
	}); err != nil {
		return -1
	}
	return fd
}

func (t *tcpTransceiver) String() string {
	return fmt.Sprintf("%s -> %s", t.LocalAddr(), t.RemoteAddr())
}
