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

// Package connection implements outgoing connections driven by a thread
// pool.
//
// A Conn starts in StateValidating while its transceiver handshakes, moves
// to StateHolding once usable and to StateActive when the factory that
// created it hands it out. StateClosing and StateClosed are terminal.
package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/selector"
	"github.com/bufbuild/rpcmux/threadpool"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionClosed is the reason recorded for connections closed
	// on purpose.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrConnectionLost is the reason recorded when the transport fails.
	ErrConnectionLost = errors.New("connection lost")
)

const readBufferSize = 16 * 1024

// State is a connection lifecycle state.
type State int32

const (
	StateValidating State = iota
	StateHolding
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateHolding:
		return "holding"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CloseMode selects how Close treats requests still being written.
type CloseMode int

const (
	// CloseForcefully closes immediately. Queued requests fail with a
	// RetryError.
	CloseForcefully CloseMode = iota
	// CloseGracefully lets queued requests be written first.
	CloseGracefully
	// CloseGracefullyWithWait is CloseGracefully, and also waits for the
	// connection to be fully closed.
	CloseGracefullyWithWait
)

// RetryError reports that a request was not written and can safely be
// sent again, possibly over another connection.
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	return "request not sent: " + e.Err.Error()
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Adapter is the object adapter that serves requests arriving over a
// bidirectional connection.
type Adapter interface {
	Name() string
}

// OutgoingMessage is a request handed to SendAsyncRequest.
type OutgoingMessage interface {
	Payload() []byte
	// Sent is called once the payload is written.
	Sent()
	// Failed is called when a queued message can no longer be written.
	// The error is a *RetryError since nothing was written.
	Failed(err error)
}

// Option configures a Conn.
type Option interface {
	apply(*Conn)
}

type optionFunc func(*Conn)

func (f optionFunc) apply(c *Conn) {
	f(c)
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return optionFunc(func(c *Conn) {
		c.logger = logger
	})
}

// WithCloseHook sets a function called once the connection is closed.
func WithCloseHook(hook func(*Conn)) Option {
	return optionFunc(func(c *Conn) {
		c.closeHook = hook
	})
}

// WithDispatcher sets the function that receives inbound data, on a pool
// worker.
func WithDispatcher(dispatch func(*Conn, []byte)) Option {
	return optionFunc(func(c *Conn) {
		c.dispatcher = dispatch
	})
}

// Conn is an outgoing connection.
type Conn struct {
	pool        *threadpool.ThreadPool
	transceiver endpoint.Transceiver
	connector   endpoint.Connector
	endpoint    endpoint.Endpoint
	logger      zerolog.Logger
	closeHook   func(*Conn)
	dispatcher  func(*Conn, []byte)
	finished    chan struct{}
	// pump is set when readiness comes from a reader goroutine rather
	// than the selector.
	pump atomic.Bool

	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	err error
	// +checklocks:mu
	adapter Adapter
	// +checklocks:mu
	batch [][]byte
	// +checklocks:mu
	sending bool
	// +checklocks:mu
	sendQueue []OutgoingMessage
	// +checklocks:mu
	closeRequested bool
	// +checklocks:mu
	inbox [][]byte
}

var _ threadpool.EventHandler = (*Conn)(nil)

// New wraps an established transceiver. The connection does nothing until
// Start.
func New(pool *threadpool.ThreadPool, transceiver endpoint.Transceiver, info endpoint.ConnectorInfo, opts ...Option) *Conn {
	c := &Conn{
		pool:        pool,
		transceiver: transceiver,
		connector:   info.Connector,
		endpoint:    info.Endpoint.WithCompress(false),
		logger:      zerolog.Nop(),
		finished:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	c.logger = c.logger.With().Str("component", "connection").Str("connector", info.Connector.String()).Logger()
	return c
}

// Start performs the handshake on a pool worker and reports the outcome
// to callback. A failed connection has already been destroyed when the
// callback runs.
func (c *Conn) Start(callback func(error)) {
	err := c.pool.Execute(func(*threadpool.Current) {
		callback(c.initialize())
	})
	if err != nil {
		c.Destroy(err)
		callback(err)
	}
}

func (c *Conn) initialize() error {
	ctx := context.Background()
	if timeout := c.endpoint.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := c.transceiver.Initialize(ctx); err != nil {
		err = fmt.Errorf("initializing %s: %w", c.transceiver, err)
		c.Destroy(err)
		return err
	}

	c.mu.Lock()
	if c.state >= StateClosing {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pump.Store(!c.pool.SupportsFD() || c.transceiver.FD() < 0)
	err := c.pool.Register(c, selector.OpRead)
	if err == nil {
		c.state = StateHolding
		if c.pump.Load() {
			go c.readPump()
		}
	}
	drain := err == nil && len(c.sendQueue) > 0 && !c.sending
	if drain {
		c.sending = true
	}
	c.mu.Unlock()

	if err != nil {
		c.Destroy(err)
		return err
	}
	c.logger.Debug().Str("transceiver", c.transceiver.String()).Msg("connection established")
	if drain {
		c.drainSends()
	}
	return nil
}

// Activate moves a holding connection to active.
func (c *Conn) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHolding {
		c.state = StateActive
	}
}

// IsActiveOrHolding reports whether the connection can carry requests.
func (c *Conn) IsActiveOrHolding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateHolding || c.state == StateActive
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection is closing or closed, or nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.finished
}

// Connector returns the connector the connection was dialed through.
func (c *Conn) Connector() endpoint.Connector {
	return c.connector
}

// Endpoint returns the endpoint the connection serves, with compression
// off.
func (c *Conn) Endpoint() endpoint.Endpoint {
	return c.endpoint
}

// Adapter returns the bound adapter, or nil.
func (c *Conn) Adapter() Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapter
}

// SetAdapter binds (or with nil, unbinds) the adapter that serves
// requests arriving over this connection.
func (c *Conn) SetAdapter(adapter Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return
	}
	c.adapter = adapter
}

// SendAsyncRequest writes msg, or queues it behind writes in progress. It
// reports whether msg was written before returning. A *RetryError means
// nothing was written.
func (c *Conn) SendAsyncRequest(msg OutgoingMessage) (bool, error) {
	c.mu.Lock()
	if c.state >= StateClosing || c.closeRequested {
		err := c.closeReasonLocked()
		c.mu.Unlock()
		return false, &RetryError{Err: err}
	}
	if c.state == StateValidating || c.sending {
		c.sendQueue = append(c.sendQueue, msg)
		c.mu.Unlock()
		return false, nil
	}
	c.sending = true
	c.mu.Unlock()

	if err := c.write(msg.Payload()); err != nil {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
		return false, err
	}
	msg.Sent()
	c.drainSends()
	return true, nil
}

// AsyncRequestCanceled removes msg from the send queue. It reports false
// when msg was already written or was never queued.
func (c *Conn) AsyncRequestCanceled(msg OutgoingMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, queued := range c.sendQueue {
		if queued == msg {
			c.sendQueue = append(c.sendQueue[:i:i], c.sendQueue[i+1:]...)
			return true
		}
	}
	return false
}

// QueueBatchRequest appends payload to the batch sent by the next
// FlushBatchRequests.
func (c *Conn) QueueBatchRequest(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing || c.closeRequested {
		return &RetryError{Err: c.closeReasonLocked()}
	}
	c.batch = append(c.batch, append([]byte(nil), payload...))
	return nil
}

// BatchRequestCount returns the number of queued batch requests.
func (c *Conn) BatchRequestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

// FlushBatchRequests sends every queued batch request as one write and
// returns how many were flushed.
func (c *Conn) FlushBatchRequests() (int, error) {
	c.mu.Lock()
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}
	if _, err := c.SendAsyncRequest(&batchMessage{payload: bytes.Join(batch, nil)}); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Close closes the connection according to mode.
func (c *Conn) Close(mode CloseMode) {
	if mode == CloseForcefully {
		c.Destroy(ErrConnectionClosed)
		return
	}
	c.mu.Lock()
	idle := false
	if c.state < StateClosing && !c.closeRequested {
		c.closeRequested = true
		idle = !c.sending && len(c.sendQueue) == 0
	}
	c.mu.Unlock()
	if idle {
		c.Destroy(ErrConnectionClosed)
	}
	if mode == CloseGracefullyWithWait {
		<-c.finished
	}
}

// Destroy closes the connection with the given reason. Only the first
// call has an effect.
func (c *Conn) Destroy(reason error) {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.err = reason
	c.mu.Unlock()

	if errors.Is(reason, ErrConnectionClosed) {
		c.logger.Debug().Msg("closing connection")
	} else {
		c.logger.Debug().Err(reason).Msg("destroying connection")
	}
	if err := c.pool.Finish(c); err != nil {
		// No worker left to run Finished.
		c.finish()
	}
}

// String describes the connection.
func (c *Conn) String() string {
	return "connection to " + c.connector.String()
}

// FD exposes the transceiver's descriptor to selectors that watch it.
func (c *Conn) FD() int {
	if c.pump.Load() {
		return -1
	}
	return c.transceiver.FD()
}

// Message reads whatever is available and hands it to the dispatcher.
func (c *Conn) Message(current *threadpool.Current) error {
	if current.Operation&selector.OpRead == 0 {
		current.IOCompleted()
		return nil
	}
	var chunks [][]byte
	if c.pump.Load() {
		c.mu.Lock()
		chunks, c.inbox = c.inbox, nil
		c.pool.Ready(c, selector.OpRead, false)
		c.mu.Unlock()
	} else {
		n, err := c.transceiver.Read(current.Buffer)
		if err != nil {
			current.IOCompleted()
			c.Destroy(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return nil
		}
		if n > 0 {
			chunks = [][]byte{append([]byte(nil), current.Buffer[:n]...)}
		}
	}
	current.IOCompleted()
	if c.dispatcher != nil {
		for _, chunk := range chunks {
			c.dispatcher(c, chunk)
		}
	}
	return nil
}

// Finished completes the close started by Destroy.
func (c *Conn) Finished(*threadpool.Current) {
	c.finish()
}

func (c *Conn) finish() {
	closeErr := c.transceiver.Close()
	c.mu.Lock()
	reason := c.err
	queued := c.sendQueue
	c.sendQueue = nil
	c.batch = nil
	c.inbox = nil
	c.adapter = nil
	c.state = StateClosed
	c.mu.Unlock()

	if closeErr != nil {
		c.logger.Debug().Err(closeErr).Msg("error closing transceiver")
	}
	for _, msg := range queued {
		msg.Failed(&RetryError{Err: reason})
	}
	close(c.finished)
	if c.closeHook != nil {
		c.closeHook(c)
	}
}

func (c *Conn) readPump() {
	for {
		buf := make([]byte, readBufferSize)
		n, err := c.transceiver.Read(buf)
		if n > 0 {
			c.mu.Lock()
			if c.state < StateClosing {
				c.inbox = append(c.inbox, buf[:n])
				c.pool.Ready(c, selector.OpRead, true)
			}
			c.mu.Unlock()
		}
		if err != nil {
			c.Destroy(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
	}
}

// drainSends writes queued messages until the queue is empty. The caller
// must have set c.sending.
func (c *Conn) drainSends() {
	for {
		c.mu.Lock()
		if len(c.sendQueue) == 0 || c.state >= StateClosing {
			c.sending = false
			closeNow := c.closeRequested && c.state < StateClosing
			c.mu.Unlock()
			if closeNow {
				c.Destroy(ErrConnectionClosed)
			}
			return
		}
		msg := c.sendQueue[0]
		c.sendQueue[0] = nil
		c.sendQueue = c.sendQueue[1:]
		c.mu.Unlock()

		if err := c.write(msg.Payload()); err != nil {
			c.mu.Lock()
			c.sending = false
			c.mu.Unlock()
			msg.Failed(err)
			return
		}
		msg.Sent()
	}
}

// write sends payload, destroying the connection on failure. A failed
// write is reported as a *RetryError: the request never reached the peer.
func (c *Conn) write(payload []byte) error {
	if _, err := c.transceiver.Write(payload); err != nil {
		lost := fmt.Errorf("%w: %w", ErrConnectionLost, err)
		c.Destroy(lost)
		return &RetryError{Err: lost}
	}
	return nil
}

// +checklocks:c.mu
func (c *Conn) closeReasonLocked() error {
	if c.err != nil {
		return c.err
	}
	return ErrConnectionClosed
}

type batchMessage struct {
	payload []byte
}

func (m *batchMessage) Payload() []byte { return m.payload }
func (m *batchMessage) Sent()           {}
func (m *batchMessage) Failed(error)    {}
