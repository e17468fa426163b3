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

// Package selector tracks which event handlers are ready for which
// operations and lets a single goroutine wait for that set to become
// non-empty.
//
// Every handler carries three operation masks: the operations it is
// registered for, the ones temporarily disabled, and the ones currently
// ready. A handler is reported by Wait for the operations that are
// registered, ready and not disabled. Readiness is either set explicitly
// with Ready (in-process sources such as a work queue) or, with the epoll
// selector, observed from the kernel for handlers that expose a file
// descriptor.
package selector

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bufbuild/rpcmux/internal"
)

var (
	// ErrTimeout is returned by Wait when the timeout elapsed without any
	// handler becoming ready.
	ErrTimeout = errors.New("selector: wait timed out")
	// ErrClosed is returned once the selector has been closed.
	ErrClosed = errors.New("selector: closed")
)

// Operation is a bitmask of I/O interests.
type Operation uint8

const (
	// OpRead signals interest in (or readiness for) reading.
	OpRead Operation = 1 << iota
	// OpWrite signals interest in (or readiness for) writing.
	OpWrite
)

// OpNone is the empty operation set.
const OpNone Operation = 0

func (o Operation) String() string {
	if o == OpNone {
		return "none"
	}
	var parts []string
	if o&OpRead != 0 {
		parts = append(parts, "read")
	}
	if o&OpWrite != 0 {
		parts = append(parts, "write")
	}
	if rest := o &^ (OpRead | OpWrite); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Handler is something that can be registered with a selector. Handlers
// are compared by identity, so implementations are normally pointers.
type Handler interface {
	fmt.Stringer
}

// FDHandler is a Handler backed by an OS file descriptor. The epoll
// selector observes readiness for these from the kernel; the portable
// selector treats them like any other Handler.
type FDHandler interface {
	Handler
	FD() int
}

// Event is one entry of the ready set returned by Wait.
type Event struct {
	Handler   Handler
	Operation Operation
}

// Selector is the readiness multiplexer driven by a thread pool leader.
// All methods are safe for concurrent use, but at most one goroutine may
// be blocked in Wait at a time.
type Selector interface {
	// Register starts tracking h for the given operations.
	Register(h Handler, ops Operation) error
	// Update removes and then adds operations to h's registered set.
	Update(h Handler, remove, add Operation) error
	// Unregister stops tracking h entirely. Unknown handlers are ignored.
	Unregister(h Handler)
	// Disable suppresses reporting of ops for h without unregistering.
	Disable(h Handler, ops Operation)
	// Enable reverses Disable.
	Enable(h Handler, ops Operation)
	// Ready marks ops of h as ready (or no longer ready).
	Ready(h Handler, ops Operation, ready bool)
	// Wait blocks until at least one handler is ready, the timeout
	// elapses (ErrTimeout), or the selector is closed (ErrClosed). A zero
	// or negative timeout waits indefinitely.
	Wait(timeout time.Duration) ([]Event, error)
	// Wakeup causes a blocked Wait to re-evaluate the ready set.
	Wakeup()
	// SupportsFD reports whether FDHandler readiness is observed from the
	// kernel rather than through Ready.
	SupportsFD() bool
	// Close releases the selector. Pending and future Waits fail with
	// ErrClosed.
	Close() error
}

type registration struct {
	registered Operation
	disabled   Operation
	ready      Operation
	fd         int
}

func (r *registration) pending() Operation {
	return r.registered & r.ready &^ r.disabled
}

func (r *registration) interest() Operation {
	return r.registered &^ r.disabled
}

// readySet is the handler bookkeeping shared by both selector flavors.
type readySet struct {
	handlers map[Handler]*registration
	order    []Handler
}

func newReadySet() readySet {
	return readySet{handlers: map[Handler]*registration{}}
}

func (s *readySet) add(h Handler, ops Operation, fd int) (*registration, error) {
	if _, ok := s.handlers[h]; ok {
		return nil, fmt.Errorf("selector: %v already registered", h)
	}
	reg := &registration{registered: ops, fd: fd}
	s.handlers[h] = reg
	s.order = append(s.order, h)
	return reg, nil
}

func (s *readySet) remove(h Handler) *registration {
	reg, ok := s.handlers[h]
	if !ok {
		return nil
	}
	delete(s.handlers, h)
	for i, existing := range s.order {
		if existing == h {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return reg
}

// collect appends every handler with pending operations, in registration
// order.
func (s *readySet) collect(events []Event) []Event {
	for _, h := range s.order {
		if ops := s.handlers[h].pending(); ops != OpNone {
			events = append(events, Event{Handler: h, Operation: ops})
		}
	}
	return events
}

// Option configures a portable selector.
type Option interface {
	apply(*portableSelector)
}

type optionFunc func(*portableSelector)

func (f optionFunc) apply(s *portableSelector) {
	f(s)
}

// WithClock sets the clock that times out Wait. The default is the real
// clock.
func WithClock(clock internal.Clock) Option {
	return optionFunc(func(s *portableSelector) {
		s.clock = clock
	})
}

// New returns a portable selector in which readiness is only ever set
// through Ready. Handlers that own sockets report readiness from their
// own reader goroutine.
func New(opts ...Option) Selector {
	s := &portableSelector{
		clock: internal.NewRealClock(),
		set:   newReadySet(),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

type portableSelector struct {
	clock internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	set readySet
	// +checklocks:mu
	closed bool

	wake chan struct{}
}

func (s *portableSelector) Register(h Handler, ops Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.set.add(h, ops, -1)
	return err
}

func (s *portableSelector) Update(h Handler, remove, add Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.set.handlers[h]
	if !ok {
		return fmt.Errorf("selector: %v is not registered", h)
	}
	reg.registered = reg.registered&^remove | add
	if add != OpNone {
		s.signal()
	}
	return nil
}

func (s *portableSelector) Unregister(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set.remove(h)
}

func (s *portableSelector) Disable(h Handler, ops Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.set.handlers[h]; ok {
		reg.disabled |= ops
	}
}

func (s *portableSelector) Enable(h Handler, ops Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.set.handlers[h]; ok {
		reg.disabled &^= ops
		if reg.pending() != OpNone {
			s.signal()
		}
	}
}

func (s *portableSelector) Ready(h Handler, ops Operation, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.set.handlers[h]
	if !ok {
		return
	}
	if ready {
		reg.ready |= ops
		if reg.pending() != OpNone {
			s.signal()
		}
	} else {
		reg.ready &^= ops
	}
}

func (s *portableSelector) Wait(timeout time.Duration) ([]Event, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := s.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		events := s.set.collect(nil)
		s.mu.Unlock()
		if len(events) > 0 {
			return events, nil
		}
		select {
		case <-s.wake:
		case <-expired:
			return nil, ErrTimeout
		}
	}
}

func (s *portableSelector) Wakeup() {
	s.signal()
}

func (s *portableSelector) SupportsFD() bool {
	return false
}

func (s *portableSelector) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *portableSelector) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
