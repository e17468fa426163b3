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

//go:build linux

package selector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 256

// NewEpoll returns a selector that observes readiness of FDHandlers from
// an epoll instance. Handlers without a descriptor (or with a negative
// one) behave exactly as with New.
func NewEpoll() (Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("selector: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("selector: eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &ev); err != nil {
		_ = unix.Close(wakeFD)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("selector: registering wakeup descriptor: %w", err)
	}
	return &epollSelector{
		epfd:   epfd,
		wakeFD: wakeFD,
		set:    newReadySet(),
		byFD:   map[int]Handler{},
	}, nil
}

type epollSelector struct {
	epfd   int
	wakeFD int
	// Only the goroutine in Wait touches the event buffer.
	events [maxEpollEvents]unix.EpollEvent

	mu sync.Mutex
	// +checklocks:mu
	set readySet
	// +checklocks:mu
	byFD map[int]Handler
	// +checklocks:mu
	closed bool
}

func (s *epollSelector) Register(h Handler, ops Operation) error {
	fd := -1
	if fdh, ok := h.(FDHandler); ok {
		fd = fdh.FD()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	reg, err := s.set.add(h, ops, fd)
	if err != nil {
		return err
	}
	if fd < 0 {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(reg.interest()), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		s.set.remove(h)
		return fmt.Errorf("selector: registering %v: %w", h, err)
	}
	s.byFD[fd] = h
	return nil
}

func (s *epollSelector) Update(h Handler, remove, add Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.set.handlers[h]
	if !ok {
		return fmt.Errorf("selector: %v is not registered", h)
	}
	reg.registered = reg.registered&^remove | add
	if err := s.modifyLocked(reg); err != nil {
		return err
	}
	if add != OpNone {
		s.wakeLocked()
	}
	return nil
}

func (s *epollSelector) Unregister(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg := s.set.remove(h)
	if reg == nil || reg.fd < 0 {
		return
	}
	delete(s.byFD, reg.fd)
	if !s.closed {
		// The descriptor may already be closed, in which case the kernel
		// dropped it from the interest list on its own.
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil)
	}
}

func (s *epollSelector) Disable(h Handler, ops Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.set.handlers[h]; ok {
		reg.disabled |= ops
		_ = s.modifyLocked(reg)
	}
}

func (s *epollSelector) Enable(h Handler, ops Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.set.handlers[h]; ok {
		reg.disabled &^= ops
		_ = s.modifyLocked(reg)
		if reg.pending() != OpNone {
			s.wakeLocked()
		}
	}
}

func (s *epollSelector) Ready(h Handler, ops Operation, ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.set.handlers[h]
	if !ok {
		return
	}
	if ready {
		reg.ready |= ops
		if reg.pending() != OpNone {
			s.wakeLocked()
		}
	} else {
		reg.ready &^= ops
	}
}

func (s *epollSelector) Wait(timeout time.Duration) ([]Event, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		events := s.set.collect(nil)
		s.mu.Unlock()

		// Software readiness is already pending: only poll the kernel.
		waitMillis := -1
		switch {
		case len(events) > 0:
			waitMillis = 0
		case timeout > 0:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrTimeout
			}
			waitMillis = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.EpollWait(s.epfd, s.events[:], waitMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if s.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("selector: epoll_wait: %w", err)
		}
		events = s.merge(events, s.events[:n])
		if len(events) > 0 {
			return events, nil
		}
	}
}

// merge folds kernel readiness into the software events.
func (s *epollSelector) merge(events []Event, raw []unix.EpollEvent) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range raw {
		fd := int(ev.Fd)
		if fd == s.wakeFD {
			s.drainWakeup()
			continue
		}
		h, ok := s.byFD[fd]
		if !ok {
			continue
		}
		ops := fromEpoll(ev.Events) & s.set.handlers[h].interest()
		if ops == OpNone {
			continue
		}
		merged := false
		for i := range events {
			if events[i].Handler == h {
				events[i].Operation |= ops
				merged = true
				break
			}
		}
		if !merged {
			events = append(events, Event{Handler: h, Operation: ops})
		}
	}
	return events
}

func (s *epollSelector) Wakeup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeLocked()
}

func (s *epollSelector) SupportsFD() bool {
	return true
}

func (s *epollSelector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.wakeLocked()
	s.closed = true
	s.mu.Unlock()
	return errors.Join(unix.Close(s.wakeFD), unix.Close(s.epfd))
}

func (s *epollSelector) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// +checklocks:s.mu
func (s *epollSelector) modifyLocked(reg *registration) error {
	if reg.fd < 0 || s.closed {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(reg.interest()), Fd: int32(reg.fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, reg.fd, &ev); err != nil {
		return fmt.Errorf("selector: updating descriptor %d: %w", reg.fd, err)
	}
	return nil
}

// +checklocks:s.mu
func (s *epollSelector) wakeLocked() {
	if s.closed {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	// EAGAIN means the counter is already non-zero.
	_, _ = unix.Write(s.wakeFD, buf[:])
}

// +checklocks:s.mu
func (s *epollSelector) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(s.wakeFD, buf[:])
}

func toEpoll(ops Operation) uint32 {
	var events uint32
	if ops&OpRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ops&OpWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func fromEpoll(events uint32) Operation {
	var ops Operation
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ops |= OpRead
	}
	if events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ops |= OpWrite
	}
	return ops
}
