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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fdHandler struct {
	name string
	fd   int
}

func (h *fdHandler) String() string { return h.name }
func (h *fdHandler) FD() int        { return h.fd }

func TestEpollSelectorSoftwareReadiness(t *testing.T) {
	t.Parallel()
	sel, err := NewEpoll()
	require.NoError(t, err)
	assert.True(t, sel.SupportsFD())
	testSelector(t, sel)
}

func TestEpollSelectorDescriptorReadiness(t *testing.T) {
	t.Parallel()
	sel, err := NewEpoll()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sel.Close() })

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	reader := &fdHandler{name: "pipe", fd: fds[0]}
	require.NoError(t, sel.Register(reader, OpRead))

	_, err = sel.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	events, err := sel.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []Event{{Handler: reader, Operation: OpRead}}, events)

	// Level triggered: still readable until drained, unless disabled.
	sel.Disable(reader, OpRead)
	_, err = sel.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	sel.Enable(reader, OpRead)
	events, err = sel.Wait(time.Second)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	var buf [8]byte
	_, err = unix.Read(fds[0], buf[:])
	require.NoError(t, err)
	_, err = sel.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	sel.Unregister(reader)
	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)
	_, err = sel.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestEpollSelectorWakeupAndClose(t *testing.T) {
	t.Parallel()
	sel, err := NewEpoll()
	require.NoError(t, err)
	h := newTestHandler("soft")
	require.NoError(t, sel.Register(h, OpRead))

	result := make(chan []Event, 1)
	go func() {
		events, _ := sel.Wait(0)
		result <- events
	}()
	time.Sleep(10 * time.Millisecond)
	sel.Ready(h, OpRead, true)
	select {
	case events := <-result:
		assert.Equal(t, []Event{{Handler: h, Operation: OpRead}}, events)
	case <-time.After(time.Second):
		t.Fatal("eventfd wakeup was not observed")
	}

	require.NoError(t, sel.Close())
	require.NoError(t, sel.Close())
	_, err = sel.Wait(0)
	require.ErrorIs(t, err, ErrClosed)
}
