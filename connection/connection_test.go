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

package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/internal/testtransport"
	"github.com/bufbuild/rpcmux/threadpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndActivate(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	var hooked sync.WaitGroup
	hooked.Add(1)
	conn, tr := dialTestConn(ctx, t, pool, network, "a", WithCloseHook(func(*Conn) { hooked.Done() }))

	assert.Equal(t, StateValidating, conn.State())
	assert.False(t, conn.IsActiveOrHolding())
	require.NoError(t, startConn(ctx, t, conn))
	assert.Equal(t, StateHolding, conn.State())
	assert.True(t, conn.IsActiveOrHolding())
	conn.Activate()
	assert.Equal(t, StateActive, conn.State())
	assert.Equal(t, "test -h a", conn.Endpoint().Key())
	assert.Equal(t, "a", conn.Connector().Key())

	conn.Close(CloseGracefullyWithWait)
	assert.Equal(t, StateClosed, conn.State())
	require.ErrorIs(t, conn.Err(), ErrConnectionClosed)
	assert.True(t, tr.IsClosed())
	hooked.Wait()
}

func TestStartFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	handshakeErr := errors.New("bad handshake")
	network.SetBehavior("a", testtransport.Behavior{HandshakeErr: handshakeErr})
	closed := make(chan *Conn, 1)
	conn, tr := dialTestConn(ctx, t, pool, network, "a", WithCloseHook(func(c *Conn) { closed <- c }))

	err := startConn(ctx, t, conn)
	require.ErrorIs(t, err, handshakeErr)
	select {
	case c := <-closed:
		assert.Same(t, conn, c)
	case <-ctx.Done():
		t.Fatal("close hook not called")
	}
	assert.Equal(t, StateClosed, conn.State())
	assert.True(t, tr.IsClosed())
	assert.False(t, conn.IsActiveOrHolding())
}

func TestSendOrderingAndQueueing(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	conn, tr := dialTestConn(ctx, t, pool, network, "a")
	require.NoError(t, startConn(ctx, t, conn))

	release := tr.BlockWrites()
	first := newTestMessage("1")
	firstDone := make(chan bool, 1)
	go func() {
		sent, err := conn.SendAsyncRequest(first)
		assert.NoError(t, err)
		firstDone <- sent
	}()
	require.Eventually(t, conn.IsSending, time.Second, time.Millisecond)

	var queued []*testMessage
	for _, payload := range []string{"2", "3", "4"} {
		msg := newTestMessage(payload)
		sent, err := conn.SendAsyncRequest(msg)
		require.NoError(t, err)
		assert.False(t, sent)
		queued = append(queued, msg)
	}
	assert.True(t, conn.AsyncRequestCanceled(queued[1]))
	assert.False(t, conn.AsyncRequestCanceled(queued[1]))
	assert.False(t, conn.AsyncRequestCanceled(first))

	release()
	assert.True(t, <-firstDone)
	writes, err := tr.AwaitWrites(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "4"}, toStrings(writes))
	first.awaitSent(ctx, t)
	queued[0].awaitSent(ctx, t)
	queued[2].awaitSent(ctx, t)
	assert.False(t, conn.IsSending())
}

func TestDestroyFailsQueuedSends(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	conn, tr := dialTestConn(ctx, t, pool, network, "a")
	require.NoError(t, startConn(ctx, t, conn))

	release := tr.BlockWrites()
	t.Cleanup(release)
	go func() {
		_, _ = conn.SendAsyncRequest(newTestMessage("in flight"))
	}()
	require.Eventually(t, conn.IsSending, time.Second, time.Millisecond)
	queued := newTestMessage("queued")
	_, err := conn.SendAsyncRequest(queued)
	require.NoError(t, err)

	reason := errors.New("shutting down")
	conn.Destroy(reason)
	conn.Destroy(errors.New("ignored"))
	select {
	case err := <-queued.failed:
		var retry *RetryError
		require.ErrorAs(t, err, &retry)
		require.ErrorIs(t, err, reason)
	case <-ctx.Done():
		t.Fatal("queued message was not failed")
	}
	<-conn.Done()
	require.ErrorIs(t, conn.Err(), reason)

	_, err = conn.SendAsyncRequest(newTestMessage("late"))
	var retry *RetryError
	require.ErrorAs(t, err, &retry)
	require.ErrorAs(t, conn.QueueBatchRequest([]byte("late")), &retry)
}

func TestWriteFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	conn, tr := dialTestConn(ctx, t, pool, network, "a")
	require.NoError(t, startConn(ctx, t, conn))

	tr.FailWrites(errors.New("broken pipe"))
	_, err := conn.SendAsyncRequest(newTestMessage("x"))
	require.ErrorIs(t, err, ErrConnectionLost)
	var retry *RetryError
	require.ErrorAs(t, err, &retry)
	<-conn.Done()
	require.ErrorIs(t, conn.Err(), ErrConnectionLost)
}

func TestBatchRequests(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	conn, tr := dialTestConn(ctx, t, pool, network, "a")
	require.NoError(t, startConn(ctx, t, conn))

	count, err := conn.FlushBatchRequests()
	require.NoError(t, err)
	assert.Zero(t, count)

	for _, payload := range []string{"a", "b", "c"} {
		require.NoError(t, conn.QueueBatchRequest([]byte(payload)))
	}
	assert.Equal(t, 3, conn.BatchRequestCount())
	count, err = conn.FlushBatchRequests()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Zero(t, conn.BatchRequestCount())
	assert.Equal(t, []string{"abc"}, toStrings(tr.Writes()))
}

func TestGracefulCloseDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	conn, tr := dialTestConn(ctx, t, pool, network, "a")
	require.NoError(t, startConn(ctx, t, conn))

	release := tr.BlockWrites()
	go func() {
		_, _ = conn.SendAsyncRequest(newTestMessage("1"))
	}()
	require.Eventually(t, conn.IsSending, time.Second, time.Millisecond)
	_, err := conn.SendAsyncRequest(newTestMessage("2"))
	require.NoError(t, err)

	conn.Close(CloseGracefully)
	assert.Equal(t, StateHolding, conn.State(), "close must wait for queued writes")
	_, err = conn.SendAsyncRequest(newTestMessage("rejected"))
	var retry *RetryError
	require.ErrorAs(t, err, &retry)

	release()
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("connection did not close after draining")
	}
	assert.Equal(t, []string{"1", "2"}, toStrings(tr.Writes()))
}

func TestInboundDispatch(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	received := make(chan string, 4)
	conn, tr := dialTestConn(ctx, t, pool, network, "a", WithDispatcher(func(_ *Conn, data []byte) {
		received <- string(data)
	}))
	require.NoError(t, startConn(ctx, t, conn))

	tr.Deliver([]byte("hello"))
	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-ctx.Done():
		t.Fatal("inbound data not dispatched")
	}

	// Peer goes away.
	require.NoError(t, tr.Close())
	select {
	case <-conn.Done():
	case <-ctx.Done():
		t.Fatal("lost connection not detected")
	}
	require.ErrorIs(t, conn.Err(), ErrConnectionLost)
}

type testAdapter string

func (a testAdapter) Name() string { return string(a) }

func TestAdapterBinding(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool := newTestPool(t)
	network := testtransport.NewNetwork()
	conn, _ := dialTestConn(ctx, t, pool, network, "a")
	require.NoError(t, startConn(ctx, t, conn))
	assert.Nil(t, conn.Adapter())
	conn.SetAdapter(testAdapter("callbacks"))
	assert.Equal(t, testAdapter("callbacks"), conn.Adapter())
	conn.Close(CloseForcefully)
	<-conn.Done()
	assert.Nil(t, conn.Adapter())
}

func TestStartOnDestroyedPool(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	pool, err := threadpool.New("destroyed", threadpool.Config{Size: 1})
	require.NoError(t, err)
	pool.Destroy()
	require.NoError(t, pool.JoinWithAllThreads(ctx))

	network := testtransport.NewNetwork()
	conn, tr := dialTestConn(ctx, t, pool, network, "a")
	err = startConn(ctx, t, conn)
	require.ErrorIs(t, err, threadpool.ErrDestroyed)
	<-conn.Done()
	assert.True(t, tr.IsClosed())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestPool(t *testing.T) *threadpool.ThreadPool {
	t.Helper()
	pool, err := threadpool.New(t.Name(), threadpool.Config{Size: 1, SizeMax: 4})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Destroy()
		assert.NoError(t, pool.JoinWithAllThreads(ctx))
	})
	return pool
}

func dialTestConn(
	ctx context.Context,
	t *testing.T,
	pool *threadpool.ThreadPool,
	network *testtransport.Network,
	name string,
	opts ...Option,
) (*Conn, *testtransport.Transceiver) {
	t.Helper()
	ep := network.Endpoint(name)
	connector := &resolvedConnector{ch: make(chan endpoint.Connector, 1)}
	ep.Resolve(ctx, endpoint.Ordered, connector.set)
	info := endpoint.ConnectorInfo{Connector: connector.await(ctx, t), Endpoint: ep}
	tr, err := info.Connector.Connect(ctx)
	require.NoError(t, err)
	fake, ok := tr.(*testtransport.Transceiver)
	require.True(t, ok)
	return New(pool, tr, info, opts...), fake
}

func startConn(ctx context.Context, t *testing.T, conn *Conn) error {
	t.Helper()
	result := make(chan error, 1)
	conn.Start(func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		t.Fatal("start did not complete")
		return nil
	}
}

type resolvedConnector struct {
	ch chan endpoint.Connector
}

func (r *resolvedConnector) set(connectors []endpoint.Connector, err error) {
	if err != nil || len(connectors) == 0 {
		close(r.ch)
		return
	}
	r.ch <- connectors[0]
}

func (r *resolvedConnector) await(ctx context.Context, t *testing.T) endpoint.Connector {
	t.Helper()
	select {
	case c, ok := <-r.ch:
		require.True(t, ok, "resolution failed")
		return c
	case <-ctx.Done():
		t.Fatal("resolution did not complete")
		return nil
	}
}

type testMessage struct {
	payload []byte
	sent    chan struct{}
	failed  chan error
}

func newTestMessage(payload string) *testMessage {
	return &testMessage{
		payload: []byte(payload),
		sent:    make(chan struct{}, 1),
		failed:  make(chan error, 1),
	}
}

func (m *testMessage) Payload() []byte { return m.payload }
func (m *testMessage) Sent()           { m.sent <- struct{}{} }
func (m *testMessage) Failed(err error) {
	m.failed <- err
}

func (m *testMessage) awaitSent(ctx context.Context, t *testing.T) {
	t.Helper()
	select {
	case <-m.sent:
	case <-ctx.Done():
		t.Fatalf("message %q not sent", m.payload)
	}
}

func toStrings(chunks [][]byte) []string {
	out := make([]string, len(chunks))
	for i, chunk := range chunks {
		out[i] = string(chunk)
	}
	return out
}
