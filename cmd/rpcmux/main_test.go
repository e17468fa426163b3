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

package main

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	t.Parallel()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	received := make(chan []byte, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{
		"probe", "--log-level", "error", "--ordered", "--payload", "hello", "--metrics",
		listener.Addr().String(),
	})
	require.NoError(t, root.Execute())

	assert.Contains(t, stdout.String(), "connected to "+listener.Addr().String())
	assert.Contains(t, stdout.String(), "sent 5 bytes")
	assert.Contains(t, stdout.String(), "rpcmux_outgoing_connections_created_total 1")
	// Shutting down closes the connection, which ends ReadAll.
	assert.Equal(t, "hello", string(<-received))
}

func TestProbeErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		args []string
	}{
		{name: "no_endpoints", args: []string{"probe"}},
		{name: "bad_endpoint", args: []string{"probe", "not-an-endpoint"}},
		{name: "bad_log_level", args: []string{"probe", "--log-level", "loud", "127.0.0.1:1"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			root := newRootCommand()
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			root.SetArgs(testCase.args)
			require.Error(t, root.Execute())
		})
	}
}
