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

package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bufbuild/rpcmux/connection"
	"github.com/bufbuild/rpcmux/endpoint"
	"github.com/bufbuild/rpcmux/outgoing"
	"github.com/bufbuild/rpcmux/threadpool"
)

var (
	// ErrInvocationTimeout completes invocations that outlive the
	// reference's invocation timeout.
	ErrInvocationTimeout = errors.New("invocation timed out")
	// ErrInvocationCanceled completes invocations canceled by the caller.
	ErrInvocationCanceled = errors.New("invocation canceled")
	// ErrNoEndpoints is reported when a reference has no endpoint usable
	// for its mode.
	ErrNoEndpoints = errors.New("no suitable endpoint available")
	// ErrInstanceDestroyed is returned by operations on a destroyed
	// instance.
	ErrInstanceDestroyed = outgoing.ErrCommunicatorDestroyed
)

// ErrorKind classifies why an invocation failed.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindConnectionLost
	KindNoRoute
	KindCanceled
	KindDestroyed
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection lost"
	case KindNoRoute:
		return "no route"
	case KindCanceled:
		return "canceled"
	case KindDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// InvocationError is the error reported by a failed invocation.
type InvocationError struct {
	Kind ErrorKind
	Err  error
}

func (e *InvocationError) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

func classify(err error) *InvocationError {
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return invErr
	}
	var dnsErr *net.DNSError
	var kind ErrorKind
	switch {
	case errors.Is(err, outgoing.ErrCommunicatorDestroyed), errors.Is(err, threadpool.ErrDestroyed):
		// Destruction cancels in-flight connects, so check it first.
		kind = KindDestroyed
	case errors.Is(err, ErrInvocationTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, ErrInvocationCanceled), errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, ErrNoEndpoints), errors.Is(err, endpoint.ErrNoConnectors), errors.As(err, &dnsErr):
		kind = KindNoRoute
	default:
		kind = KindConnectionLost
	}
	return &InvocationError{Kind: kind, Err: err}
}

// isRetryable reports whether err means the request was never written.
func isRetryable(err error) bool {
	var retry *connection.RetryError
	return errors.As(err, &retry)
}
