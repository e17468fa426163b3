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

	"github.com/bufbuild/rpcmux/connection"
	"github.com/puzpuzpuz/xsync/v3"
)

// requestHandler sends a proxy's invocations.
type requestHandler interface {
	canceler
	sendAsyncRequest(inv *Invocation) (AsyncStatus, error)
	// connection waits for the handler's connection.
	connection(ctx context.Context) (*connection.Conn, error)
}

// connectionRequestHandler sends directly over an established
// connection.
type connectionRequestHandler struct {
	conn     *connection.Conn
	compress bool
}

func newConnectionRequestHandler(conn *connection.Conn, compress bool) *connectionRequestHandler {
	return &connectionRequestHandler{conn: conn, compress: compress}
}

func (h *connectionRequestHandler) sendAsyncRequest(inv *Invocation) (AsyncStatus, error) {
	return inv.invokeRemote(h.conn, h.compress)
}

func (h *connectionRequestHandler) requestCanceled(inv *Invocation) {
	h.conn.AsyncRequestCanceled(inv.request)
}

func (h *connectionRequestHandler) connection(context.Context) (*connection.Conn, error) {
	return h.conn, nil
}

// requestHandlerFactory hands out connect request handlers, one per
// reference key while a connection is being established.
type requestHandlerFactory struct {
	handlers *xsync.MapOf[string, *connectRequestHandler]
}

func newRequestHandlerFactory() *requestHandlerFactory {
	return &requestHandlerFactory{
		handlers: xsync.NewMapOf[string, *connectRequestHandler](),
	}
}

func (f *requestHandlerFactory) getRequestHandler(ref *Reference, proxy *Proxy) (requestHandler, error) {
	var (
		handler *connectRequestHandler
		connect bool
	)
	if ref.cacheConnection {
		handler, _ = f.handlers.LoadOrCompute(ref.Key(), func() *connectRequestHandler {
			connect = true
			return newConnectRequestHandler(ref, proxy)
		})
	} else {
		handler = newConnectRequestHandler(ref, proxy)
		connect = true
	}
	if connect {
		ref.getConnection(handler)
	}
	bound, err := handler.connect(proxy)
	if err != nil {
		return nil, err
	}
	return proxy.setRequestHandler(bound), nil
}

func (f *requestHandlerFactory) removeRequestHandler(ref *Reference, handler *connectRequestHandler) {
	if !ref.cacheConnection {
		return
	}
	f.handlers.Compute(ref.Key(), func(current *connectRequestHandler, loaded bool) (*connectRequestHandler, bool) {
		if loaded && current == handler {
			return nil, true
		}
		return current, !loaded
	})
}

func (f *requestHandlerFactory) size() int {
	return f.handlers.Size()
}
