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

// Package rpcmux is the client side of an RPC transport. It turns a set of
// endpoints into a shared, multiplexed connection and keeps requests in
// order while that connection is negotiated.
//
// To get started, create an [Instance] with [NewInstance] or
// [NewInstanceFromProperties], then a [Proxy] for a list of endpoints with
// [Instance.NewProxy]. Requests are issued with [Proxy.Invoke], which never
// blocks: if no connection is available yet, the request is queued and
// the returned [Invocation] completes once it has been written.
//
// # Connection Sharing
//
// All proxies created from one instance share connections. Proxies whose
// references have the same [Reference.Key] share a single connection
// attempt, even when they issue their first requests concurrently. The
// [outgoing.Factory] goes further and shares attempts between unrelated
// references whose endpoints resolve to overlapping addresses.
//
// # Ordering
//
// Requests issued through one reference before its connection is ready
// are written in the order they were issued. If the connection cannot be
// established, they fail in that same order.
//
// # Retries
//
// A request that was never written, for example because its connection
// was lost while it was queued, is handed to the instance's retry queue.
// The [RetryPolicy] decides whether and when it is sent again. The default
// retries once, immediately.
//
// # Shutdown
//
// [Instance.Destroy] fails everything still pending, closes every
// connection and stops the thread pool. The instance cannot be used
// afterwards.
package rpcmux
