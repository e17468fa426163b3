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

package outgoing

import (
	"maps"
	"slices"

	"github.com/bufbuild/rpcmux/connection"
)

func (f *Factory) Sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reapLocked()
}

func (f *Factory) Waiters(connectorKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[connectorKey])
}

func (f *Factory) ConnectorIndex() map[string][]*connection.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneIndex(f.byConnector)
}

func (f *Factory) EndpointIndex() map[string][]*connection.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneIndex(f.byEndpoint)
}

func cloneIndex(index map[string][]*connection.Conn) map[string][]*connection.Conn {
	clone := maps.Clone(index)
	for key, conns := range clone {
		clone[key] = slices.Clone(conns)
	}
	return clone
}
