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

package conns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiMap(t *testing.T) {
	t.Parallel()
	m := NewMultiMap[string, int]()
	m.Add("a", 1)
	m.Add("a", 2)
	m.Add("a", 1)
	m.Add("b", 3)
	assert.Equal(t, []int{1, 2, 1}, m.Get("a"))
	assert.Equal(t, 4, m.Len())
	assert.True(t, m.Values().Equals(SetFromSlice([]int{1, 2, 3})))

	assert.True(t, m.Remove("a", 1))
	assert.Equal(t, []int{2, 1}, m.Get("a"))
	assert.False(t, m.Remove("a", 5))
	assert.False(t, m.Remove("c", 1))

	assert.True(t, m.Remove("b", 3))
	_, ok := m["b"]
	assert.False(t, ok, "empty key should be dropped")
	assert.Nil(t, m.Get("b"))
}

func TestSet(t *testing.T) {
	t.Parallel()
	s := SetFromSlice([]string{"x", "y"})
	assert.True(t, s.Contains("x"))
	assert.False(t, s.Contains("z"))
	assert.True(t, s.Equals(SetFromSlice([]string{"y", "x", "x"})))
	assert.False(t, s.Equals(SetFromSlice([]string{"x"})))
	assert.False(t, s.Equals(SetFromSlice([]string{"x", "z"})))
}
