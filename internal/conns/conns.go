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

// Package conns contains the keyed collections the connection factory
// uses to index connections by connector and by endpoint.
package conns

// MultiMap maps a key to an ordered list of values. The zero value is not
// usable; create one with make or NewMultiMap.
type MultiMap[K comparable, V comparable] map[K][]V

// NewMultiMap returns an empty multimap.
func NewMultiMap[K comparable, V comparable]() MultiMap[K, V] {
	return MultiMap[K, V]{}
}

// Add appends v to the values of k.
func (m MultiMap[K, V]) Add(k K, v V) {
	m[k] = append(m[k], v)
}

// Get returns the values of k in insertion order. The returned slice must
// not be modified.
func (m MultiMap[K, V]) Get(k K) []V {
	return m[k]
}

// Remove deletes the first occurrence of v under k and reports whether it
// was present. A key left with no values is removed.
func (m MultiMap[K, V]) Remove(k K, v V) bool {
	values := m[k]
	for i, existing := range values {
		if existing != v {
			continue
		}
		if len(values) == 1 {
			delete(m, k)
			return true
		}
		remaining := make([]V, 0, len(values)-1)
		remaining = append(remaining, values[:i]...)
		remaining = append(remaining, values[i+1:]...)
		m[k] = remaining
		return true
	}
	return false
}

// Len returns the number of values across all keys.
func (m MultiMap[K, V]) Len() int {
	var n int
	for _, values := range m {
		n += len(values)
	}
	return n
}

// Values returns a set of every value in the map.
func (m MultiMap[K, V]) Values() Set[V] {
	set := Set[V]{}
	for _, values := range m {
		for _, v := range values {
			set[v] = struct{}{}
		}
	}
	return set
}

// Set is a set of values. Standard map iteration is used to enumerate the
// contents of the set.
type Set[V comparable] map[V]struct{}

// Contains returns true if the set contains the given value.
func (s Set[V]) Contains(v V) bool {
	_, ok := s[v]
	return ok
}

// Equals returns true if s has the same values as other.
func (s Set[V]) Equals(other Set[V]) bool {
	if len(s) != len(other) {
		return false
	}
	for v := range s {
		if _, ok := other[v]; !ok {
			return false
		}
	}
	return true
}

// SetFromSlice converts a slice into a Set.
func SetFromSlice[V comparable](values []V) Set[V] {
	set := Set[V]{}
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
