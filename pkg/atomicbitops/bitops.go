// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atomicbitops provides extensions to the sync/atomic package.
//
// All read-modify-write operations implemented by this package have
// acquire-release memory ordering (like sync/atomic).
package atomicbitops

import (
	"sync/atomic"
)

// WordBits is the number of bits in the word type operated on by the bit
// primitives below.
const WordBits = 64

// TestAndSetBit atomically sets bit in *addr and returns the value the bit
// had before the operation.
//
// Preconditions: bit < WordBits.
//
//go:nosplit
func TestAndSetBit(addr *uint64, bit uint) bool {
	mask := uint64(1) << bit
	return atomic.OrUint64(addr, mask)&mask != 0
}

// TestAndClearBit atomically clears bit in *addr and returns the value the
// bit had before the operation.
//
// Preconditions: bit < WordBits.
//
//go:nosplit
func TestAndClearBit(addr *uint64, bit uint) bool {
	mask := uint64(1) << bit
	return atomic.AndUint64(addr, ^mask)&mask != 0
}

// TestBit atomically loads *addr and returns the value of bit.
//
// Preconditions: bit < WordBits.
//
//go:nosplit
func TestBit(addr *uint64, bit uint) bool {
	return atomic.LoadUint64(addr)&(uint64(1)<<bit) != 0
}
