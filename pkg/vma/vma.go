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

// Package vma tracks ownership of power-of-two sized index ranges.
//
// Whoever owns a VMA owns the page table slots it covers. The I/O
// permission space uses one tree per domain to record which port ranges the
// domain holds, so that ownership can be replayed into its bitmap.
package vma

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/iospace/pkg/log"
)

// MaxOrder is the largest supported range order.
const MaxOrder = 63

// VMA is an owned range [Base, Base + 1<<Order).
type VMA struct {
	// Base is the first index of the range. It is aligned to the range
	// size.
	Base uint64

	// Order is the binary log of the range length.
	Order uint

	// Flags, Type and Attr are opaque to the tree and carried for the
	// owner.
	Flags uint32
	Type  uint32
	Attr  uint32

	parent   *VMA
	children int
}

// End returns the first index past the range.
func (v *VMA) End() uint64 {
	return v.Base + uint64(1)<<v.Order
}

// Len returns the number of indices in the range.
func (v *VMA) Len() uint64 {
	return uint64(1) << v.Order
}

// Contains returns true if idx is within v.
func (v *VMA) Contains(idx uint64) bool {
	return v.Base <= idx && idx-v.Base < v.Len()
}

// Parent returns the VMA v was created under. It is nil for the head.
func (v *VMA) Parent() *VMA {
	return v.parent
}

// String implements fmt.Stringer.String.
func (v *VMA) String() string {
	return fmt.Sprintf("B:%#x O:%d", v.Base, v.Order)
}

func lessVMA(a, b *VMA) bool {
	if a.Base != b.Base {
		return a.Base < b.Base
	}
	// Larger ranges sort first, so parents precede their children.
	return a.Order > b.Order
}

// Tree is a set of VMAs. It is safe for concurrent use.
type Tree struct {
	// head is the list sentinel. Root ranges are its children.
	head VMA

	mu sync.RWMutex

	// ranges is protected by mu.
	ranges *btree.BTreeG[*VMA]
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{ranges: btree.NewG[*VMA](8, lessVMA)}
}

// Head returns the sentinel that root ranges are created under.
func (t *Tree) Head() *VMA {
	return &t.head
}

func (t *Tree) isAncestor(a, v *VMA) bool {
	for ; v != nil; v = v.parent {
		if v == a {
			return true
		}
	}
	return false
}

// CreateChild records [base, base + 1<<order) as owned under parent. It
// fails if the range is malformed, is not contained in a non-head parent,
// or overlaps a range that is not one of parent's ancestors.
func (t *Tree) CreateChild(parent *VMA, flags uint32, base uint64, order uint, typ, attr uint32) (*VMA, bool) {
	if order > MaxOrder || base&(uint64(1)<<order-1) != 0 {
		return nil, false
	}
	v := &VMA{Base: base, Order: order, Flags: flags, Type: typ, Attr: attr, parent: parent}
	if v.End() <= base {
		// The range wraps around the index space.
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if parent != &t.head && !(parent.Contains(base) && v.Order < parent.Order) {
		return nil, false
	}

	// Candidates are every range starting before v's end. Ranges are nested
	// or disjoint, and only parent's ancestors may contain v.
	conflict := false
	t.ranges.Ascend(func(o *VMA) bool {
		if o.Base >= v.End() {
			return false
		}
		if o.End() > v.Base && !t.isAncestor(o, parent) {
			conflict = true
			return false
		}
		return true
	})
	if conflict {
		return nil, false
	}

	t.ranges.ReplaceOrInsert(v)
	parent.children++
	log.Debugf("vma: create %v under %v", v, parent)
	return v, true
}

// Find returns the innermost VMA containing idx.
func (t *Tree) Find(idx uint64) (*VMA, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var found *VMA
	t.ranges.Ascend(func(o *VMA) bool {
		if o.Base > idx {
			return false
		}
		if o.Contains(idx) && (found == nil || o.Order < found.Order) {
			found = o
		}
		return true
	})
	return found, found != nil
}

// Ascend calls fn for each VMA in base order until fn returns false. fn must
// not call back into t.
func (t *Tree) Ascend(fn func(*VMA) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.ranges.Ascend(func(o *VMA) bool {
		return fn(o)
	})
}

// Remove removes v. VMAs with children cannot be removed.
func (t *Tree) Remove(v *VMA) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.children != 0 {
		return false
	}
	if _, ok := t.ranges.Delete(v); !ok {
		return false
	}
	v.parent.children--
	log.Debugf("vma: remove %v", v)
	return true
}

// Len returns the number of VMAs in t.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ranges.Len()
}
