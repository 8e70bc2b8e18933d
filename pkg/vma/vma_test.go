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

package vma

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type span struct {
	Base  uint64
	Order uint
}

func spans(t *Tree) []span {
	var got []span
	t.Ascend(func(v *VMA) bool {
		got = append(got, span{v.Base, v.Order})
		return true
	})
	return got
}

func TestCreateChild(t *testing.T) {
	tr := NewTree()
	root, ok := tr.CreateChild(tr.Head(), 0, 0, 16, 0, 0)
	if !ok {
		t.Fatalf("CreateChild(root) failed")
	}
	if root.Parent() != tr.Head() || root.Len() != 1<<16 {
		t.Errorf("root = %v, parent %v", root, root.Parent())
	}

	for _, test := range []struct {
		name   string
		parent *VMA
		base   uint64
		order  uint
		ok     bool
	}{
		{name: "overlaps root", parent: tr.Head(), base: 0x100, order: 4},
		{name: "disjoint root", parent: tr.Head(), base: 1 << 16, order: 16, ok: true},
		{name: "nested", parent: root, base: 0x60, order: 4, ok: true},
		{name: "nested overlap", parent: root, base: 0x60, order: 2},
		{name: "misaligned", parent: root, base: 0x61, order: 1},
		{name: "outside parent", parent: root, base: 1 << 17, order: 0},
		{name: "same size as parent", parent: root, base: 0, order: 16},
		{name: "too large", parent: tr.Head(), base: 0, order: 64},
		{name: "wraps", parent: tr.Head(), base: 1 << 63, order: 63},
	} {
		t.Run(test.name, func(t *testing.T) {
			v, ok := tr.CreateChild(test.parent, 0, test.base, test.order, 0, 0)
			if ok != test.ok {
				t.Fatalf("CreateChild(%#x, %d) = (%v, %t), want ok=%t", test.base, test.order, v, ok, test.ok)
			}
		})
	}

	want := []span{{0, 16}, {0x60, 4}, {1 << 16, 16}}
	if diff := cmp.Diff(want, spans(tr)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestFind(t *testing.T) {
	tr := NewTree()
	root, _ := tr.CreateChild(tr.Head(), 0, 0, 8, 0, 0)
	inner, _ := tr.CreateChild(root, 0, 0x40, 4, 0, 0)

	for _, test := range []struct {
		idx  uint64
		want *VMA
	}{
		{0x0, root},
		{0x40, inner},
		{0x4f, inner},
		{0x50, root},
		{0x100, nil},
	} {
		got, ok := tr.Find(test.idx)
		if got != test.want || ok != (test.want != nil) {
			t.Errorf("Find(%#x) = (%v, %t), want %v", test.idx, got, ok, test.want)
		}
	}
}

func TestRemove(t *testing.T) {
	tr := NewTree()
	root, _ := tr.CreateChild(tr.Head(), 0, 0, 8, 0, 0)
	inner, _ := tr.CreateChild(root, 0, 0x40, 4, 0, 0)
	if tr.Remove(root) {
		t.Errorf("removed a VMA with children")
	}
	if !tr.Remove(inner) || !tr.Remove(root) {
		t.Fatalf("Remove failed")
	}
	if tr.Remove(root) {
		t.Errorf("removed %v twice", root)
	}
	if tr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tr.Len())
	}
}
