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

package pmem

import (
	stderrors "errors"
	"testing"

	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/hostarch"
)

func newTestAllocator(t *testing.T, frames uint32) *Allocator {
	t.Helper()
	a, err := New(Options{Frames: frames})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a
}

func allWords(a *Allocator, p Paddr, want uint64) bool {
	for off := Paddr(0); off < hostarch.PageSize; off += 8 {
		if *a.PhysToPtr(p + off).Word() != want {
			return false
		}
	}
	return true
}

func TestAllocFill(t *testing.T) {
	a := newTestAllocator(t, 8)
	for _, test := range []struct {
		fill Fill
		want uint64
	}{
		{FillZero, 0},
		{FillOnes, ^uint64(0)},
	} {
		p, err := a.Alloc(0, test.fill)
		if err != nil {
			t.Fatalf("Alloc(0, %v): %v", test.fill, err)
		}
		if p.PageOffset() != 0 || p == NoPaddr || a.IsPlaceholder(p) {
			t.Errorf("Alloc(0, %v) returned bad frame %v", test.fill, p)
		}
		if !allWords(a, p, test.want) {
			t.Errorf("frame %v not filled with %v", p, test.fill)
		}
	}
	if got := a.Allocated(); got != 2 {
		t.Errorf("Allocated() = %d, want 2", got)
	}
}

func TestAllocAlignment(t *testing.T) {
	a := newTestAllocator(t, 8)
	p, err := a.Alloc(1, FillZero)
	if err != nil {
		t.Fatalf("Alloc(1): %v", err)
	}
	// Frame 0 holds the placeholder, so the first order-1 block is 2-3.
	if want := DefaultBase + 2*hostarch.PageSize; p != want {
		t.Errorf("Alloc(1) = %v, want %v", p, want)
	}
	a.Free(p, 1)
	if got := a.Allocated(); got != 0 {
		t.Errorf("Allocated() after Free = %d, want 0", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(t, 3)
	for i := 0; i < 2; i++ {
		if _, err := a.Alloc(0, FillOnes); err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
	}
	_, err := a.Alloc(0, FillOnes)
	if !stderrors.Is(err, errors.ENOMEM) {
		t.Errorf("Alloc on a full arena = %v, want ENOMEM", err)
	}
}

func TestTranslation(t *testing.T) {
	a := newTestAllocator(t, 4)
	p, err := a.Alloc(0, FillZero)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	for _, off := range []Paddr{0, 8, hostarch.PageSize - 8} {
		k := a.PhysToPtr(p + off)
		if got := a.PtrToPhys(k); got != p+off {
			t.Errorf("PtrToPhys(PhysToPtr(%v)) = %v", p+off, got)
		}
	}
	if a.PhysToPtr(p+8) != a.PhysToPtr(p+8) || a.PhysToPtr(p) == a.PhysToPtr(p+8) {
		t.Errorf("PhysToPtr is not injective on %v", p)
	}
	*a.PhysToPtr(p + 16).Word() = 0xdead
	if got := *a.PhysToPtr(p + 16).Word(); got != 0xdead {
		t.Errorf("word at %v = %#x, want 0xdead", p+16, got)
	}
}

func TestPlaceholder(t *testing.T) {
	a := newTestAllocator(t, 2)
	p := a.Placeholder()
	if p != a.Placeholder() {
		t.Fatalf("Placeholder is not stable")
	}
	if !a.IsPlaceholder(p+8) || !allWords(a, p, ^uint64(0)) {
		t.Errorf("placeholder %v is not all ones", p)
	}
	if got := a.Allocated(); got != 0 {
		t.Errorf("placeholder counted as allocated: %d", got)
	}
	// The placeholder frame is never handed out.
	q, err := a.Alloc(0, FillZero)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if q == p {
		t.Errorf("Alloc returned the placeholder")
	}
}

func TestFreePlaceholderPanics(t *testing.T) {
	a := newTestAllocator(t, 2)
	defer func() {
		if recover() == nil {
			t.Errorf("Free(placeholder) did not panic")
		}
	}()
	a.Free(a.Placeholder(), 0)
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(Options{Frames: 1}); !stderrors.Is(err, errors.EINVAL) {
		t.Errorf("New(1 frame) = %v, want EINVAL", err)
	}
	if _, err := New(Options{Frames: 4, Base: 0x1001}); !stderrors.Is(err, errors.EINVAL) {
		t.Errorf("New(unaligned base) = %v, want EINVAL", err)
	}
}
