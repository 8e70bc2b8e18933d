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

// Package pmem provides a physical frame allocator for the I/O permission
// space.
//
// Frames are carved out of a single anonymous host mapping (the arena). A
// physical address (Paddr) is an offset into the arena shifted by a fixed
// base, and a kernel pointer (KernelPtr) is the host address of the same
// byte. The two are distinct types so they can never be mixed up; the
// conversions between them are total and never fail for addresses that
// belong to the arena.
//
// The allocator also owns the placeholder frame: one page filled with ones
// and protected read-only on the host, shared by every domain that has not
// materialized a given bitmap page.
package pmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/iospace/pkg/atomicbitops"
	"gvisor.dev/iospace/pkg/bitmap"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/hostarch"
	"gvisor.dev/iospace/pkg/log"
	"gvisor.dev/iospace/pkg/metric"
)

// framesInUse counts frames handed out by every Allocator in the process.
var framesInUse atomicbitops.Uint64

func init() {
	metric.MustRegisterCustomUint64Metric("/pmem/frames_in_use", false,
		"Frames currently allocated across all arenas, excluding placeholders.",
		framesInUse.Load)
}

// Paddr is a physical address.
type Paddr uint64

// NoPaddr is never a valid frame address. It stands for "no mapping".
const NoPaddr Paddr = 0

// PageBase returns the address of the frame containing p.
func (p Paddr) PageBase() Paddr {
	return p &^ hostarch.PageMask
}

// PageOffset returns the offset of p into its frame.
func (p Paddr) PageOffset() uint64 {
	return uint64(p & hostarch.PageMask)
}

// String implements fmt.Stringer.String.
func (p Paddr) String() string {
	return fmt.Sprintf("P%#x", uint64(p))
}

// KernelPtr is a kernel-virtual pointer to physical memory. The zero value
// points nowhere.
type KernelPtr struct {
	p unsafe.Pointer
}

// Word returns k as a pointer to a machine word.
//
// Preconditions: k is 8-byte aligned.
func (k KernelPtr) Word() *uint64 {
	return (*uint64)(k.p)
}

// Fill selects the pattern a frame holds when it is handed out.
type Fill int

const (
	// FillZero fills frames with zero bits.
	FillZero Fill = iota

	// FillOnes fills frames with one bits.
	FillOnes
)

// String implements fmt.Stringer.String.
func (f Fill) String() string {
	switch f {
	case FillZero:
		return "zero"
	case FillOnes:
		return "ones"
	default:
		return fmt.Sprintf("Fill(%d)", int(f))
	}
}

// DefaultBase is the physical address of the first arena frame. Frame zero
// of physical memory is never handed out so that NoPaddr stays invalid.
const DefaultBase Paddr = 0x100000

// Options configures an Allocator.
type Options struct {
	// Frames is the number of frames in the arena, including the
	// placeholder frame.
	Frames uint32

	// Base is the physical address of the first frame. Zero selects
	// DefaultBase.
	Base Paddr
}

// Allocator hands out physical frames in power-of-two sized, naturally
// aligned blocks.
type Allocator struct {
	arena []byte
	base  Paddr

	mu sync.Mutex

	// frames tracks in-use frames, one bit per frame.
	//
	// frames is protected by mu.
	frames bitmap.Bitmap

	// allocated is the number of frames handed out by Alloc and not yet
	// freed. The placeholder frame is not counted.
	allocated atomicbitops.Uint64

	placeholderOnce sync.Once
	placeholder     Paddr
}

// New creates an Allocator backed by a fresh anonymous mapping. The first
// frame of the arena is reserved for the placeholder.
func New(opts Options) (*Allocator, error) {
	if opts.Frames < 2 {
		return nil, fmt.Errorf("need at least 2 frames, got %d: %w", opts.Frames, errors.EINVAL)
	}
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if opts.Base.PageOffset() != 0 {
		return nil, fmt.Errorf("base %v is not page aligned: %w", opts.Base, errors.EINVAL)
	}
	size := int(opts.Frames) * hostarch.PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d byte arena: %w", size, err)
	}
	a := &Allocator{
		arena:       arena,
		base:        opts.Base,
		frames:      bitmap.New(opts.Frames),
		placeholder: opts.Base,
	}
	a.frames.Add(0)
	log.Debugf("pmem: arena of %d frames at %v", opts.Frames, opts.Base)
	return a, nil
}

// Destroy unmaps the arena. No frame may be used afterwards.
func (a *Allocator) Destroy() {
	a.mu.Lock()
	if leaked := a.frames.GetNumOnes() - 1; leaked > 0 {
		log.Warningf("pmem: destroying arena with %d frames still in use", leaked)
		framesInUse.Add(-uint64(leaked))
	}
	a.mu.Unlock()
	if err := unix.Munmap(a.arena); err != nil {
		log.Warningf("pmem: failed to unmap arena: %v", err)
	}
	a.arena = nil
}

// Frames returns the total number of frames in the arena.
func (a *Allocator) Frames() uint32 {
	return a.frames.Size()
}

// Allocated returns the number of frames currently handed out by Alloc.
func (a *Allocator) Allocated() uint64 {
	return a.allocated.Load()
}

// Alloc allocates 1<<order frames aligned to their size and fills them
// according to fill. It returns an error wrapping errors.ENOMEM when no
// suitable block is free.
func (a *Allocator) Alloc(order uint, fill Fill) (Paddr, error) {
	n := uint32(1) << order
	a.mu.Lock()
	first, err := a.frames.FirstZeroRun(n, n)
	if err != nil {
		a.mu.Unlock()
		return NoPaddr, fmt.Errorf("allocating order %d block: %w", order, errors.ENOMEM)
	}
	a.frames.AddRange(first, first+n)
	a.mu.Unlock()

	a.allocated.Add(uint64(n))
	framesInUse.Add(uint64(n))
	p := a.base + Paddr(first)*hostarch.PageSize
	a.fill(p, uint64(n)*hostarch.PageSize, fill)
	return p, nil
}

// Free returns a block obtained from Alloc with the same order.
func (a *Allocator) Free(p Paddr, order uint) {
	if p.PageBase() == a.placeholder {
		panic("pmem: freeing the placeholder frame")
	}
	n := uint32(1) << order
	first := a.frameIndex(p)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := first; i < first+n; i++ {
		if !a.frames.IsSet(i) {
			panic(fmt.Sprintf("pmem: double free of frame %v", a.base+Paddr(i)*hostarch.PageSize))
		}
	}
	a.frames.RemoveRange(first, first+n)
	a.allocated.Add(-uint64(n))
	framesInUse.Add(-uint64(n))
}

// Placeholder returns the shared all-ones frame. It is filled and made
// read-only on first use and lives as long as the Allocator.
func (a *Allocator) Placeholder() Paddr {
	a.placeholderOnce.Do(func() {
		a.fill(a.placeholder, hostarch.PageSize, FillOnes)
		if unix.Getpagesize() != hostarch.PageSize {
			// Host pages are larger than a frame; the frame cannot be
			// protected on its own.
			log.Debugf("pmem: host page size %d, placeholder left writable on the host", unix.Getpagesize())
			return
		}
		off := a.offset(a.placeholder)
		if err := unix.Mprotect(a.arena[off:off+hostarch.PageSize], unix.PROT_READ); err != nil {
			panic(fmt.Sprintf("pmem: failed to protect placeholder frame: %v", err))
		}
	})
	return a.placeholder
}

// IsPlaceholder returns true if p lies within the placeholder frame.
func (a *Allocator) IsPlaceholder(p Paddr) bool {
	return p.PageBase() == a.placeholder
}

// PhysToPtr translates a physical address into a kernel pointer.
func (a *Allocator) PhysToPtr(p Paddr) KernelPtr {
	return KernelPtr{p: unsafe.Pointer(&a.arena[a.offset(p)])}
}

// PtrToPhys translates a kernel pointer into a physical address.
func (a *Allocator) PtrToPhys(k KernelPtr) Paddr {
	off := uintptr(k.p) - uintptr(unsafe.Pointer(unsafe.SliceData(a.arena)))
	if off >= uintptr(len(a.arena)) {
		panic(fmt.Sprintf("pmem: pointer %#x outside of arena", uintptr(k.p)))
	}
	return a.base + Paddr(off)
}

func (a *Allocator) offset(p Paddr) uint64 {
	if p < a.base || uint64(p-a.base) >= uint64(len(a.arena)) {
		panic(fmt.Sprintf("pmem: physical address %v outside of arena", p))
	}
	return uint64(p - a.base)
}

func (a *Allocator) frameIndex(p Paddr) uint32 {
	return uint32(a.offset(p) / hostarch.PageSize)
}

func (a *Allocator) fill(p Paddr, length uint64, fill Fill) {
	off := a.offset(p)
	b := a.arena[off : off+length]
	v := byte(0)
	if fill == FillOnes {
		v = 0xff
	}
	for i := range b {
		b[i] = v
	}
}
