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

// Package iospace implements the I/O port permission space of a protection
// domain.
//
// The permission state is a bitmap with one bit per port, mapped at a fixed
// virtual address in the domain's address space where the processor's port
// check consults it. A set bit forbids access to the port, a clear bit
// permits it.
//
// Backing memory is committed lazily. A bitmap page that was never written
// is either unmapped or mapped read-only to the allocator's shared
// placeholder frame, which is filled with ones. The first grant touching a
// page materializes it: a private all-ones frame is allocated and mapped
// writable in its place. Bits are then flipped with atomic word operations,
// without any lock.
package iospace

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/iospace/pkg/atomicbitops"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/fault"
	"gvisor.dev/iospace/pkg/hostarch"
	"gvisor.dev/iospace/pkg/log"
	"gvisor.dev/iospace/pkg/pmem"
	"gvisor.dev/iospace/pkg/ring0/pagetables"
	"gvisor.dev/iospace/pkg/vma"
)

// ErrPortRange is returned for port indices outside [0, MaxPorts).
var ErrPortRange = errors.New(unix.EINVAL, "port index out of range")

// AddressSpace is the domain's memory space as seen by the permission space.
//
// Insert and Replace must be safe to call concurrently, including racing
// calls for the same page.
type AddressSpace interface {
	// Insert maps 1<<order pages at addr to phys.
	Insert(addr hostarch.Addr, order uint, opts pagetables.MapOpts, phys pmem.Paddr)

	// Replace maps the page containing addr to phys if it is currently
	// backed by old, where pmem.NoPaddr means unmapped. It returns the
	// frame backing the page afterwards and whether the mapping changed.
	Replace(addr hostarch.Addr, old pmem.Paddr, opts pagetables.MapOpts, phys pmem.Paddr) (pmem.Paddr, bool)

	// Lookup translates addr.
	Lookup(addr hostarch.Addr) (size uint64, phys pmem.Paddr, opts pagetables.MapOpts, ok bool)

	// Sync pulls the mapping of addr down from the master space without
	// allocating. It returns true if addr is mapped afterwards.
	Sync(addr hostarch.Addr) bool

	// Unmap removes all mappings in ar.
	Unmap(ar hostarch.AddrRange)
}

// FrameAllocator provides physical frames.
type FrameAllocator interface {
	// Alloc allocates 1<<order frames filled according to fill.
	Alloc(order uint, fill pmem.Fill) (pmem.Paddr, error)

	// Free releases frames obtained from Alloc.
	Free(p pmem.Paddr, order uint)

	// Placeholder returns the shared read-only all-ones frame.
	Placeholder() pmem.Paddr

	// PhysToPtr translates a physical address to a kernel pointer.
	PhysToPtr(p pmem.Paddr) pmem.KernelPtr
}

var (
	// privateOpts map materialized bitmap pages: writable, no-execute.
	privateOpts = pagetables.MapOpts{AccessType: hostarch.ReadWrite}

	// placeholderOpts map the placeholder frame: read-only, no-execute.
	placeholderOpts = pagetables.MapOpts{AccessType: hostarch.Read}
)

// Options configures a Space.
type Options struct {
	// Enabled requests eager allocation of the first bitmap page.
	Enabled bool

	// Mem is the domain's address space.
	Mem AddressSpace

	// Frames allocates bitmap pages.
	Frames FrameAllocator

	// Reporter receives fatal invariant violations. Nil selects
	// fault.Panic.
	Reporter fault.Reporter

	// VMAs is the domain's ownership tree. Nil creates an empty one.
	VMAs *vma.Tree
}

// Space is the I/O permission space of one domain.
type Space struct {
	mem      AddressSpace
	frames   FrameAllocator
	reporter fault.Reporter
	vmas     *vma.Tree

	// raceLog reports lost materialization and placeholder races.
	raceLog log.Logger

	// owned holds the private frame backing each bitmap page, or
	// pmem.NoPaddr. A page is set at most once while the space lives.
	owned [BitmapPages]atomicbitops.Uint64
}

// New creates the permission space of a domain. If opts.Enabled is set, the
// first bitmap page is allocated and mapped eagerly; allocator exhaustion is
// returned and must fail domain creation.
func New(opts Options) (*Space, error) {
	s := &Space{
		mem:      opts.Mem,
		frames:   opts.Frames,
		reporter: opts.Reporter,
		vmas:     opts.VMAs,
		raceLog:  log.BasicRateLimitedLogger(time.Second),
	}
	if s.reporter == nil {
		s.reporter = fault.Panic{}
	}
	if s.vmas == nil {
		s.vmas = vma.NewTree()
	}
	if !opts.Enabled {
		return s, nil
	}

	phys, err := s.frames.Alloc(0, pmem.FillOnes)
	if err != nil {
		return nil, fmt.Errorf("allocating I/O bitmap: %w", err)
	}
	s.mem.Insert(BitmapStart, 0, privateOpts, phys)
	s.owned[0].Store(uint64(phys))
	materializedPages.Increment()
	return s, nil
}

// VMAs returns the ownership tree of the space.
func (s *Space) VMAs() *vma.Tree {
	return s.vmas
}

// private returns true if a lookup result is a page this space may write.
func (s *Space) private(phys pmem.Paddr, opts pagetables.MapOpts) bool {
	return opts.AccessType.SupersetOf(hostarch.ReadWrite) && phys.PageBase() != s.frames.Placeholder()
}

// materialize returns the physical address of the word at virt, backed by a
// private writable page. If the page is unmapped, mapped to the placeholder
// or mapped read-only from an ancestor, a fresh all-ones page replaces it.
func (s *Space) materialize(virt hostarch.Addr) (pmem.Paddr, error) {
	for {
		_, phys, opts, ok := s.mem.Lookup(virt)
		if ok && s.private(phys, opts) {
			return phys, nil
		}
		old := pmem.NoPaddr
		if ok {
			old = phys.PageBase()
		}

		page := virt.RoundDown()
		frame, err := s.frames.Alloc(0, pmem.FillOnes)
		if err != nil {
			return pmem.NoPaddr, fmt.Errorf("materializing I/O bitmap page %v: %w", page, err)
		}
		if _, won := s.mem.Replace(page, old, privateOpts, frame); !won {
			// Another thread materialized (or faulted in) the page
			// first. Use whatever it installed.
			s.frames.Free(frame, 0)
			materializationRaces.Increment()
			s.raceLog.Debugf("iospace: materialization of %v lost a race", page)
			continue
		}
		s.owned[pageIndex(page)].Store(uint64(frame))
		materializedPages.Increment()
		if log.IsLogging(log.Debug) {
			log.Debugf("iospace: materialized %v -> %v (was %v)", page, frame, old)
		}
		return frame + pmem.Paddr(virt.PageOffset()), nil
	}
}

// word returns the kernel pointer to the bitmap word at phys.
func (s *Space) word(phys pmem.Paddr) *uint64 {
	return s.frames.PhysToPtr(phys).Word()
}

// Insert permits access to port idx. It returns true if the port was
// forbidden before. It may allocate one page, the first time a bitmap page
// is written.
//
// A page synced read-only from the master is replaced by a fresh all-ones
// private page. Ports the master permitted in that page are not carried
// over and become forbidden in this space.
func (s *Space) Insert(idx uint64) (bool, error) {
	if idx >= MaxPorts {
		return false, fmt.Errorf("port %#x: %w", idx, ErrPortRange)
	}
	phys, err := s.materialize(IdxToVirt(idx))
	if err != nil {
		return false, err
	}
	changed := atomicbitops.TestAndClearBit(s.word(phys), IdxToBit(idx))
	portOps.Increment("grant", result(changed))
	return changed, nil
}

// Remove forbids access to port idx. It returns true if the port was
// permitted before. Remove never allocates: a page that is not materialized
// already forbids every port it covers.
func (s *Space) Remove(idx uint64) bool {
	if idx >= MaxPorts {
		return false
	}
	_, phys, opts, ok := s.mem.Lookup(IdxToVirt(idx))
	if !ok || !s.private(phys, opts) {
		portOps.Increment("revoke", result(false))
		return false
	}
	changed := !atomicbitops.TestAndSetBit(s.word(phys), IdxToBit(idx))
	portOps.Increment("revoke", result(changed))
	return changed
}

// PageFault resolves a fault at addr inside the bitmap window. The mapping
// is first synced from the master space; failing that, the page is backed
// read-only by the placeholder. Only read faults are legal here: the bitmap
// is never written before Insert materializes it.
func (s *Space) PageFault(addr hostarch.Addr, access hostarch.AccessType) {
	if !hostarch.Read.SupersetOf(access) {
		pageFaults.Increment("fatal")
		s.reporter.Fatal(fault.Report{Addr: addr, Access: access, Reason: "non-read fault in I/O bitmap"})
		return
	}
	if !BitmapRange.Contains(addr) {
		pageFaults.Increment("fatal")
		s.reporter.Fatal(fault.Report{Addr: addr, Access: access, Reason: "fault outside of I/O bitmap"})
		return
	}

	if s.mem.Sync(addr) {
		pageFaults.Increment("sync")
		return
	}

	page := addr.RoundDown()
	if _, ok := s.mem.Replace(page, pmem.NoPaddr, placeholderOpts, s.frames.Placeholder()); !ok {
		// Materialized concurrently; the fault is resolved either way.
		s.raceLog.Debugf("iospace: placeholder for %v lost to a concurrent mapping", page)
	}
	pageFaults.Increment("placeholder")
}

// Permitted reports whether port idx may be accessed, reading the bitmap the
// way the processor does: through the domain's mappings, taking a read fault
// if the page is not mapped.
func (s *Space) Permitted(idx uint64) bool {
	if idx >= MaxPorts {
		return false
	}
	virt := IdxToVirt(idx)
	_, phys, _, ok := s.mem.Lookup(virt)
	if !ok {
		s.PageFault(virt, hostarch.Read)
		if _, phys, _, ok = s.mem.Lookup(virt); !ok {
			return false
		}
	}
	return !atomicbitops.TestBit(s.word(phys), IdxToBit(idx))
}

// InsertRoot records [base, base + 1<<order) as a root range owned by the
// space.
func (s *Space) InsertRoot(base uint64, order uint) bool {
	log.Debugf("I/O B:%#010x O:%02d", base, order)
	_, ok := s.vmas.CreateChild(s.vmas.Head(), 0, base, order, 0, 0)
	return ok
}

// InsertVMA replays ownership of v: every port it covers is inserted, so
// that all of them end up permitted on materialized pages. Whoever owns a
// VMA owns the bitmap slots it covers.
func (s *Space) InsertVMA(v *vma.VMA) (bool, error) {
	if v.End() > MaxPorts {
		return false, fmt.Errorf("range %v: %w", v, ErrPortRange)
	}
	for idx := v.Base; idx < v.End(); idx++ {
		if _, err := s.Insert(idx); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Materialized returns the number of private bitmap pages of the space.
func (s *Space) Materialized() int {
	n := 0
	for i := range s.owned {
		if s.owned[i].Load() != uint64(pmem.NoPaddr) {
			n++
		}
	}
	return n
}

// Destroy unmaps the bitmap and returns the private pages to the allocator.
// The placeholder and pages synced from an ancestor are not freed. The space
// must not be used afterwards.
//
// Preconditions: every space whose page tables use this space's as master
// has already been destroyed.
func (s *Space) Destroy() {
	s.mem.Unmap(BitmapRange)
	for i := range s.owned {
		if p := pmem.Paddr(s.owned[i].Swap(uint64(pmem.NoPaddr))); p != pmem.NoPaddr {
			s.frames.Free(p, 0)
		}
	}
}

func result(changed bool) string {
	if changed {
		return "changed"
	}
	return "unchanged"
}
