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

// Package pagetables provides a software model of a domain's page tables.
//
// A PageTables maps naturally aligned, power-of-two sized virtual ranges to
// physical frames. Each table may have a master table from which missing
// mappings can be pulled down with Sync without allocating memory.
package pagetables

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/iospace/pkg/hostarch"
	"gvisor.dev/iospace/pkg/log"
	"gvisor.dev/iospace/pkg/pmem"
)

// MapOpts are the mapping attributes.
type MapOpts struct {
	// AccessType defines permissions. A mapping without Execute is
	// no-execute.
	AccessType hostarch.AccessType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	return o.AccessType.String()
}

// PTE is a single mapping of 1<<Order pages.
type PTE struct {
	// Virtual is the first mapped address.
	Virtual hostarch.Addr

	// Order is the binary log of the number of pages mapped.
	Order uint

	// Physical is the address of the first frame.
	Physical pmem.Paddr

	// Opts are the mapping attributes.
	Opts MapOpts
}

// Size returns the number of bytes mapped by p.
func (p PTE) Size() uint64 {
	return hostarch.PageSize << p.Order
}

// Range returns the virtual range mapped by p.
func (p PTE) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: p.Virtual, End: p.Virtual + hostarch.Addr(p.Size())}
}

// translate returns the physical address backing addr.
//
// Preconditions: p.Range().Contains(addr).
func (p PTE) translate(addr hostarch.Addr) pmem.Paddr {
	return p.Physical + pmem.Paddr(addr-p.Virtual)
}

func lessPTE(a, b PTE) bool {
	return a.Virtual < b.Virtual
}

// degree is the btree degree used for mapping entries.
const degree = 8

// PageTables is a set of mappings. It is safe for concurrent use.
type PageTables struct {
	// master is the table Sync pulls mappings from. It is immutable.
	master *PageTables

	mu sync.RWMutex

	// entries holds non-overlapping mappings ordered by Virtual.
	//
	// entries is protected by mu.
	entries *btree.BTreeG[PTE]
}

// New returns empty page tables. master may be nil.
func New(master *PageTables) *PageTables {
	return &PageTables{
		master:  master,
		entries: btree.NewG[PTE](degree, lessPTE),
	}
}

func checkAligned(addr hostarch.Addr, order uint) {
	if size := hostarch.Addr(hostarch.PageSize) << order; addr&(size-1) != 0 {
		panic(fmt.Sprintf("pagetables: address %v not aligned to order %d", addr, order))
	}
}

// findLocked returns the entry containing addr.
//
// Preconditions: p.mu must be locked.
func (p *PageTables) findLocked(addr hostarch.Addr) (PTE, bool) {
	var (
		found PTE
		ok    bool
	)
	p.entries.DescendLessOrEqual(PTE{Virtual: addr}, func(e PTE) bool {
		if e.Range().Contains(addr) {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// clearLocked removes all mappings in ar. Entries straddling the edges of ar
// are split, and the parts outside ar are kept as single page mappings.
//
// Preconditions: p.mu must be locked for writing.
func (p *PageTables) clearLocked(ar hostarch.AddrRange) {
	var overlapping []PTE
	if e, ok := p.findLocked(ar.Start); ok {
		overlapping = append(overlapping, e)
	}
	p.entries.AscendRange(PTE{Virtual: ar.Start}, PTE{Virtual: ar.End}, func(e PTE) bool {
		if len(overlapping) == 0 || overlapping[0].Virtual != e.Virtual {
			overlapping = append(overlapping, e)
		}
		return true
	})
	for _, e := range overlapping {
		p.entries.Delete(e)
		for addr := e.Virtual; addr < e.Range().End; addr += hostarch.PageSize {
			if ar.Contains(addr) {
				continue
			}
			p.entries.ReplaceOrInsert(PTE{
				Virtual:  addr,
				Physical: e.translate(addr),
				Opts:     e.Opts,
			})
		}
	}
}

// Insert maps 1<<order pages at addr to phys, replacing whatever was mapped
// there before. Racing identical inserts leave the same mapping in place.
//
// Preconditions: addr and phys are aligned to the mapping size.
func (p *PageTables) Insert(addr hostarch.Addr, order uint, opts MapOpts, phys pmem.Paddr) {
	checkAligned(addr, order)
	e := PTE{Virtual: addr, Order: order, Physical: phys, Opts: opts}
	if _, ok := addr.ToRange(e.Size()); !ok {
		panic(fmt.Sprintf("pagetables: mapping of order %d at %v wraps", order, addr))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked(e.Range())
	p.entries.ReplaceOrInsert(e)
	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: map %v order %d -> %v %s", addr, order, phys, opts)
	}
}

// Replace maps the page containing addr to phys, but only if the page is
// currently backed by old (pmem.NoPaddr meaning no mapping at all). It
// returns the frame backing the page after the call and whether the mapping
// was changed.
func (p *PageTables) Replace(addr hostarch.Addr, old pmem.Paddr, opts MapOpts, phys pmem.Paddr) (pmem.Paddr, bool) {
	page := addr.RoundDown()
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := pmem.NoPaddr
	if e, ok := p.findLocked(page); ok {
		cur = e.translate(page)
	}
	if cur != old {
		return cur, false
	}
	e := PTE{Virtual: page, Physical: phys, Opts: opts}
	p.clearLocked(e.Range())
	p.entries.ReplaceOrInsert(e)
	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables: replace %v %v -> %v %s", page, old, phys, opts)
	}
	return phys, true
}

// Lookup returns the size of the mapping containing addr, the physical
// address addr translates to and the mapping attributes.
func (p *PageTables) Lookup(addr hostarch.Addr) (size uint64, phys pmem.Paddr, opts MapOpts, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.findLocked(addr)
	if !ok {
		return 0, pmem.NoPaddr, MapOpts{}, false
	}
	return e.Size(), e.translate(addr), e.Opts, true
}

// Sync copies the master's mapping of the page containing addr into p,
// read-only. It never allocates and never overwrites an existing mapping.
// It returns true if the page is mapped in p afterwards.
func (p *PageTables) Sync(addr hostarch.Addr) bool {
	if p.master == nil {
		return false
	}
	page := addr.RoundDown()
	_, phys, opts, ok := p.master.Lookup(page)
	if !ok {
		return false
	}
	opts.AccessType = opts.AccessType.Intersect(hostarch.Read)
	if _, ok := p.Replace(page, pmem.NoPaddr, opts, phys); !ok {
		// Someone else mapped the page in the meantime.
		log.Debugf("pagetables: sync of %v lost to a concurrent mapping", page)
	}
	return true
}

// Unmap removes all mappings in ar.
func (p *PageTables) Unmap(ar hostarch.AddrRange) {
	if !ar.WellFormed() {
		panic(fmt.Sprintf("pagetables: invalid range %v", ar))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked(ar)
}

// Walk calls fn for each mapping in address order until fn returns false.
// fn must not call back into p.
func (p *PageTables) Walk(fn func(PTE) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	p.entries.Ascend(func(e PTE) bool {
		return fn(e)
	})
}

// Len returns the number of mapping entries.
func (p *PageTables) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries.Len()
}
