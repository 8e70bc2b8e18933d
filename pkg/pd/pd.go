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

// Package pd implements protection domains: an address space together with
// the I/O permission space mapped into it.
package pd

import (
	"fmt"

	"gvisor.dev/iospace/pkg/cleanup"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/fault"
	"gvisor.dev/iospace/pkg/iospace"
	"gvisor.dev/iospace/pkg/log"
	"gvisor.dev/iospace/pkg/pmem"
	"gvisor.dev/iospace/pkg/ring0/pagetables"
	"gvisor.dev/iospace/pkg/vma"
)

// rootOrder covers the whole port space with a single range.
const rootOrder = 16

// PortRange is a naturally aligned block of 1<<Order ports.
type PortRange struct {
	Base  uint64 `toml:"base"`
	Order uint   `toml:"order"`
}

// End returns the first port past the range.
func (r PortRange) End() uint64 {
	return r.Base + 1<<r.Order
}

// String implements fmt.Stringer.String.
func (r PortRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Base, r.End())
}

// Config describes a protection domain.
type Config struct {
	// Name identifies the domain in logs.
	Name string `toml:"name"`

	// IOBitmap allocates the first bitmap page at creation.
	IOBitmap bool `toml:"io_bitmap"`

	// Root marks the domain owning the whole port space.
	Root bool `toml:"root"`

	// Grants are port ranges owned and permitted from creation.
	Grants []PortRange `toml:"grants"`
}

// validate checks the grants fit the port space.
func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("domain without a name: %w", errors.EINVAL)
	}
	for _, g := range c.Grants {
		if g.Order > rootOrder || g.Base&(1<<g.Order-1) != 0 || g.End() > iospace.MaxPorts {
			return fmt.Errorf("domain %q: grant %v: %w", c.Name, g, iospace.ErrPortRange)
		}
	}
	return nil
}

// PD is a protection domain.
type PD struct {
	name   string
	parent *PD
	frames *pmem.Allocator
	mem    *pagetables.PageTables
	space  *iospace.Space
}

// New creates a domain. A child domain's page tables use the parent's as
// master, so bitmap pages the parent has materialized are visible to the
// child read-only until the child writes its own.
func New(conf Config, parent *PD, frames *pmem.Allocator, reporter fault.Reporter) (*PD, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}

	var master *pagetables.PageTables
	if parent != nil {
		master = parent.mem
	}
	p := &PD{
		name:   conf.Name,
		parent: parent,
		frames: frames,
		mem:    pagetables.New(master),
	}
	space, err := iospace.New(iospace.Options{
		Enabled:  conf.IOBitmap,
		Mem:      p.mem,
		Frames:   frames,
		Reporter: reporter,
	})
	if err != nil {
		return nil, fmt.Errorf("creating domain %q: %w", conf.Name, err)
	}
	p.space = space
	cu := cleanup.Make(space.Destroy)
	defer cu.Clean()

	vmas := space.VMAs()
	owner := vmas.Head()
	if conf.Root {
		if !space.InsertRoot(0, rootOrder) {
			return nil, fmt.Errorf("domain %q: root range: %w", conf.Name, errors.EEXIST)
		}
		owner, _ = vmas.Find(0)
	}
	for _, g := range conf.Grants {
		v, ok := vmas.CreateChild(owner, 0, g.Base, g.Order, 0, 0)
		if !ok {
			return nil, fmt.Errorf("domain %q: grant %v overlaps: %w", conf.Name, g, errors.EEXIST)
		}
		if _, err := space.InsertVMA(v); err != nil {
			return nil, fmt.Errorf("domain %q: grant %v: %w", conf.Name, g, err)
		}
	}

	cu.Release()
	log.Infof("Created domain %q (parent %q, bitmap %t, root %t, %d grants)", p.name, parent.Name(), conf.IOBitmap, conf.Root, len(conf.Grants))
	return p, nil
}

// Name returns the domain name, or "" for a nil domain.
func (p *PD) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// Parent returns the domain this one was created from.
func (p *PD) Parent() *PD {
	return p.parent
}

// Space returns the I/O permission space of the domain.
func (p *PD) Space() *iospace.Space {
	return p.space
}

// Adopt replays ownership of v, a range recorded in any domain's tree, into
// the bitmap of p: every port v covers becomes permitted.
func (p *PD) Adopt(v *vma.VMA) error {
	if _, err := p.space.InsertVMA(v); err != nil {
		return fmt.Errorf("domain %q: adopt %v: %w", p.name, v, err)
	}
	log.Debugf("Domain %q adopted %v", p.name, v)
	return nil
}

// Grant records r in the domain's tree, below the innermost range already
// holding r.Base, and permits every port in it.
func (p *PD) Grant(r PortRange) (*vma.VMA, error) {
	if r.End() > iospace.MaxPorts {
		return nil, fmt.Errorf("domain %q: grant %v: %w", p.name, r, iospace.ErrPortRange)
	}
	vmas := p.space.VMAs()
	owner, ok := vmas.Find(r.Base)
	if !ok {
		owner = vmas.Head()
	}
	v, ok := vmas.CreateChild(owner, 0, r.Base, r.Order, 0, 0)
	if !ok {
		return nil, fmt.Errorf("domain %q: grant %v: %w", p.name, r, errors.EEXIST)
	}
	if err := p.Adopt(v); err != nil {
		vmas.Remove(v)
		return nil, err
	}
	return v, nil
}

// Destroy releases the domain's bitmap pages. Children must be destroyed
// first, since they may map pages owned by this domain.
func (p *PD) Destroy() {
	p.space.Destroy()
	log.Infof("Destroyed domain %q", p.name)
}
