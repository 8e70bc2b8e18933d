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

package pd

import (
	stderrors "errors"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/fault"
	"gvisor.dev/iospace/pkg/iospace"
	"gvisor.dev/iospace/pkg/pmem"
)

func newFrames(t *testing.T, n uint32) *pmem.Allocator {
	t.Helper()
	a, err := pmem.New(pmem.Options{Frames: n})
	if err != nil {
		t.Fatalf("pmem.New: %v", err)
	}
	t.Cleanup(a.Destroy)
	return a
}

func TestConfigFromTOML(t *testing.T) {
	const doc = `
name = "root"
io_bitmap = true
root = true
grants = [ { base = 0x60, order = 0 }, { base = 0x3f8, order = 3 } ]
`
	var conf Config
	if _, err := toml.Decode(doc, &conf); err != nil {
		t.Fatalf("toml.Decode: %v", err)
	}
	want := Config{
		Name:     "root",
		IOBitmap: true,
		Root:     true,
		Grants:   []PortRange{{Base: 0x60}, {Base: 0x3f8, Order: 3}},
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRoot(t *testing.T) {
	frames := newFrames(t, 8)
	p, err := New(Config{
		Name:     "root",
		IOBitmap: true,
		Root:     true,
		Grants:   []PortRange{{Base: 0x60}, {Base: 0x3f8, Order: 3}},
	}, nil, frames, &fault.Recorder{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Destroy()

	s := p.Space()
	for idx, want := range map[uint64]bool{
		0x5f:  false,
		0x60:  true,
		0x61:  false,
		0x3f7: false,
		0x3f8: true,
		0x3ff: true,
		0x400: false,
	} {
		if got := s.Permitted(idx); got != want {
			t.Errorf("Permitted(%#x) = %t, want %t", idx, got, want)
		}
	}

	if got := s.VMAs().Len(); got != 3 {
		t.Errorf("%d ranges recorded, want 3", got)
	}
	root, ok := s.VMAs().Find(0x1234)
	if !ok || root.Base != 0 || root.Order != rootOrder {
		t.Errorf("Find(0x1234) = %v, want the root range", root)
	}
	if got := frames.Allocated(); got != 1 {
		t.Errorf("Allocated() = %d, want 1", got)
	}
}

func TestNewInvalid(t *testing.T) {
	frames := newFrames(t, 8)
	for _, test := range []struct {
		name string
		conf Config
		want error
	}{
		{name: "no name", conf: Config{}, want: errors.EINVAL},
		{name: "past end", conf: Config{Name: "d", Grants: []PortRange{{Base: 0xffff, Order: 1}}}, want: iospace.ErrPortRange},
		{name: "misaligned", conf: Config{Name: "d", Grants: []PortRange{{Base: 0x61, Order: 1}}}, want: iospace.ErrPortRange},
		{name: "overlap", conf: Config{Name: "d", IOBitmap: true, Grants: []PortRange{{Base: 0x60, Order: 4}, {Base: 0x68, Order: 2}}}, want: errors.EEXIST},
		{name: "root grant", conf: Config{Name: "d", Root: true, Grants: []PortRange{{Base: 0, Order: 16}}}, want: errors.EEXIST},
	} {
		t.Run(test.name, func(t *testing.T) {
			p, err := New(test.conf, nil, frames, &fault.Recorder{})
			if !stderrors.Is(err, test.want) {
				t.Errorf("New = (%v, %v), want %v", p, err, test.want)
			}
			// Partial construction is unwound.
			if got := frames.Allocated(); got != 0 {
				t.Errorf("Allocated() = %d after failure, want 0", got)
			}
		})
	}
}

func TestNewExhaustion(t *testing.T) {
	frames := newFrames(t, 2)
	if _, err := New(Config{Name: "a", IOBitmap: true}, nil, frames, nil); err != nil {
		t.Fatalf("New(a): %v", err)
	}
	if _, err := New(Config{Name: "b", IOBitmap: true}, nil, frames, nil); !stderrors.Is(err, errors.ENOMEM) {
		t.Errorf("New(b) = %v, want ENOMEM", err)
	}
}

func TestChildInheritsParentPages(t *testing.T) {
	frames := newFrames(t, 8)
	parent, err := New(Config{Name: "parent", Root: true, Grants: []PortRange{{Base: 0x60}}}, nil, frames, &fault.Recorder{})
	if err != nil {
		t.Fatalf("New(parent): %v", err)
	}
	child, err := New(Config{Name: "child"}, parent, frames, &fault.Recorder{})
	if err != nil {
		t.Fatalf("New(child): %v", err)
	}
	if child.Parent() != parent {
		t.Fatalf("child not linked to parent")
	}

	before := frames.Allocated()
	if !child.Space().Permitted(0x60) {
		t.Errorf("child does not see the parent's grant")
	}
	if child.Space().Permitted(0x61) {
		t.Errorf("child sees a port nobody granted")
	}
	if got := frames.Allocated(); got != before {
		t.Errorf("inheriting allocated %d frames", got-before)
	}

	if _, err := child.Grant(PortRange{Base: 0x70}); err != nil {
		t.Fatalf("child Grant: %v", err)
	}
	if parent.Space().Permitted(0x70) {
		t.Errorf("child grant visible in the parent")
	}

	child.Destroy()
	parent.Destroy()
	if got := frames.Allocated(); got != 0 {
		t.Errorf("Allocated() after Destroy = %d, want 0", got)
	}
}

func TestAdopt(t *testing.T) {
	frames := newFrames(t, 8)
	root, err := New(Config{Name: "root", Root: true}, nil, frames, nil)
	if err != nil {
		t.Fatalf("New(root): %v", err)
	}
	defer root.Destroy()
	v, err := root.Grant(PortRange{Base: 0x1f0, Order: 3})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := root.Grant(PortRange{Base: 0x1f4, Order: 2}); err != nil {
		t.Errorf("nested Grant: %v", err)
	}
	if _, err := root.Grant(PortRange{Base: 0x1f0, Order: 3}); !stderrors.Is(err, errors.EEXIST) {
		t.Errorf("duplicate Grant = %v, want EEXIST", err)
	}

	other, err := New(Config{Name: "other"}, nil, frames, nil)
	if err != nil {
		t.Fatalf("New(other): %v", err)
	}
	defer other.Destroy()
	if err := other.Adopt(v); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	for idx := uint64(0x1e8); idx < 0x200; idx++ {
		want := v.Contains(idx)
		if got := other.Space().Permitted(idx); got != want {
			t.Errorf("Permitted(%#x) = %t, want %t", idx, got, want)
		}
	}
}
