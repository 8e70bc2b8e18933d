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

// Package cmd holds implementations of the iospace commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/iospace/cli/cmd/util"
	"gvisor.dev/iospace/cli/config"
	"gvisor.dev/iospace/pkg/atomicbitops"
	"gvisor.dev/iospace/pkg/cleanup"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/fault"
	"gvisor.dev/iospace/pkg/iospace"
	"gvisor.dev/iospace/pkg/log"
	"gvisor.dev/iospace/pkg/pd"
	"gvisor.dev/iospace/pkg/pmem"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// quiet suppresses per-step output.
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a scenario of domain operations"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml> - create the domains of a scenario and apply its steps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.quiet, "quiet", false, "only print the final state.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s, err := config.LoadScenario(f.Arg(0))
	if err != nil {
		util.Fatalf("%v", err)
	}
	var steps io.Writer = os.Stdout
	if r.quiet {
		steps = io.Discard
	}
	if err := runScenario(ctx, conf, s, steps, os.Stdout); err != nil {
		util.Errorf("running scenario %q: %v", f.Arg(0), err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// scenarioRunner holds the state of a running scenario.
type scenarioRunner struct {
	frames   *pmem.Allocator
	reporter fault.Reporter
	domains  map[string]*pd.PD
	children map[string]int
	w        io.Writer
}

// runScenario executes s. One line per step is written to steps, and the
// final state of every live domain to summary.
func runScenario(ctx context.Context, conf *config.Config, s *config.Scenario, steps, summary io.Writer) error {
	frames, err := pmem.New(pmem.Options{Frames: uint32(conf.Frames)})
	if err != nil {
		return err
	}
	defer frames.Destroy()

	rec := &fault.Recorder{}
	r := &scenarioRunner{
		frames:   frames,
		reporter: rec,
		domains:  make(map[string]*pd.PD),
		children: make(map[string]int),
		w:        steps,
	}
	if conf.PanicOnFault {
		r.reporter = fault.Panic{}
	}

	// Children are destroyed before their parents.
	var cu cleanup.Cleanup
	defer cu.Clean()
	for _, d := range s.Domains {
		var parent *pd.PD
		if d.Parent != "" {
			parent = r.domains[d.Parent]
		}
		p, err := pd.New(d.Config, parent, frames, r.reporter)
		if err != nil {
			return err
		}
		r.domains[d.Name] = p
		r.children[d.Parent]++
		name := d.Name
		cu.Add(func() { r.destroy(name) })
	}

	for i, st := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(ctx, st); err != nil {
			return fmt.Errorf("step %d (%s on %q): %w", i, st.Op, st.Domain, err)
		}
	}

	for _, d := range s.Domains {
		p, ok := r.domains[d.Name]
		if !ok {
			continue
		}
		fmt.Fprintf(summary, "%s: %d bitmap pages, %d ranges\n", d.Name, p.Space().Materialized(), p.Space().VMAs().Len())
	}
	fmt.Fprintf(summary, "frames: %d of %d in use\n", frames.Allocated(), frames.Frames()-1)
	for _, rep := range rec.Reports() {
		fmt.Fprintf(summary, "fatal: %v\n", rep)
	}
	return nil
}

// destroy tears down a live domain.
func (r *scenarioRunner) destroy(name string) {
	p, ok := r.domains[name]
	if !ok {
		return
	}
	p.Destroy()
	delete(r.domains, name)
	r.children[p.Parent().Name()]--
}

func (r *scenarioRunner) domain(name string) (*pd.PD, error) {
	p, ok := r.domains[name]
	if !ok {
		return nil, fmt.Errorf("domain %q was destroyed: %w", name, errors.EINVAL)
	}
	return p, nil
}

func (r *scenarioRunner) step(ctx context.Context, st config.Step) error {
	p, err := r.domain(st.Domain)
	if err != nil {
		return err
	}
	space := p.Space()

	switch st.Op {
	case config.OpGrant:
		changed, err := space.Insert(st.Port)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.w, "%s: grant %#x: %s\n", st.Domain, st.Port, outcome(changed))

	case config.OpGrantRange:
		if st.Port > iospace.MaxPorts || st.Count > iospace.MaxPorts-st.Port {
			return fmt.Errorf("%d ports from %#x: %w", st.Count, st.Port, iospace.ErrPortRange)
		}
		g, ctx := errgroup.WithContext(ctx)
		if st.Parallel > 0 {
			g.SetLimit(st.Parallel)
		}
		var changed atomicbitops.Uint64
		for idx := st.Port; idx < st.Port+st.Count; idx++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				c, err := space.Insert(idx)
				if c {
					changed.Add(1)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Fprintf(r.w, "%s: grant [%#x, %#x): %d changed\n", st.Domain, st.Port, st.Port+st.Count, changed.Load())

	case config.OpRevoke:
		fmt.Fprintf(r.w, "%s: revoke %#x: %s\n", st.Domain, st.Port, outcome(space.Remove(st.Port)))

	case config.OpCheck:
		got := space.Permitted(st.Port)
		fmt.Fprintf(r.w, "%s: check %#x: %s\n", st.Domain, st.Port, permission(got))
		if got != st.Expect {
			return fmt.Errorf("port %#x is %s, want %s", st.Port, permission(got), permission(st.Expect))
		}

	case config.OpFault:
		access, err := config.ParseAccess(st.Access)
		if err != nil {
			return err
		}
		addr := iospace.IdxToVirt(st.Port)
		space.PageFault(addr, access)
		fmt.Fprintf(r.w, "%s: fault %s at %v\n", st.Domain, access, addr)

	case config.OpAdopt:
		from, err := r.domain(st.From)
		if err != nil {
			return err
		}
		v, ok := from.Space().VMAs().Find(st.Range.Base)
		if !ok || v.Base != st.Range.Base || v.Order != st.Range.Order {
			return fmt.Errorf("domain %q owns no range %v: %w", st.From, st.Range, errors.EINVAL)
		}
		if err := p.Adopt(v); err != nil {
			return err
		}
		fmt.Fprintf(r.w, "%s: adopt %v from %s\n", st.Domain, st.Range, st.From)

	case config.OpDestroy:
		if n := r.children[st.Domain]; n > 0 {
			return fmt.Errorf("domain has %d live children: %w", n, errors.EINVAL)
		}
		r.destroy(st.Domain)
		fmt.Fprintf(r.w, "%s: destroyed, %d frames in use\n", st.Domain, r.frames.Allocated())

	default:
		return fmt.Errorf("unknown op %q: %w", st.Op, errors.EINVAL)
	}
	log.Debugf("step %s on %q done", st.Op, st.Domain)
	return nil
}

func outcome(changed bool) string {
	if changed {
		return "changed"
	}
	return "unchanged"
}

func permission(permitted bool) string {
	if permitted {
		return "permitted"
	}
	return "forbidden"
}
