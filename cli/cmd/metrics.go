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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/iospace/cli/cmd/util"
	"gvisor.dev/iospace/cli/config"
	"gvisor.dev/iospace/pkg/metric"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	scenario string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "print metric data in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-scenario=<scenario.toml>] - prints metric data in Prometheus metric format, after running the scenario if one is given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.scenario, "scenario", "", "scenario to run before exporting.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if m.scenario != "" {
		s, err := config.LoadScenario(m.scenario)
		if err != nil {
			util.Fatalf("%v", err)
		}
		if err := runScenario(ctx, conf, s, io.Discard, io.Discard); err != nil {
			util.Errorf("running scenario %q: %v", m.scenario, err)
			return subcommands.ExitFailure
		}
	}
	if err := metric.WritePrometheus(os.Stdout); err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	return subcommands.ExitSuccess
}
