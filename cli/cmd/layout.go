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
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/iospace/cli/cmd/util"
	"gvisor.dev/iospace/pkg/iospace"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct{}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print where ports live in the I/O bitmap"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [port...] - print the bitmap geometry and, for each port, its word, bit and page.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Layout) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if err := writeLayout(os.Stdout, f.Args()); err != nil {
		util.Errorf("%v", err)
		return subcommands.ExitUsageError
	}
	return subcommands.ExitSuccess
}

func writeLayout(w io.Writer, ports []string) error {
	fmt.Fprintf(w, "bitmap: %v, %d bytes in %d pages, %d ports per page\n", iospace.BitmapRange, iospace.BitmapRange.Length(), iospace.BitmapPages, iospace.BitsPerPage)
	for _, arg := range ports {
		idx, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", arg, err)
		}
		if idx >= iospace.MaxPorts {
			return fmt.Errorf("port %#x: %w", idx, iospace.ErrPortRange)
		}
		fmt.Fprintf(w, "port 0x%04x: word %v bit %2d page %d\n", idx, iospace.IdxToVirt(idx), iospace.IdxToBit(idx), iospace.IdxToPage(idx))
	}
	return nil
}
