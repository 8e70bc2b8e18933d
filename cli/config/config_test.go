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

package config

import (
	"bytes"
	stderrors "errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/hostarch"
	"gvisor.dev/iospace/pkg/log"
	"gvisor.dev/iospace/pkg/pd"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if want := uint(64); c.Frames != want {
		t.Errorf("Frames=%v, want: %v", c.Frames, want)
	}
}

func TestLogIncludesFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--frames=9"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	old := log.Log().Emitter
	log.SetTarget(&log.Writer{Next: &buf})
	t.Cleanup(func() { log.SetTarget(old) })

	c.Log()
	for _, want := range []string{"\tFrames: 9\n", "\tAs flags: --frames=9\n"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("Log() output lacks %q:\n%s", want, buf.String())
		}
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"--debug", "--frames=9", "--log-format=logrus"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := uint(9); c.Frames != want {
		t.Errorf("Frames=%v, want: %v", c.Frames, want)
	}
	if want := "logrus"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	want := []string{"--log-format=logrus", "--debug=true", "--frames=9"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationError(t *testing.T) {
	for _, args := range [][]string{
		{"--log-format=xml"},
		{"--frames=1"},
	} {
		testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
		RegisterFlags(testFlags)
		if err := testFlags.Parse(args); err != nil {
			t.Fatalf("Parse(%v): %v", args, err)
		}
		if _, err := NewFromFlags(testFlags); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}

const testScenario = `
[[domain]]
name = "root"
io_bitmap = true
root = true
grants = [ { base = 0x60, order = 0 } ]

[[domain]]
name = "driver"
parent = "root"

[[step]]
domain = "driver"
op = "grant"
port = 0x3f8

[[step]]
domain = "driver"
op = "fault"
port = 0x3f8
access = "write"

[[step]]
domain = "driver"
op = "adopt"
from = "root"
range = { base = 0x60, order = 0 }
`

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario(testScenario)
	if err != nil {
		t.Fatalf("ParseScenario: %v", err)
	}
	want := &Scenario{
		Domains: []Domain{
			{Config: pd.Config{Name: "root", IOBitmap: true, Root: true, Grants: []pd.PortRange{{Base: 0x60}}}},
			{Config: pd.Config{Name: "driver"}, Parent: "root"},
		},
		Steps: []Step{
			{Domain: "driver", Op: OpGrant, Port: 0x3f8},
			{Domain: "driver", Op: OpFault, Port: 0x3f8, Access: "write"},
			{Domain: "driver", Op: OpAdopt, From: "root", Range: pd.PortRange{Base: 0x60}},
		},
	}
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("scenario mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.toml")
	if err := os.WriteFile(path, []byte(testScenario), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if len(s.Domains) != 2 || len(s.Steps) != 3 {
		t.Errorf("loaded %d domains and %d steps, want 2 and 3", len(s.Domains), len(s.Steps))
	}
	if _, err := LoadScenario(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Errorf("LoadScenario of a missing file succeeded")
	}
}

func TestParseScenarioInvalid(t *testing.T) {
	for _, test := range []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "unknown key",
			doc:  "[[domain]]\nname = \"a\"\nbitmap = true\n",
			want: errors.EINVAL,
		},
		{
			name: "duplicate domain",
			doc:  "[[domain]]\nname = \"a\"\n[[domain]]\nname = \"a\"\n",
			want: errors.EEXIST,
		},
		{
			name: "parent declared later",
			doc:  "[[domain]]\nname = \"a\"\nparent = \"b\"\n[[domain]]\nname = \"b\"\n",
			want: errors.EINVAL,
		},
		{
			name: "unknown op",
			doc:  "[[domain]]\nname = \"a\"\n[[step]]\ndomain = \"a\"\nop = \"poke\"\n",
			want: errors.EINVAL,
		},
		{
			name: "bad access",
			doc:  "[[domain]]\nname = \"a\"\n[[step]]\ndomain = \"a\"\nop = \"fault\"\naccess = \"rw\"\n",
			want: errors.EINVAL,
		},
		{
			name: "empty range",
			doc:  "[[domain]]\nname = \"a\"\n[[step]]\ndomain = \"a\"\nop = \"grant-range\"\n",
			want: errors.EINVAL,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := ParseScenario(test.doc); !stderrors.Is(err, test.want) {
				t.Errorf("ParseScenario = %v, want %v", err, test.want)
			}
		})
	}
}

func TestParseAccess(t *testing.T) {
	for in, want := range map[string]hostarch.AccessType{
		"read":    hostarch.Read,
		"w":       hostarch.Write,
		"execute": hostarch.Execute,
	} {
		got, err := ParseAccess(in)
		if err != nil || got != want {
			t.Errorf("ParseAccess(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
}
