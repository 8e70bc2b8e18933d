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
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/iospace/pkg/errors"
	"gvisor.dev/iospace/pkg/hostarch"
	"gvisor.dev/iospace/pkg/pd"
)

// Step operations.
const (
	OpGrant      = "grant"
	OpGrantRange = "grant-range"
	OpRevoke     = "revoke"
	OpCheck      = "check"
	OpFault      = "fault"
	OpAdopt      = "adopt"
	OpDestroy    = "destroy"
)

// Domain describes one domain of a scenario.
type Domain struct {
	pd.Config

	// Parent names a domain declared earlier in the scenario.
	Parent string `toml:"parent"`
}

// Step is one operation of a scenario, applied to Domain.
type Step struct {
	Domain string `toml:"domain"`
	Op     string `toml:"op"`

	// Port is the port of grant, revoke, check and fault steps.
	Port uint64 `toml:"port"`

	// Count and Parallel size a grant-range step: ports [Port, Port+Count)
	// are granted by up to Parallel workers.
	Count    uint64 `toml:"count"`
	Parallel int    `toml:"parallel"`

	// Access is the access of a fault step: read, write or execute.
	Access string `toml:"access"`

	// Expect is the result a check step requires.
	Expect bool `toml:"expect"`

	// From and Range select the range an adopt step takes over from another
	// domain.
	From  string       `toml:"from"`
	Range pd.PortRange `toml:"range"`
}

// Scenario is a sequence of domain operations, loaded from a toml file.
type Scenario struct {
	Domains []Domain `toml:"domain"`
	Steps   []Step   `toml:"step"`
}

// LoadScenario reads a scenario from path. Unknown keys are rejected.
func LoadScenario(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("decoding scenario %q: %w", path, err)
	}
	return finish(&s, md)
}

// ParseScenario parses a scenario from a toml document.
func ParseScenario(doc string) (*Scenario, error) {
	var s Scenario
	md, err := toml.Decode(doc, &s)
	if err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	return finish(&s, md)
}

func finish(s *Scenario, md toml.MetaData) (*Scenario, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown scenario keys %s: %w", strings.Join(keys, ", "), errors.EINVAL)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scenario) validate() error {
	seen := make(map[string]bool)
	for _, d := range s.Domains {
		if d.Name == "" {
			return fmt.Errorf("domain without a name: %w", errors.EINVAL)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate domain %q: %w", d.Name, errors.EEXIST)
		}
		if d.Parent != "" && !seen[d.Parent] {
			return fmt.Errorf("domain %q: parent %q must be declared first: %w", d.Name, d.Parent, errors.EINVAL)
		}
		seen[d.Name] = true
	}
	for i, st := range s.Steps {
		if !seen[st.Domain] {
			return fmt.Errorf("step %d: unknown domain %q: %w", i, st.Domain, errors.EINVAL)
		}
		switch st.Op {
		case OpGrant, OpRevoke, OpCheck, OpDestroy:
		case OpGrantRange:
			if st.Count == 0 {
				return fmt.Errorf("step %d: %s needs a count: %w", i, st.Op, errors.EINVAL)
			}
		case OpFault:
			if _, err := ParseAccess(st.Access); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		case OpAdopt:
			if !seen[st.From] {
				return fmt.Errorf("step %d: unknown domain %q: %w", i, st.From, errors.EINVAL)
			}
		default:
			return fmt.Errorf("step %d: unknown op %q: %w", i, st.Op, errors.EINVAL)
		}
	}
	return nil
}

// ParseAccess parses the access of a fault step.
func ParseAccess(s string) (hostarch.AccessType, error) {
	switch s {
	case "read", "r":
		return hostarch.Read, nil
	case "write", "w":
		return hostarch.Write, nil
	case "execute", "exec", "x":
		return hostarch.Execute, nil
	}
	return hostarch.NoAccess, fmt.Errorf("invalid access %q, must be 'read', 'write' or 'execute': %w", s, errors.EINVAL)
}
