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

// Package fault reports fatal kernel invariant violations.
//
// Violations are routed through a Reporter rather than aborting directly so
// that hosts such as tests and simulators can intercept them.
package fault

import (
	"fmt"
	"sync"

	"gvisor.dev/iospace/pkg/hostarch"
	"gvisor.dev/iospace/pkg/log"
)

// Report describes a fatal fault.
type Report struct {
	// Addr is the faulting address.
	Addr hostarch.Addr

	// Access is the access that faulted.
	Access hostarch.AccessType

	// Reason describes the violated invariant.
	Reason string
}

// String implements fmt.Stringer.String.
func (r Report) String() string {
	return fmt.Sprintf("%s: %s access at %v", r.Reason, r.Access, r.Addr)
}

// Reporter receives fatal faults. Fatal must not return normally to code
// that expects the faulting operation to continue; implementations either
// stop the offending context or record the report for inspection.
type Reporter interface {
	Fatal(r Report)
}

// Panic is the default Reporter. It logs the report and panics.
type Panic struct{}

// Fatal implements Reporter.Fatal.
func (Panic) Fatal(r Report) {
	log.Warningf("FATAL: %v", r)
	panic(r.String())
}

// Recorder is a Reporter that keeps every report. It is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	reports []Report
}

// Fatal implements Reporter.Fatal.
func (rec *Recorder) Fatal(r Report) {
	log.Warningf("recorded fatal fault: %v", r)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.reports = append(rec.reports, r)
}

// Reports returns a copy of the recorded reports.
func (rec *Recorder) Reports() []Report {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Report(nil), rec.reports...)
}
