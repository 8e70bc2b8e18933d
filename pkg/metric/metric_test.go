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

package metric

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

func TestUint64MetricFields(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/flips", true, "test flips",
		NewField("op", "grant", "revoke"),
		NewField("result", "changed", "unchanged"))
	m.Increment("grant", "changed")
	m.IncrementBy(3, "revoke", "unchanged")
	if got := m.Value("grant", "changed"); got != 1 {
		t.Errorf("Value(grant, changed) = %d, want 1", got)
	}
	if got := m.Value("revoke", "unchanged"); got != 3 {
		t.Errorf("Value(revoke, unchanged) = %d, want 3", got)
	}
	if got := m.Value("grant", "unchanged"); got != 0 {
		t.Errorf("Value(grant, unchanged) = %d, want 0", got)
	}
}

func TestRegistrationErrors(t *testing.T) {
	MustCreateNewUint64Metric("/test/dup", false, "first")
	if _, err := NewUint64Metric("/test/dup", false, "second"); err != ErrNameInUse {
		t.Errorf("duplicate registration = %v, want ErrNameInUse", err)
	}
	if _, err := NewUint64Metric("no_slash", false, "bad"); err != ErrInvalidName {
		t.Errorf("invalid name = %v, want ErrInvalidName", err)
	}
	if _, err := NewUint64Metric("/test/nofield", false, "bad", NewField("f")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("empty field = %v, want ErrFieldHasNoAllowedValues", err)
	}
}

func TestInvalidFieldValuePanics(t *testing.T) {
	m := MustCreateNewUint64Metric("/test/panics", true, "panics", NewField("op", "a"))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with unknown field value did not panic")
		}
	}()
	m.Increment("b")
}

func TestWritePrometheus(t *testing.T) {
	c := MustCreateNewUint64Metric("/test/export/counter", true, "a counter", NewField("kind", "x", "y"))
	c.IncrementBy(5, "y")
	MustRegisterCustomUint64Metric("/test/export/gauge", false, "a gauge", func() uint64 { return 7 })

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing output: %v", err)
	}
	counter, ok := families["test_export_counter"]
	if !ok {
		t.Fatalf("counter missing from %v", families)
	}
	got := map[string]float64{}
	for _, m := range counter.GetMetric() {
		got[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	if diff := cmp.Diff(map[string]float64{"x": 0, "y": 5}, got); diff != "" {
		t.Errorf("counter mismatch (-want +got):\n%s", diff)
	}
	gauge, ok := families["test_export_gauge"]
	if !ok || gauge.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Errorf("gauge = %v, want 7", gauge)
	}
}
