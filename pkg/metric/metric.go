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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gvisor.dev/iospace/pkg/atomicbitops"
	"gvisor.dev/iospace/pkg/log"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool
	fields      []Field

	// values holds one counter per combination of field values.
	values []atomicbitops.Uint64

	// value, if set, reports the metric instead of values.
	value func() uint64
}

// metricSet holds all registered metrics.
type metricSet struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}

var allMetrics = metricSet{metrics: make(map[string]*Uint64Metric)}

func validateName(name string) error {
	if !strings.HasPrefix(name, "/") {
		return ErrInvalidName
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '/') {
			return ErrInvalidName
		}
	}
	return nil
}

func register(m *Uint64Metric) error {
	if err := validateName(m.name); err != nil {
		return err
	}
	for _, f := range m.fields {
		if len(f.allowedValues) == 0 {
			return ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if strings.ContainsAny(v, "\"\\\n") {
				return ErrFieldValueContainsIllegalChar
			}
		}
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.metrics[m.name]; ok {
		return ErrNameInUse
	}
	allMetrics.metrics[m.name] = m
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name string, cumulative bool, description string, fields ...Field) (*Uint64Metric, error) {
	n := 1
	for _, f := range fields {
		n *= len(f.allowedValues)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		fields:      fields,
		values:      make([]atomicbitops.Uint64, n),
	}
	if err := register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, cumulative bool, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, cumulative, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is produced by the given function when metrics are exported.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	return register(&Uint64Metric{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// key maps a combination of field values to an index into m.values.
func (m *Uint64Metric) key(fieldValues []string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %s: got %d field values, want %d", m.name, len(fieldValues), len(m.fields)))
	}
	key, radix := 0, 1
	for i, f := range m.fields {
		idx := -1
		for j, v := range f.allowedValues {
			if v == fieldValues[i] {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("metric %s: invalid value %q for field %s", m.name, fieldValues[i], f.name))
		}
		key += idx * radix
		radix *= len(f.allowedValues)
	}
	return key
}

// fieldValues is the inverse of key.
func (m *Uint64Metric) fieldValues(key int) []string {
	vals := make([]string, len(m.fields))
	for i, f := range m.fields {
		vals[i] = f.allowedValues[key%len(f.allowedValues)]
		key /= len(f.allowedValues)
	}
	return vals
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	if m.value != nil {
		return m.value()
	}
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Sample is a single exported data point.
type Sample struct {
	Labels map[string]string
	Value  uint64
}

// Snapshot is the exported state of one metric.
type Snapshot struct {
	Name        string
	Description string
	Cumulative  bool
	Samples     []Sample
}

// Snapshots returns the current value of every registered metric, sorted by
// name.
func Snapshots() []Snapshot {
	allMetrics.mu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics.metrics))
	for _, m := range allMetrics.metrics {
		ms = append(ms, m)
	}
	allMetrics.mu.Unlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })

	snaps := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		s := Snapshot{Name: m.name, Description: m.description, Cumulative: m.cumulative}
		if m.value != nil {
			s.Samples = []Sample{{Value: m.value()}}
		} else {
			for key := range m.values {
				labels := make(map[string]string, len(m.fields))
				for i, v := range m.fieldValues(key) {
					labels[m.fields[i].name] = v
				}
				s.Samples = append(s.Samples, Sample{Labels: labels, Value: m.values[key].Load()})
			}
		}
		snaps = append(snaps, s)
	}
	log.Debugf("metric: snapshot of %d metrics", len(snaps))
	return snaps
}
