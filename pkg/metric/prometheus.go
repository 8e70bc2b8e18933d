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
	"fmt"
	"io"
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// PrometheusName converts a metric name like /iospace/page_faults into the
// Prometheus name iospace_page_faults.
func PrometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func toMetricFamily(s Snapshot) *dto.MetricFamily {
	name := PrometheusName(s.Name)
	help := s.Description
	mf := &dto.MetricFamily{
		Name: &name,
		Help: &help,
	}
	if s.Cumulative {
		mf.Type = dto.MetricType_COUNTER.Enum()
	} else {
		mf.Type = dto.MetricType_GAUGE.Enum()
	}
	for _, sample := range s.Samples {
		v := float64(sample.Value)
		m := &dto.Metric{}
		keys := make([]string, 0, len(sample.Labels))
		for k := range sample.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k, val := k, sample.Labels[k]
			m.Label = append(m.Label, &dto.LabelPair{Name: &k, Value: &val})
		}
		if s.Cumulative {
			m.Counter = &dto.Counter{Value: &v}
		} else {
			m.Gauge = &dto.Gauge{Value: &v}
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, s := range Snapshots() {
		if err := enc.Encode(toMetricFamily(s)); err != nil {
			return fmt.Errorf("encoding metric %s: %w", s.Name, err)
		}
	}
	return nil
}
