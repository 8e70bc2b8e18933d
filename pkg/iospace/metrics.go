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

package iospace

import (
	"gvisor.dev/iospace/pkg/metric"
)

var (
	materializedPages = metric.MustCreateNewUint64Metric("/iospace/materialized_pages", true,
		"Bitmap pages backed by private memory after a grant.")

	materializationRaces = metric.MustCreateNewUint64Metric("/iospace/materialization_races", true,
		"Materializations that lost to a concurrent one and released their frame.")

	pageFaults = metric.MustCreateNewUint64Metric("/iospace/page_faults", true,
		"Faults handled inside the I/O bitmap, by resolution.",
		metric.NewField("resolution", "sync", "placeholder", "fatal"))

	portOps = metric.MustCreateNewUint64Metric("/iospace/port_ops", true,
		"Port permission changes, by operation and whether the bit changed.",
		metric.NewField("op", "grant", "revoke"),
		metric.NewField("result", "changed", "unchanged"))
)
