// Copyright 2024 The LockPool Authors
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

package sqlitepool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "lockpool"
	metricsSubsystem = "pool"
)

// Describe implements prometheus.Collector.
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements prometheus.Collector. It reports the number of busy readers, the
// depth of each wait queue, and whether the writer is currently held.
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	labels := prometheus.Labels{"database": p.name}

	p.mu.Lock()
	readersBusy := 0

	for _, r := range p.readers {
		if !r.IsEmptyLock() {
			readersBusy++
		}
	}

	readersTotal := len(p.readers)
	readWaitDepth := p.readWait.Len()
	writeWaitDepth := p.writeWait.Len()
	writerBusy := !p.writer.IsEmptyLock()
	p.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "readers_busy"),
			"The number of reader connections currently bound to a context.",
			nil, labels,
		),
		prometheus.GaugeValue,
		float64(readersBusy),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "readers_total"),
			"The total number of reader connections configured for this database.",
			nil, labels,
		),
		prometheus.GaugeValue,
		float64(readersTotal),
	)

	writerBusyValue := 0.0
	if writerBusy {
		writerBusyValue = 1
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "writer_busy"),
			"1 if the writer connection is currently bound to a context, 0 otherwise.",
			nil, labels,
		),
		prometheus.GaugeValue,
		writerBusyValue,
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "read_wait_depth"),
			"The number of contexts currently waiting for a reader connection.",
			nil, labels,
		),
		prometheus.GaugeValue,
		float64(readWaitDepth),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, metricsSubsystem, "write_wait_depth"),
			"The number of contexts currently waiting for the writer connection.",
			nil, labels,
		),
		prometheus.GaugeValue,
		float64(writeWaitDepth),
	)
}

// Describe implements prometheus.Collector, delegating to every registered Pool.
func (reg *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(reg, ch)
}

// Collect implements prometheus.Collector, delegating to every registered Pool.
func (reg *Registry) Collect(ch chan<- prometheus.Metric) {
	reg.mu.RLock()
	pools := make([]*Pool, 0, len(reg.pools))

	for _, pool := range reg.pools {
		pools = append(pools, pool)
	}
	reg.mu.RUnlock()

	for _, pool := range pools {
		pool.Collect(ch)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
	_ prometheus.Collector = (*Registry)(nil)
)
