// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.
package centraldogma

import (
	"sync"

	metrics "github.com/armon/go-metrics"
	promMetrics "github.com/armon/go-metrics/prometheus"
)

var metricOnce sync.Once
var globalPrometheusMetricCollector *metrics.Metrics

// DefaultMetricCollectorConfig returns the default metric collector config
// used by the server subsystems.
func DefaultMetricCollectorConfig(name string) (c *metrics.Config) {
	c = metrics.DefaultConfig(name)
	c.EnableServiceLabel = true
	return
}

// GlobalPrometheusMetricCollector returns the global metric collector which
// sinks to the Prometheus metrics endpoint. Be aware that this function may
// cause panic on error.
func GlobalPrometheusMetricCollector(config *metrics.Config) (m *metrics.Metrics, err error) {
	if config == nil {
		err = ErrMetricCollectorConfigMustBeSet
		return
	}

	metricOnce.Do(func() {
		sink, err := promMetrics.NewPrometheusSink()
		if err == nil {
			globalPrometheusMetricCollector, err = metrics.New(config, sink)
		}

		if err != nil {
			panic(err)
		}
	})

	m = globalPrometheusMetricCollector
	return
}

// StatsdMetricCollector returns a metric collector which sinks to a statsd
// endpoint instead of Prometheus.
func StatsdMetricCollector(config *metrics.Config, addr string) (m *metrics.Metrics, err error) {
	// validate config
	if config == nil {
		err = ErrMetricCollectorConfigMustBeSet
		return
	}

	sink, err := metrics.NewStatsdSink(addr)
	if err != nil {
		return
	}
	m, err = metrics.New(config, sink)
	return
}

// InmemMetricCollector returns a metric collector backed by an in-memory sink,
// used when the configured metrics sink is "inmem".
func InmemMetricCollector(config *metrics.Config) (m *metrics.Metrics, err error) {
	if config == nil {
		err = ErrMetricCollectorConfigMustBeSet
		return
	}

	sink := metrics.NewInmemSink(10e9, 60e9)
	m, err = metrics.New(config, sink)
	return
}
