// Copyright 2019 LINE Corporation
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

package oada

import (
	"errors"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
	prommetrics "github.com/armon/go-metrics/prometheus"
)

// ErrMetricCollectorConfigMustBeSet indicates a nil *gometrics.Config was
// supplied to one of the collector constructors below.
var ErrMetricCollectorConfigMustBeSet = errors.New("metric collector config must be set")

var metricOnce sync.Once
var globalPrometheusMetricCollector *gometrics.Metrics
var globalPrometheusSink gometrics.MetricSink

// DefaultMetricCollectorConfig returns a default go-metrics config for name,
// falling back to "oada-go" when name is empty.
func DefaultMetricCollectorConfig(name string) *gometrics.Config {
	if name == "" {
		name = "oada-go"
	}
	c := gometrics.DefaultConfig(name)
	c.EnableServiceLabel = true
	return c
}

// GlobalPrometheusMetricCollector returns the process-wide go-metrics
// collector sinking to a Prometheus registry, creating it on first call.
func GlobalPrometheusMetricCollector(config *gometrics.Config) (*gometrics.Metrics, error) {
	if config == nil {
		return nil, ErrMetricCollectorConfigMustBeSet
	}

	var err error
	metricOnce.Do(func() {
		sink, sinkErr := prommetrics.NewPrometheusSink()
		if sinkErr != nil {
			err = sinkErr
			return
		}
		globalPrometheusSink = sink
		globalPrometheusMetricCollector, err = gometrics.New(config, sink)
	})
	if err != nil {
		return nil, err
	}
	return globalPrometheusMetricCollector, nil
}

// StatsiteMetricCollector returns a collector sinking to a statsite endpoint.
func StatsiteMetricCollector(config *gometrics.Config, addr string) (*gometrics.Metrics, error) {
	if config == nil {
		return nil, ErrMetricCollectorConfigMustBeSet
	}
	sink, err := gometrics.NewStatsiteSink(addr)
	if err != nil {
		return nil, err
	}
	return gometrics.New(config, sink)
}

// StatsdMetricCollector returns a collector sinking to a statsd endpoint.
func StatsdMetricCollector(config *gometrics.Config, addr string) (*gometrics.Metrics, error) {
	if config == nil {
		return nil, ErrMetricCollectorConfigMustBeSet
	}
	sink, err := gometrics.NewStatsdSink(addr)
	if err != nil {
		return nil, err
	}
	return gometrics.New(config, sink)
}

// metricsCollector wraps an optional *gometrics.Metrics sink: every method is
// a no-op on a nil receiver or an unattached collector, so instrumentation
// call sites never need a nil check of their own.
type metricsCollector struct {
	m *gometrics.Metrics
}

func newMetricsCollector() *metricsCollector { return &metricsCollector{} }

// NewMetricsCollector wraps an already-constructed go-metrics sink (e.g. from
// GlobalPrometheusMetricCollector) for use with Client.SetMetricCollector.
func NewMetricsCollector(m *gometrics.Metrics) *metricsCollector {
	return &metricsCollector{m: m}
}

func (mc *metricsCollector) observeRequest(method string, d time.Duration, err error) {
	if mc == nil || mc.m == nil {
		return
	}
	mc.m.IncrCounter([]string{"oada", "request", "count", method}, 1)
	mc.m.AddSample([]string{"oada", "request", "latency", method}, float32(d.Seconds()*1000))
	if err == nil {
		return
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		mc.m.IncrCounter([]string{"oada", "request", "retry", ce.Kind.String()}, 1)
	}
}

func (mc *metricsCollector) observeWatchReconnect(path string) {
	if mc == nil || mc.m == nil {
		return
	}
	mc.m.IncrCounter([]string{"oada", "watch", "reconnect"}, 1)
}

func (mc *metricsCollector) observePersistLag(name string, lag float64) {
	if mc == nil || mc.m == nil {
		return
	}
	mc.m.SetGauge([]string{"oada", "watch", "persist", "lag", name}, float32(lag))
}
