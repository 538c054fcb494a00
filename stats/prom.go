/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package stats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// CounterSource is anything providing a snapshot of counters
type CounterSource interface {
	Get() Counters
}

// PrometheusExporter exports counters as prometheus gauges
type PrometheusExporter struct {
	registry *prometheus.Registry
	source   CounterSource
}

// NewPrometheusExporter creates a new instance of PrometheusExporter
func NewPrometheusExporter(source CounterSource) *PrometheusExporter {
	e := &PrometheusExporter{registry: prometheus.NewRegistry(), source: source}
	e.registry.MustRegister(e)
	return e
}

// Describe implements prometheus.Collector.
// Set of counters is not known upfront, so this is an unchecked collector.
func (e *PrometheusExporter) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	counters := e.source.Get()
	for _, k := range counters.Keys() {
		desc := prometheus.NewDesc(flattenKey(k), k, nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, float64(counters[k]))
		if err != nil {
			log.Errorf("failed to export metric %s: %v", k, err)
			continue
		}
		ch <- m
	}
}

// Handler returns http handler serving metrics
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(
		e.registry,
		promhttp.HandlerOpts{
			// Opt into OpenMetrics to support exemplars.
			EnableOpenMetrics: true,
		},
	)
}

// Start runs http server with /metrics endpoint until ctx is done
func (e *PrometheusExporter) Start(ctx context.Context, listenPort int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	addr := fmt.Sprintf(":%d", listenPort)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	log.Infof("Starting prometheus exporter on %s", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
