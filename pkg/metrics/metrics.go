/*
Copyright 2025 The tsio Authors.

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

// Package metrics contains utilities for working with metrics in tsio.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsio/tsio/pkg/interrupts"
)

type CreateServer func(http.Handler) interrupts.ListenAndServer

// ExposeMetricsWithRegistry serves metrics for the component from the given
// registry, or the default one when reg is nil. The createServer hook exists
// for tests; production callers pass nil and get a plain server on port.
func ExposeMetricsWithRegistry(component string, port int, reg prometheus.Gatherer, createServer CreateServer) {
	if reg == nil {
		reg = prometheus.DefaultGatherer
	}
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", handler)
	var server interrupts.ListenAndServer
	if createServer == nil {
		server = &http.Server{Addr: ":" + strconv.Itoa(port), Handler: metricsMux}
	} else {
		server = createServer(handler)
	}
	interrupts.ListenAndServe(server, 5*time.Second)
}

// ExposeMetrics serves metrics for the service on the given port.
func ExposeMetrics(component string, port int) {
	ExposeMetricsWithRegistry(component, port, nil, nil)
}

// RecordError records the error to prometheus
func RecordError(label string, errorRate *prometheus.CounterVec) {
	labels := prometheus.Labels{"error": label}
	errorRate.With(labels).Inc()
}
