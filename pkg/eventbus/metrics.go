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

package eventbus

import "github.com/prometheus/client_golang/prometheus"

var (
	subscriberGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tsio_eventbus_subscribers",
		Help: "Currently connected event subscribers.",
	})
	laggedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tsio_eventbus_lagged_events_total",
		Help: "Events skipped because a subscriber fell behind the ring.",
	})
)

func init() {
	prometheus.MustRegister(subscriberGauge, laggedEvents)
}
