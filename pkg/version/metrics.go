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

package version

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	tsioVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tsio_version",
		Help: "Tsio version.",
	})
)

func init() {
	prometheus.MustRegister(tsioVersion)
	// The version cannot change for a running binary, so setting the gauge
	// once at startup is enough.
	gatherVersion()
}

func gatherVersion() {
	version, err := VersionTimestamp()
	if err != nil {
		// Not worth panicking
		logrus.WithError(err).Debug("Failed to get version timestamp")
		tsioVersion.Set(-1)
	} else {
		tsioVersion.Set(float64(version))
	}
}
