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

// Package health serves liveness and readiness endpoints for components.
package health

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tsio/tsio/pkg/flagutil"
	"github.com/tsio/tsio/pkg/interrupts"
)

// Health keeps a request multiplexer for liveness and readiness endpoints
type Health struct {
	healthMux *http.ServeMux
}

// NewHealth creates a new health request multiplexer and starts serving the
// liveness endpoint on the default port
func NewHealth() *Health {
	return NewHealthOnPort(flagutil.DefaultHealthPort)
}

// NewHealthOnPort creates a new health request multiplexer and starts serving
// the liveness endpoint on the given port
func NewHealthOnPort(port int) *Health {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, "OK") })
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: healthMux}
	interrupts.ListenAndServe(server, 5*time.Second)
	return &Health{
		healthMux: healthMux,
	}
}

// ReadinessCheck reports whether the component is ready to serve.
type ReadinessCheck func() bool

// ServeReady starts serving the readiness endpoint. Requests fail until
// every given check passes.
func (h *Health) ServeReady(readinessChecks ...ReadinessCheck) {
	h.healthMux.HandleFunc("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, readinessCheck := range readinessChecks {
			if !readinessCheck() {
				http.Error(w, "ReadinessCheck failed", http.StatusInternalServerError)
				return
			}
		}
		fmt.Fprint(w, "OK")
	})
}
