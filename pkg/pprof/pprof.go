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

// Package pprof contains helpers for profiling binaries.
package pprof

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tsio/tsio/pkg/flagutil"
	"github.com/tsio/tsio/pkg/interrupts"
)

// Instrument implements the profiling options a binary should support:
// serving the pprof endpoints and optionally dumping memory profiles.
func Instrument(opts flagutil.InstrumentationOptions) {
	ServePProf(opts.PProfPort)
	if opts.ProfileMemory {
		ProfileMemory(opts.MemoryProfileInterval)
	}
}

// ServePProf sets up a handler for pprof debug endpoints and starts a server
// for them asynchronously.
func ServePProf(port int) {
	pprofMux := http.NewServeMux()
	pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
	pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: pprofMux}
	interrupts.ListenAndServe(server, 5*time.Second)
}

// ProfileMemory dumps a heap profile to a temporary file every interval,
// until the process gets a fatal signal.
func ProfileMemory(interval time.Duration) {
	logrus.Info("Starting memory profiling.")
	interrupts.TickLiteral(func() {
		profile, err := os.CreateTemp("", fmt.Sprintf("memory-profile-%d", time.Now().Unix()))
		if err != nil {
			logrus.WithError(err).Error("Could not create memory profile file.")
			return
		}
		runtime.GC() // get up-to-date statistics
		if err := runtimepprof.WriteHeapProfile(profile); err != nil {
			logrus.WithError(err).Error("Could not write memory profile.")
		}
		if err := profile.Close(); err != nil {
			logrus.WithError(err).Error("Could not close memory profile file.")
		}
		logrus.Infof("Wrote memory profile to %s.", profile.Name())
	}, interval)
}
