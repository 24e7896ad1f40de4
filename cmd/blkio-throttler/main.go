/*
Copyright 2021 The Caoyingjunz Authors.

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

package main

import (
	"flag"
	"net/http"
	"time"
	// import pprof for performance diagnosed
	_ "net/http/pprof"

	"github.com/julienschmidt/httprouter"
	"k8s.io/klog/v2"

	"github.com/caoyingjunz/blkio-throttler/pkg/block"
	"github.com/caoyingjunz/blkio-throttler/pkg/metrics"
	"github.com/caoyingjunz/blkio-throttler/pkg/signals"
	"github.com/caoyingjunz/blkio-throttler/pkg/throttle"
	"github.com/caoyingjunz/blkio-throttler/pkg/util/router"
)

var (
	listen       = flag.String("listen", ":8412", "address the configuration surface listens on")
	metricsPath  = flag.String("metrics-path", "/metrics", "path of the prometheus metrics handler")
	slice        = flag.Duration("throttle-slice", throttle.DefaultSlice, "throttling time slice")
	hierarchical = flag.Bool("hierarchical", true, "apply group limits to whole subtrees")

	// pprof flags
	enablePprof = flag.Bool("enable-pprof", false, "Start the pprof server before executing the main loop")
	pprofPort   = flag.String("pprof-port", "6060", "The port of pprof to listen on")
)

func init() {
	_ = flag.Set("logtostderr", "true")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Start the pprof server before executing the main loop
	if *enablePprof {
		go func() {
			klog.Infof("Starting the pprof server on: %s", *pprofPort)
			if err := http.ListenAndServe(":"+*pprofPort, nil); err != nil {
				klog.Fatalf("Failed to start pprof server: %v", err)
			}
		}()
	}

	// set up signals so we handle the shutdown signal gracefully
	ctx := signals.SetupSignalHandler()

	registry := block.NewRegistry()
	engine := throttle.New(registry,
		throttle.WithSlice(*slice),
		throttle.WithHierarchy(*hierarchical),
	)

	// Devices registered over the API issue their ready bios back through
	// the submit hook; replace it when embedding the engine in a block
	// layer.
	submit := func(bio *block.Bio) {
		klog.V(2).Infof("issue bio: dev=%s dir=%s size=%d group=%q", bio.Queue.Dev, bio.Dir, bio.Size, bio.Group)
	}

	go engine.Run(ctx)

	route := httprouter.New()
	router.InstallHttpRoute(route, engine, registry, submit)

	mux := http.NewServeMux()
	metrics.InstallHandler(mux, *metricsPath)
	mux.Handle("/", route)

	server := &http.Server{
		Addr:         *listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		klog.Infof("Starting blkio-throttler on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("Failed to run blkio-throttler: %v", err)
		}
	}()

	<-ctx.Done()
	_ = server.Close()
}
