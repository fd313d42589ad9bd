// Copyright 2019-2022 Intel Corporation. All Rights Reserved.
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

//go:build linux

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intel/fluidmem/pkg/config"
	"github.com/intel/fluidmem/pkg/control"
	"github.com/intel/fluidmem/pkg/fluidmem"
	logger "github.com/intel/fluidmem/pkg/log"
	"github.com/intel/fluidmem/pkg/metrics"
	"github.com/intel/fluidmem/pkg/pidfile"
	"github.com/intel/fluidmem/pkg/upid"
	_ "github.com/intel/fluidmem/pkg/version"
)

// registryConfig selects the registry of unique region ids.
type registryConfig struct {
	Backend string `json:"backend"`
	Config  string `json:"config,omitempty"`
}

type controlConfig struct {
	Socket  string `json:"socket"`
	PidFile string `json:"pidFile"`
}

type consoleConfig struct {
	Addr string `json:"addr"`
}

type metricsConfig struct {
	Addr string `json:"addr"`
}

type options struct {
	engine   *fluidmem.Config
	registry registryConfig
	control  controlConfig
	console  consoleConfig
	metrics  metricsConfig
	log      logger.Options
}

var log = logger.Default()

func defaultOptions() *options {
	return &options{
		engine:   fluidmem.DefaultConfig(),
		registry: registryConfig{Backend: upid.LocalRegistry},
		control:  controlConfig{Socket: control.DefaultSocket, PidFile: pidfile.DefaultPath()},
		console:  consoleConfig{Addr: "127.0.0.1:5001"},
		metrics:  metricsConfig{Addr: "127.0.0.1:8891"},
	}
}

func exit(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "fluidmemd: "+format+"\n", a...)
	os.Exit(1)
}

func main() {
	optConfig := flag.String("config", "", "-config=FILE read configuration from FILE")
	optPrompt := flag.Bool("prompt", false, "-prompt run an interactive prompt on stdin")
	optConsole := flag.String("console-addr", "", "-console-addr=ADDR serve the prompt on TCP ADDR, 'none' to disable")
	optMetrics := flag.String("metrics-addr", "", "-metrics-addr=ADDR serve metrics on ADDR, 'none' to disable")
	optSocket := flag.String("socket", "", "-socket=PATH accept regions on unix socket PATH")
	optPidFile := flag.String("pidfile", "", "-pidfile=PATH PID file of the daemon")
	optCacheSize := flag.Int("cache_size", -1, "-cache_size=PAGES number of resident pages")
	optPageCache := flag.Int("page_cache_size", -1, "-page_cache_size=PAGES number of locally cached pages")
	optPrefetchSize := flag.Int("prefetch_size", -1, "-prefetch_size=PAGES pages to read ahead of sequential faults")
	optPrefetch := flag.Bool("enable_prefetch", false, "-enable_prefetch read ahead of sequential faults")
	optZookeeper := flag.String("zookeeper", "", "-zookeeper=HOST:PORT[,HOST:PORT...] register unique ids in zookeeper")
	optPrintInfo := flag.Duration("print_info", 0, "-print_info=INTERVAL log statistics every INTERVAL")
	optExitOnError := flag.Bool("exit-on-recoverable-error", false, "-exit-on-recoverable-error stop on page state errors")

	flagLog := logger.Options{}
	flagLog.RegisterFlags(flag.CommandLine)

	flag.Parse()

	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}

	opts := defaultOptions()
	if *optConfig != "" {
		err := config.Load(*optConfig, config.Sections{
			"engine":   opts.engine,
			"store":    &opts.engine.Store,
			"registry": &opts.registry,
			"control":  &opts.control,
			"console":  &opts.console,
			"metrics":  &opts.metrics,
			"log":      &opts.log,
		})
		if err != nil {
			exit("failed to load configuration: %v", err)
		}
	}

	// command line overrides the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "console-addr":
			opts.console.Addr = *optConsole
		case "metrics-addr":
			opts.metrics.Addr = *optMetrics
		case "socket":
			opts.control.Socket = *optSocket
		case "pidfile":
			opts.control.PidFile = *optPidFile
		case "cache_size":
			opts.engine.LRUCapacity = *optCacheSize
		case "page_cache_size":
			opts.engine.CacheCapacity = *optPageCache
		case "prefetch_size":
			opts.engine.PrefetchSize = *optPrefetchSize
		case "enable_prefetch":
			opts.engine.Prefetch = *optPrefetch
		case "zookeeper":
			opts.registry = registryConfig{Backend: upid.ZookeeperRegistry, Config: *optZookeeper}
		case "exit-on-recoverable-error":
			opts.engine.ExitOnRecoverableError = *optExitOnError
		case "log-level":
			opts.log.Level = flagLog.Level
		case "log-debug":
			opts.log.Debug = flagLog.Debug
		case "log-backend":
			opts.log.Backend = flagLog.Backend
		}
	})

	if err := logger.Configure(opts.log); err != nil {
		exit("invalid logging configuration: %v", err)
	}
	logger.SetupDebugToggleSignal(syscall.SIGUSR1)
	defer logger.Flush()

	if err := run(opts, *optPrompt, *optPrintInfo); err != nil {
		log.Error("%v", err)
		logger.Flush()
		os.Exit(1)
	}
}

func run(opts *options, prompt bool, printInfo time.Duration) error {
	pid := pidfile.New(opts.control.PidFile)
	if err := pid.Acquire(); err != nil {
		return errors.Wrap(err, "another daemon seems to be running")
	}
	defer pid.Remove()

	registry, err := upid.Open(opts.registry.Backend, opts.registry.Config)
	if err != nil {
		return errors.Wrap(err, "failed to open unique id registry")
	}
	defer registry.Close()

	engine, err := fluidmem.New(opts.engine, registry)
	if err != nil {
		return errors.Wrap(err, "failed to create engine")
	}
	if err := engine.RegisterCollector(); err != nil {
		return err
	}

	poller, err := fluidmem.NewPoller(engine)
	if err != nil {
		return err
	}
	server, err := control.NewServer(opts.control.Socket, poller.Register)
	if err != nil {
		return err
	}

	if err := engine.Start(); err != nil {
		return err
	}
	poller.Start()
	server.Start()

	var (
		console  *fluidmem.Console
		metricsd *http.Server
	)
	if addr := opts.console.Addr; addr != "" && addr != "none" {
		if console, err = fluidmem.NewConsole(addr, engine); err != nil {
			log.Error("console disabled: %v", err)
		} else {
			console.Start()
		}
	}
	if addr := opts.metrics.Addr; addr != "" && addr != "none" {
		metricsd = serveMetrics(addr)
	}
	if prompt {
		go func() {
			p := fluidmem.NewPrompt("fluidmem> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout), engine)
			p.SetPipes(true)
			p.Interact()
			engine.RequestShutdown(nil)
		}()
	}
	if printInfo > 0 {
		go func() {
			ticker := time.NewTicker(printInfo)
			defer ticker.Stop()
			for range ticker.C {
				log.InfoBlock("  ", "%s", engine.Stats().Summarize())
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Info("received signal %v, shutting down", sig)
	case reason := <-engine.ShutdownRequested():
		if reason != nil {
			log.Error("shutting down: %v", reason)
		} else {
			log.Info("shutdown requested")
		}
	}
	signal.Stop(signals)

	var result *multierror.Error

	if err := server.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if console != nil {
		console.Stop()
	}

	ctx := context.Background()
	if timeout := opts.engine.TeardownTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := engine.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	poller.Stop()

	if metricsd != nil {
		if err := metricsd.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		gatherer, err := metrics.NewMetricGatherer()
		if err != nil {
			log.Error("metrics: %v", err)
		}
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed: %v", err)
		}
	}()
	return srv
}
