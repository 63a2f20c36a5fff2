// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const Version = "0.1.0"

func Run() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of piping: piping [<config_filename>]\n"+"<config_filename> is './%s.(yaml|json|...)' by default\n", defaultConfigFile)
		flag.PrintDefaults()
	}
	var (
		example    bool
		flags      flagValues
		monitoring monitoringConfig
	)
	flags.register(flag.CommandLine)
	flag.BoolVar(&example, "example", false, "print example config to STDOUT and exit")
	flag.StringVar(&monitoring.CPUProfile, "cpuprofile", "", "write cpu profile to file")
	flag.StringVar(&monitoring.MemProfile, "memprofile", "", "write memory profile to this file")
	flag.StringVar(&monitoring.ExpvarAddr, "expvar", "", "start HTTP server with monitoring variables on address")
	flag.Parse()

	if example {
		fmt.Print(exampleConfig)
		return
	}

	bootLog, err := zap.NewDevelopment(zap.AddCaller())
	if err != nil {
		panic(err)
	}
	v := newViper()
	if err := readConfig(bootLog, v, flag.Arg(0)); err != nil {
		bootLog.Fatal("Config read failed", zap.Error(err))
	}
	flags.apply(flag.CommandLine, v)
	conf, err := decodeConfig(v)
	if err != nil {
		bootLog.Fatal("Config decode failed", zap.Error(err))
	}
	log, err := newLogger(conf.Log)
	if err != nil {
		bootLog.Fatal("Logger build failed", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	zap.RedirectStdLog(log)
	log.Info("Piping server started", zap.String("version", Version))

	closeMonitoring := startMonitoring(log, monitoring)
	defer closeMonitoring()

	app, err := NewApp(log, conf, afero.NewOsFs(), NewMetrics("relay_"))
	if err != nil {
		log.Fatal("Relay init failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(log, cancel)

	if err := app.Run(ctx); err != nil {
		log.Error("Relay run failed", zap.Error(err))
		closeMonitoring()
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Relay stopped")
}

func handleSignals(log *zap.Logger, interrupt func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	const interruptTimeout = 10 * time.Second
	log.Info("Signal received. Trying to stop gracefully.", zap.Stringer("signal", sig), zap.Duration("timeout", interruptTimeout))
	interrupt()
	select {
	case <-time.After(interruptTimeout):
		log.Fatal("Interrupt timeout exceeded")
	case sig := <-sigs:
		log.Fatal("Another signal received. Quiting.", zap.Stringer("signal", sig))
	}
}

type monitoringConfig struct {
	ExpvarAddr string
	CPUProfile string
	MemProfile string
}

func startMonitoring(log *zap.Logger, conf monitoringConfig) (stop func()) {
	if conf.ExpvarAddr != "" {
		go func() {
			// expvar registers its handler on http.DefaultServeMux.
			err := http.ListenAndServe(conf.ExpvarAddr, nil)
			log.Error("Monitoring server failed", zap.Error(err))
		}()
	}
	var stops []func()
	if conf.CPUProfile != "" {
		f, err := os.Create(conf.CPUProfile)
		if err != nil {
			log.Fatal("CPU profile file create fail", zap.Error(err))
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("CPU profile start fail", zap.Error(err))
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			f.Close()
		})
	}
	if conf.MemProfile != "" {
		f, err := os.Create(conf.MemProfile)
		if err != nil {
			log.Fatal("Memory profile file create fail", zap.Error(err))
		}
		stops = append(stops, func() {
			_ = pprof.WriteHeapProfile(f)
			f.Close()
		})
	}
	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		for _, s := range stops {
			s()
		}
	}
}
