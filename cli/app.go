// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/yandex/piping/components/pages"
	"github.com/yandex/piping/components/phttp"
	"github.com/yandex/piping/components/relayotel"
	"github.com/yandex/piping/core/journal"
	"github.com/yandex/piping/core/rendezvous"
	"github.com/yandex/piping/core/transfer"
	"github.com/yandex/piping/lib/errutil"
	"github.com/yandex/piping/lib/ioutil2"
	"github.com/yandex/piping/lib/monitoring"
)

type Metrics struct {
	Registry rendezvous.Metrics
	Transfer transfer.Metrics
	Handler  phttp.HandlerMetrics
	// BytesPS is bytes sent per second in last report interval.
	BytesPS *monitoring.Counter
}

// NewMetrics creates metrics published in expvar with prefix.
// Empty prefix creates unpublished metrics.
func NewMetrics(prefix string) Metrics {
	name := func(n string) string {
		if prefix == "" {
			return ""
		}
		return prefix + n
	}
	return Metrics{
		Registry: rendezvous.NewMetrics(prefix),
		Transfer: transfer.NewMetrics(prefix),
		Handler:  phttp.NewHandlerMetrics(prefix),
		BytesPS:  monitoring.NewCounter(name("BytesPS")),
	}
}

// App is relay server with its background tasks.
type App struct {
	log        *zap.Logger
	conf       Config
	metrics    Metrics
	registry   *rendezvous.Registry
	engine     *transfer.Engine
	controller *rendezvous.Controller
	server     *phttp.Server

	journal   *journal.Journal
	telemetry io.Closer
}

func NewApp(log *zap.Logger, conf Config, fs afero.Fs, m Metrics) (*App, error) {
	a := &App{log: log, conf: conf, metrics: m}
	a.registry = rendezvous.NewRegistry(log.Named("registry"), m.Registry)
	a.engine = transfer.New(log.Named("transfer"), conf.Relay, a.registry, m.Transfer)

	if conf.Journal.Enabled {
		a.journal = journal.New(log.Named("journal"), conf.Journal, journal.NewSink(fs, conf.Journal.Sink))
		a.engine.AddHook(a.journal)
	}
	if conf.Telemetry.Enabled {
		out, err := journal.NewSink(fs, conf.Telemetry.Output).OpenSink()
		if err != nil {
			return nil, errors.Wrap(err, "telemetry output open")
		}
		providers, err := relayotel.NewStdoutProviders(conf.Telemetry, Version, out)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		a.telemetry = ioutil2.CloserFunc(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
			defer cancel()
			return errutil.Join(providers.Shutdown(ctx), out.Close())
		})
		a.engine.AddHook(relayotel.NewHook(providers.Config()))
	}

	a.controller = rendezvous.NewController(log.Named("rendezvous"), a.registry, a.engine)
	handler := phttp.NewHandler(log.Named("handler"), conf.Server.Handler, a.controller, pages.NewRenderer(Version), m.Handler)
	a.server = phttp.NewServer(log.Named("server"), conf.Server, fs, handler)
	return a, nil
}

// Listen opens server listeners. It is called by Run if it was not called before.
func (a *App) Listen(ctx context.Context) error {
	return a.server.Listen(ctx)
}

func (a *App) HTTPAddr() net.Addr  { return a.server.HTTPAddr() }
func (a *App) HTTPSAddr() net.Addr { return a.server.HTTPSAddr() }

func (a *App) Registry() *rendezvous.Registry { return a.registry }

// Run serves until ctx is canceled. Transfer reports that were queued before
// servers stopped are written before return.
func (a *App) Run(ctx context.Context) (err error) {
	if a.telemetry != nil {
		defer func() {
			err = errutil.Join(err, errors.WithMessage(a.telemetry.Close(), "telemetry"))
		}()
	}
	if err := a.Listen(ctx); err != nil {
		if errutil.IsCtxError(ctx, err) {
			a.log.Info("Canceled before listen", zap.Error(err))
			return nil
		}
		return err
	}
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	journalDone := make(chan error, 1)
	if a.journal != nil {
		go func() { journalDone <- a.journal.Run(journalCtx) }()
	} else {
		journalDone <- nil
	}

	go startReport(ctx, a.log, a.metrics, reportInterval)

	err = a.server.Serve(ctx)
	a.log.Info("Server stopped", zap.Error(err))
	a.controller.Wait()

	stopJournal()
	err = errutil.Join(err, errors.WithMessage(<-journalDone, "journal"))
	return err
}
