// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package phttp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/yandex/piping/lib/errutil"
	"github.com/yandex/piping/lib/netutil"
)

type ServerConfig struct {
	HTTPAddr string      `config:"http-addr" validate:"endpoint"`
	HTTPS    HTTPSConfig `config:"https"`
	// H2C enables HTTP/2 over cleartext on HTTP address.
	H2C               bool          `config:"h2c"`
	ReadHeaderTimeout time.Duration `config:"read-header-timeout" validate:"min-time=1ms"`
	ShutdownTimeout   time.Duration `config:"shutdown-timeout"`
	Handler           HandlerConfig `config:",squash"`
}

type HTTPSConfig struct {
	Enabled bool   `config:"enabled"`
	Addr    string `config:"addr" validate:"omitempty,endpoint"`
	KeyPath string `config:"key-path"`
	CrtPath string `config:"crt-path"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		HTTPS:             HTTPSConfig{Addr: ":8443"},
		H2C:               true,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Handler:           DefaultHandlerConfig(),
	}
}

// Server serves relay handler on HTTP and, optionally, HTTPS address.
// Both share one handler, so senders and receivers may use different schemes.
type Server struct {
	log     *zap.Logger
	conf    ServerConfig
	fs      afero.Fs
	handler http.Handler

	servers []*listenedServer
}

type listenedServer struct {
	name     string
	srv      *http.Server
	listener net.Listener
	tls      bool
}

func NewServer(log *zap.Logger, conf ServerConfig, fs afero.Fs, handler http.Handler) *Server {
	return &Server{log: log, conf: conf, fs: fs, handler: handler}
}

// Listen opens listeners. It is called by Serve if it was not called before.
func (s *Server) Listen(ctx context.Context) (err error) {
	if s.servers != nil {
		return nil
	}
	defer func() {
		if err != nil {
			s.closeListeners()
		}
	}()

	handler := s.handler
	if s.conf.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}
	if err := s.listen(ctx, "http", s.conf.HTTPAddr, s.newHTTPServer(handler)); err != nil {
		return err
	}
	if !s.conf.HTTPS.Enabled {
		return nil
	}
	if s.conf.HTTPS.KeyPath == "" || s.conf.HTTPS.CrtPath == "" {
		return errors.New("key path and certificate path should be specified for https")
	}
	cert, err := LoadKeyPair(s.fs, s.conf.HTTPS.CrtPath, s.conf.HTTPS.KeyPath)
	if err != nil {
		return err
	}
	srv := s.newHTTPServer(s.handler)
	srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		return errors.Wrap(err, "http2 configure")
	}
	return s.listen(ctx, "https", s.conf.HTTPS.Addr, srv)
}

func (s *Server) newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.conf.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.log.Named("http")),
	}
}

func (s *Server) listen(ctx context.Context, name, addr string, srv *http.Server) error {
	l, err := netutil.Listen(ctx, addr)
	if err != nil {
		return errors.WithMessage(err, name)
	}
	ls := &listenedServer{name: name, srv: srv, listener: l, tls: srv.TLSConfig != nil}
	s.servers = append(s.servers, ls)
	s.log.Info("Listening", zap.String("server", name), zap.Stringer("addr", l.Addr()))
	return nil
}

func (s *Server) closeListeners() {
	for _, ls := range s.servers {
		_ = ls.listener.Close()
	}
	s.servers = nil
}

// HTTPAddr returns address of listening HTTP server.
func (s *Server) HTTPAddr() net.Addr { return s.addr("http") }

// HTTPSAddr returns address of listening HTTPS server, or nil if it is disabled.
func (s *Server) HTTPSAddr() net.Addr { return s.addr("https") }

func (s *Server) addr(name string) net.Addr {
	for _, ls := range s.servers {
		if ls.name == name {
			return ls.listener.Addr()
		}
	}
	return nil
}

// Serve serves until ctx is canceled or any server fails. Then servers are
// shut down gracefully within shutdown timeout, and closed after it.
// Transfers in progress are interrupted on ctx cancel.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serveCtx := withServeContext(ctx)

	errs := make(chan error, len(s.servers))
	for _, ls := range s.servers {
		ls.srv.BaseContext = func(net.Listener) context.Context { return serveCtx }
		go func(ls *listenedServer) {
			var err error
			if ls.tls {
				err = ls.srv.ServeTLS(ls.listener, "", "")
			} else {
				err = ls.srv.Serve(ls.listener)
			}
			if err == http.ErrServerClosed {
				err = nil
			}
			errs <- errors.WithMessage(err, ls.name)
		}(ls)
	}

	var err error
	running := len(s.servers)
	select {
	case <-ctx.Done():
		s.log.Info("Server stop requested")
	case err = <-errs:
		running--
		s.log.Error("Server failed", zap.Error(err))
	}
	cancel()
	err = errutil.Join(err, s.Shutdown())
	for ; running > 0; running-- {
		err = errutil.Join(err, <-errs)
	}
	return err
}

// Shutdown gracefully stops servers. Servers that are not stopped within
// shutdown timeout are closed.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.ShutdownTimeout)
	defer cancel()
	var err error
	for _, ls := range s.servers {
		if shutdownErr := ls.srv.Shutdown(ctx); shutdownErr != nil {
			s.log.Warn("Graceful shutdown failed", zap.String("server", ls.name), zap.Error(shutdownErr))
			err = errutil.Join(err, errors.WithMessage(ls.srv.Close(), ls.name))
		}
	}
	return err
}
