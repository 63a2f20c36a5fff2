// Copyright (c) 2017 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package phttp is HTTP protocol adapter of the relay: it dispatches requests
// by method and path, and adapts them to core.Conn for the rendezvous layer.
package phttp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/piping/core"
	"github.com/yandex/piping/core/rendezvous"
	"github.com/yandex/piping/lib/monitoring"
)

const (
	AllowedMethods = "GET, HEAD, POST, PUT, OPTIONS"
	AllowedHeaders = "Content-Type, Content-Disposition, " + core.MetaHeader

	ServiceWorkerHeader  = "Service-Worker"
	ContentRangeHeader   = "Content-Range"
	ForwardedProtoHeader = "X-Forwarded-Proto"
)

// Joiner joins connection to its path. *rendezvous.Controller is Joiner.
type Joiner interface {
	Join(ctx context.Context, role core.Role, conn core.Conn, query url.Values) error
}

// Pages serves reserved paths.
type Pages interface {
	IsReserved(path string) bool
	Serve(w http.ResponseWriter, r *http.Request, baseURL string)
}

type HandlerConfig struct {
	// BaseURL is absolute URL of the relay shown to users. By default it is
	// derived from request.
	BaseURL           string            `config:"base-url" validate:"omitempty,url"`
	HTTP10BufferLimit datasize.ByteSize `config:"http10-buffer-limit" validate:"min-size=1kb"`
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{HTTP10BufferLimit: 64 * datasize.MB}
}

type HandlerMetrics struct {
	Requests *monitoring.Counter
	Rejected *monitoring.Counter
}

// NewHandlerMetrics creates metrics published in expvar with prefix.
// Empty prefix creates unpublished metrics.
func NewHandlerMetrics(prefix string) HandlerMetrics {
	name := func(n string) string {
		if prefix == "" {
			return ""
		}
		return prefix + n
	}
	return HandlerMetrics{
		Requests: monitoring.NewCounter(name("Requests")),
		Rejected: monitoring.NewCounter(name("Rejected")),
	}
}

// RejectError is request rejected before it joined any path.
type RejectError struct {
	Status  int
	Message string
	Header  http.Header
}

func (e *RejectError) Error() string { return e.Message }

type Handler struct {
	log     *zap.Logger
	conf    HandlerConfig
	joiner  Joiner
	pages   Pages
	metrics HandlerMetrics
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(log *zap.Logger, conf HandlerConfig, j Joiner, p Pages, m HandlerMetrics) *Handler {
	return &Handler{log: log, conf: conf, joiner: j, pages: p, metrics: m}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.metrics.Requests.Inc()
	path := r.URL.Path
	log := h.log.With(zap.String("method", r.Method), zap.String("path", path))
	log.Info("Request", zap.String("proto", r.Proto), zap.String("remote", r.RemoteAddr))

	switch r.Method {
	case http.MethodPost, http.MethodPut:
		if h.pages.IsReserved(path) {
			h.reject(w, log, &RejectError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("Cannot send to the reserved path '%s'. (e.g. '/mypath123')", path),
			})
			return
		}
		if _, ok := r.Header[ContentRangeHeader]; ok {
			h.reject(w, log, &RejectError{
				Status:  http.StatusBadRequest,
				Message: fmt.Sprintf("Content-Range is not supported for now in %s", r.Method),
			})
			return
		}
		h.join(w, r, log, core.Sender)
	case http.MethodGet, http.MethodHead:
		if h.pages.IsReserved(path) {
			h.pages.Serve(w, r, h.baseURL(r))
			return
		}
		if r.Method == http.MethodHead {
			h.reject(w, log, unsupportedMethod(r.Method))
			return
		}
		if r.Header.Get(ServiceWorkerHeader) == "script" {
			h.reject(w, log, &RejectError{
				Status:  http.StatusBadRequest,
				Message: "Service Worker registration is rejected.",
			})
			return
		}
		h.join(w, r, log, core.Receiver)
	case http.MethodOptions:
		header := w.Header()
		header.Set(core.AllowOriginHeader, "*")
		header.Set("Access-Control-Allow-Methods", AllowedMethods)
		header.Set("Access-Control-Allow-Headers", AllowedHeaders)
		header.Set("Access-Control-Max-Age", "86400")
		header.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	default:
		h.reject(w, log, unsupportedMethod(r.Method))
	}
}

func unsupportedMethod(method string) *RejectError {
	return &RejectError{
		Status:  http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("Unsupported method: %s.", method),
		Header:  http.Header{"Allow": {AllowedMethods}},
	}
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request, log *zap.Logger, role core.Role) {
	conn := NewConn(w, r, h.conf.HTTP10BufferLimit)
	err := h.joiner.Join(serveContext(r), role, conn, r.URL.Query())
	var joinErr *rendezvous.JoinError
	if errors.As(err, &joinErr) {
		h.reject(w, log, &RejectError{Status: http.StatusBadRequest, Message: joinErr.Error()})
		return
	}
	if err != nil {
		log.Info("Join interrupted", zap.Stringer("role", role), zap.Error(err))
	}
	if conn.Aborted() {
		// Tears connection down without finishing response.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) reject(w http.ResponseWriter, log *zap.Logger, err *RejectError) {
	h.metrics.Rejected.Inc()
	log.Info("Request rejected", zap.Int("status", err.Status), zap.String("reason", err.Message))
	header := w.Header()
	for k, vv := range err.Header {
		header[k] = vv
	}
	header.Set(core.AllowOriginHeader, "*")
	header.Set("Content-Type", "text/plain")
	w.WriteHeader(err.Status)
	_, _ = fmt.Fprintf(w, "[ERROR] %s\n", err.Message)
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.conf.BaseURL != "" {
		return strings.TrimSuffix(h.conf.BaseURL, "/")
	}
	return BaseURL(r)
}

// BaseURL returns absolute URL of the relay as seen by client.
// Scheme is https for TLS requests and requests forwarded from https.
func BaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.Contains(r.Header.Get(ForwardedProtoHeader), "https") {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "hostname"
	}
	return scheme + "://" + host
}

type serveContextKey struct{}

func withServeContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, serveContextKey{}, ctx)
}

// serveContext returns context of the server that serves r. Unlike request
// context it is not canceled on client disconnect, so transfer started by one
// participant is not interrupted when that participant goes away.
func serveContext(r *http.Request) context.Context {
	if ctx, ok := r.Context().Value(serveContextKey{}).(context.Context); ok {
		return ctx
	}
	return context.WithoutCancel(r.Context())
}
