// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package transfer streams sender payload of established pipe to its receivers.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/yandex/piping/core"
	"github.com/yandex/piping/core/fanout"
	"github.com/yandex/piping/lib/monitoring"
	"github.com/yandex/piping/lib/netutil"
)

var ErrAllReceiversAborted = errors.New("all receivers aborted")

type Config struct {
	Fanout fanout.Config `config:",squash"`
}

func DefaultConfig() Config {
	return Config{Fanout: fanout.DefaultConfig()}
}

type Metrics struct {
	Started   *monitoring.Counter
	Succeeded *monitoring.Counter
	Failed    *monitoring.Counter
	BytesSent *monitoring.Counter
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
		Started:   monitoring.NewCounter(name("TransfersStarted")),
		Succeeded: monitoring.NewCounter(name("TransfersSucceeded")),
		Failed:    monitoring.NewCounter(name("TransfersFailed")),
		BytesSent: monitoring.NewCounter(name("BytesSent")),
	}
}

// Releaser frees established path, so it may be joined again.
type Releaser interface {
	Release(path string)
}

type Engine struct {
	log      *zap.Logger
	conf     Config
	releaser Releaser
	metrics  Metrics
	hooks    []Hook
}

func New(log *zap.Logger, conf Config, r Releaser, m Metrics) *Engine {
	return &Engine{log: log, conf: conf, releaser: r, metrics: m}
}

// AddHook registers hook called around each transfer.
// Must be called before first Transfer.
func (e *Engine) AddHook(h Hook) {
	e.hooks = append(e.hooks, h)
}

// Transfer streams pipe sender payload to all pipe receivers.
// Blocks until every participant is ended or aborted. Path is released
// exactly once: as soon as transfer outcome is known, that may be before
// slow receivers finish draining.
// Canceled ctx fails transfer.
func (e *Engine) Transfer(ctx context.Context, pipe *core.Pipe) {
	id := uuid.New().String()
	t := &transfer{
		engine: e,
		log:    e.log.With(zap.String("id", id), zap.String("path", pipe.Path)),
		pipe:   pipe,
		info: Info{
			ID:        id,
			Path:      pipe.Path,
			Receivers: len(pipe.Receivers),
			Started:   time.Now(),
		},
		events: make(chan event, len(pipe.Receivers)+1),
	}
	t.run(ctx)
}

type eventKind int

const (
	receiverEnded eventKind = iota
	receiverAborted
	// receiverUpstream is abort caused by sender failure.
	receiverUpstream
	senderEnded
	senderFailed
)

type event struct {
	kind     eventKind
	receiver int
	err      error
}

// transfer is single pipe transfer. Its counters are owned by run goroutine,
// participant goroutines report to it through events.
type transfer struct {
	engine *Engine
	log    *zap.Logger
	pipe   *core.Pipe
	info   Info
	events chan event
	sent   atomic.Int64

	ended, aborted int
	senderDone     bool
	released       bool
	err            error
}

func (t *transfer) run(ctx context.Context) {
	e := t.engine
	n := len(t.pipe.Receivers)
	ctx, calls := startHooks(ctx, t.log, e.hooks, t.info)
	e.metrics.Started.Inc()
	t.log.Info("Transfer started", zap.Int("receivers", n))

	sender := t.pipe.Sender
	writeInfo(sender, "Start sending to %d receiver(s)!", n)

	var bytesRead int64
	// Multipart head may never come: unblock it on cancel.
	stopWatch := context.AfterFunc(ctx, sender.CancelRead)
	src, err := OpenSource(sender)
	stopWatch()
	if err != nil {
		t.log.Warn("Sender payload open failed", zap.Error(err))
		for _, r := range t.pipe.Receivers {
			r.Abort()
		}
		t.aborted = n
		t.release(err, "[ERROR] Failed to send.\n")
	} else {
		tee := fanout.New(src.Body, n, e.conf.Fanout)
		header := src.Metadata.Header()
		for i, r := range t.pipe.Receivers {
			_ = r.WriteHead(http.StatusOK, header.Clone())
			go t.receive(i, r, tee.Branches()[i])
		}
		go func() {
			err := tee.Run(ctx)
			if err != nil {
				t.events <- event{kind: senderFailed, err: err}
				return
			}
			t.events <- event{kind: senderEnded}
		}()
		t.loop(n)
		bytesRead = tee.BytesRead()
	}

	stats := Stats{
		BytesRead: bytesRead,
		BytesSent: t.sent.Load(),
		Ended:     t.ended,
		Aborted:   t.aborted,
		Duration:  time.Since(t.info.Started),
	}
	e.metrics.BytesSent.Add(stats.BytesSent)
	if t.err == nil {
		e.metrics.Succeeded.Inc()
	} else {
		e.metrics.Failed.Inc()
	}
	endHooks(ctx, t.log, calls, t.info, stats, t.err)
	t.log.Info("Transfer finished",
		zap.String("outcome", Outcome(t.err)),
		zap.Int("ended", stats.Ended),
		zap.Int("aborted", stats.Aborted),
		zap.Int64("bytesRead", stats.BytesRead),
		zap.Int64("bytesSent", stats.BytesSent),
		zap.Duration("duration", stats.Duration),
		zap.NamedError("reason", t.err))
}

// loop handles one event from each participant: n receivers and the sender.
func (t *transfer) loop(n int) {
	sender := t.pipe.Sender
	for left := n + 1; left > 0; left-- {
		ev := <-t.events
		switch ev.kind {
		case receiverEnded:
			t.ended++
			t.log.Debug("Receiver ended", zap.Int("receiver", ev.receiver))
		case receiverAborted:
			t.aborted++
			t.logAbort(ev)
			if !t.released {
				writeInfo(sender, "A receiver aborted.")
			}
		case receiverUpstream:
			t.aborted++
			if !t.released {
				t.log.Warn("Sender read failed", zap.Error(ev.err))
				t.release(ev.err, "[ERROR] Failed to send.\n")
			}
		case senderEnded:
			t.senderDone = true
			if !t.released {
				writeInfo(sender, "Sent successfully!")
			}
		case senderFailed:
			t.senderDone = true
			// All branches detached: receivers abort events handle it.
			if !t.released && ev.err != fanout.ErrNoBranches {
				t.log.Warn("Sender read failed", zap.Error(ev.err))
				t.release(ev.err, "[ERROR] Failed to send.\n")
			}
		}

		switch {
		case t.released:
		case t.aborted == n:
			sender.CancelRead()
			t.release(ErrAllReceiversAborted, "[INFO] All receiver(s) was/were aborted halfway.\n")
		case t.senderDone && t.ended+t.aborted == n:
			t.release(nil, "[INFO] All receiver(s) was/were received successfully.\n")
		}
	}
}

// release ends sender response with last line and frees path.
func (t *transfer) release(err error, last string) {
	t.released = true
	t.err = err
	if endErr := t.pipe.Sender.End([]byte(last)); endErr != nil {
		t.log.Debug("Sender end failed", zap.Error(endErr))
	}
	t.engine.releaser.Release(t.pipe.Path)
}

// receive copies branch to receiver. Any write failure aborts only this receiver.
func (t *transfer) receive(i int, conn core.Conn, b *fanout.Branch) {
	ev := event{kind: receiverEnded, receiver: i}
	defer func() { t.events <- ev }()
	for {
		chunk, err := b.Next(conn.Context())
		if err == io.EOF {
			if err := conn.End(nil); err != nil {
				conn.Abort()
				ev = event{kind: receiverAborted, receiver: i, err: err}
			}
			return
		}
		if err == nil {
			_, err = conn.Write(chunk)
			if err == nil {
				t.sent.Add(int64(len(chunk)))
				continue
			}
		}
		b.Detach()
		conn.Abort()
		ev = event{kind: receiverAborted, receiver: i, err: err}
		var upstream *fanout.UpstreamError
		if errors.As(err, &upstream) {
			ev = event{kind: receiverUpstream, receiver: i, err: upstream.Err}
		}
		return
	}
}

func (t *transfer) logAbort(ev event) {
	fields := []zap.Field{zap.Int("receiver", ev.receiver), zap.Error(ev.err)}
	if netutil.IsDisconnect(ev.err) || errors.Cause(ev.err) == core.ErrConnEnded {
		t.log.Debug("Receiver aborted", fields...)
		return
	}
	t.log.Warn("Receiver aborted", fields...)
}

func writeInfo(conn core.Conn, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(conn, "[INFO] "+format+"\n", args...)
}
