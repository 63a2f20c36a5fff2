// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package journal writes a JSON line for every finished transfer.
// Records are queued and written by Run goroutine. On queue overflow records
// are dropped, so slow disk never blocks transfers.
package journal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/c2h5oh/datasize"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/yandex/piping/core"
	"github.com/yandex/piping/core/transfer"
	"github.com/yandex/piping/lib/errutil"
	"github.com/yandex/piping/lib/ioutil2"
)

type Config struct {
	Enabled bool `config:"enabled"`
	// Sink is "stdout", "stderr" or file path.
	Sink string `config:"sink" validate:"required"`
	// QueueSize is maximum number of unwritten records.
	QueueSize     int               `config:"queue-size" validate:"min=1"`
	FlushInterval time.Duration     `config:"flush-interval"`
	BufferSize    datasize.ByteSize `config:"buffer-size" validate:"min-size=1kb"`
}

func DefaultConfig() Config {
	return Config{
		Sink:          "stdout",
		QueueSize:     1024,
		FlushInterval: time.Second,
		BufferSize:    64 * datasize.KB,
	}
}

type Record struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Receivers int       `json:"receivers"`
	Ended     int       `json:"ended"`
	Aborted   int       `json:"aborted"`
	BytesRead int64     `json:"bytes_read"`
	BytesSent int64     `json:"bytes_sent"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Started   time.Time `json:"started"`
	// DurationMs is transfer duration in milliseconds.
	DurationMs float64 `json:"duration_ms"`
}

func NewRecord(info transfer.Info, stats transfer.Stats, err error) Record {
	r := Record{
		ID:         info.ID,
		Path:       info.Path,
		Receivers:  info.Receivers,
		Ended:      stats.Ended,
		Aborted:    stats.Aborted,
		BytesRead:  stats.BytesRead,
		BytesSent:  stats.BytesSent,
		Outcome:    transfer.Outcome(err),
		Started:    info.Started,
		DurationMs: float64(stats.Duration) / float64(time.Millisecond),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

type Journal struct {
	log      *zap.Logger
	conf     Config
	sink     core.DataSink
	incoming chan Record
	dropped  atomic.Int64
	written  ioutil2.CountingWriter
}

var _ transfer.Hook = (*Journal)(nil)

func New(log *zap.Logger, conf Config, sink core.DataSink) *Journal {
	if conf.QueueSize <= 0 {
		conf.QueueSize = DefaultConfig().QueueSize
	}
	if conf.BufferSize <= 0 {
		conf.BufferSize = DefaultConfig().BufferSize
	}
	return &Journal{
		log:      log,
		conf:     conf,
		sink:     sink,
		incoming: make(chan Record, conf.QueueSize),
	}
}

func (j *Journal) OnTransferStart(ctx context.Context, _ transfer.Info) (context.Context, transfer.HookToken) {
	return ctx, nil
}

func (j *Journal) OnTransferEnd(_ context.Context, _ transfer.HookToken, info transfer.Info, stats transfer.Stats, err error) {
	j.Report(NewRecord(info, stats, err))
}

// Report queues record. Never blocks: record is dropped if queue is full.
func (j *Journal) Report(r Record) {
	select {
	case j.incoming <- r:
	default:
		if j.dropped.Inc() == 1 {
			j.log.Warn("First journal record is dropped. More information in Run error")
		}
	}
}

// Dropped returns number of dropped records.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// Written returns number of bytes written to sink.
func (j *Journal) Written() int64 { return j.written.Count() }

// SomeRecordsDropped is returned by Run if queue overflowed.
type SomeRecordsDropped struct {
	Dropped int64
}

func (err *SomeRecordsDropped) Error() string {
	return fmt.Sprintf("%v journal records were dropped", err.Dropped)
}

// Run writes queued records to sink until ctx is canceled.
// Records queued before cancel are written before return.
func (j *Journal) Run(ctx context.Context) (err error) {
	sink, err := j.sink.OpenSink()
	if err != nil {
		return errors.WithMessage(err, "journal sink open failed")
	}
	defer func() {
		err = errutil.Join(err, sink.Close())
		j.log.Info("Journal closed", zap.Int64("written", j.written.Count()), zap.Int64("dropped", j.dropped.Load()))
		if dropped := j.dropped.Load(); dropped != 0 {
			err = errutil.Join(err, &SomeRecordsDropped{dropped})
		}
	}()

	j.written.W = sink
	enc := newEncoder(&j.written, int(j.conf.BufferSize))
	defer func() {
		err = errutil.Join(err, errors.WithMessage(enc.Flush(), "final flush failed"))
	}()

	var flushTick <-chan time.Time
	if j.conf.FlushInterval > 0 {
		ticker := time.NewTicker(j.conf.FlushInterval)
		defer ticker.Stop()
		flushTick = ticker.C
	}
	for {
		select {
		case r := <-j.incoming:
			if err := enc.Encode(r); err != nil {
				return errors.WithMessage(err, "record encode failed")
			}
		case <-flushTick:
			if err := enc.Flush(); err != nil {
				return errors.WithMessage(err, "flush failed")
			}
		case <-ctx.Done():
			for {
				select {
				case r := <-j.incoming:
					if err := enc.Encode(r); err != nil {
						return errors.WithMessage(err, "record encode failed")
					}
				default:
					return nil
				}
			}
		}
	}
}

var api = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

type encoder struct {
	stream *jsoniter.Stream
	buf    *bufio.Writer
}

func newEncoder(w io.Writer, size int) *encoder {
	buf := bufio.NewWriterSize(w, size)
	return &encoder{jsoniter.NewStream(api, buf, size), buf}
}

// Encode moves encoded record to buf, that is written to sink when full.
func (e *encoder) Encode(r Record) error {
	e.stream.WriteVal(r)
	e.stream.WriteRaw("\n")
	if e.stream.Error != nil {
		return e.stream.Error
	}
	return e.stream.Flush()
}

func (e *encoder) Flush() error {
	return e.buf.Flush()
}
