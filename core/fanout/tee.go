// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package fanout copies one byte stream to several independently consumed branches.
//
// Single pump goroutine reads source and sends each chunk to every attached
// branch. Branch channels are bounded, so the slowest attached branch
// throttles the source. Detached branches are skipped.
package fanout

import (
	"context"
	"io"
	"sync"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

var (
	// ErrDetached is returned by Branch.Next after Branch.Detach.
	ErrDetached = errors.New("branch detached")
	// ErrNoBranches is returned by Tee.Run when every branch was detached
	// before the source ended.
	ErrNoBranches = errors.New("all branches detached")
)

// UpstreamError is returned by Branch.Next after Tee.Run failed,
// once chunks queued before the failure are consumed.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream failed: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }
func (e *UpstreamError) Cause() error  { return e.Err }

type Config struct {
	// ChunkSize is the maximum size of single read from source.
	ChunkSize datasize.ByteSize `config:"chunk-size" validate:"min-size=1b"`
	// BranchBuffer is number of chunks that may be queued per branch.
	BranchBuffer int `config:"branch-buffer" validate:"min=1"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:    16 * datasize.KB,
		BranchBuffer: 16,
	}
}

type Tee struct {
	src      io.Reader
	conf     Config
	branches []*Branch
	attached atomic.Int32
	read     atomic.Int64
}

// New creates tee with n branches. Call Run to start pumping.
func New(src io.Reader, n int, conf Config) *Tee {
	if conf.ChunkSize == 0 {
		conf.ChunkSize = DefaultConfig().ChunkSize
	}
	if conf.BranchBuffer <= 0 {
		conf.BranchBuffer = DefaultConfig().BranchBuffer
	}
	t := &Tee{src: src, conf: conf}
	t.branches = make([]*Branch, n)
	for i := range t.branches {
		t.branches[i] = &Branch{
			tee:      t,
			chunks:   make(chan []byte, conf.BranchBuffer),
			detached: make(chan struct{}),
		}
	}
	t.attached.Store(int32(n))
	return t
}

func (t *Tee) Branches() []*Branch { return t.branches }

// Attached returns number of not detached branches.
func (t *Tee) Attached() int { return int(t.attached.Load()) }

// BytesRead returns number of bytes read from source so far.
func (t *Tee) BytesRead() int64 { return t.read.Load() }

// Run pumps source to branches. Blocks until source EOF, source error,
// detach of all branches or ctx cancel. Returns nil on EOF.
// Before return every branch is finished: chunks already queued remain
// readable, after them Next returns io.EOF or *UpstreamError with the Run error.
// Run must be called once.
func (t *Tee) Run(ctx context.Context) (err error) {
	defer func() {
		for _, b := range t.branches {
			b.finish(err)
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if t.Attached() == 0 {
			return ErrNoBranches
		}
		// Each chunk is a fresh buffer: branches consume it concurrently.
		buf := make([]byte, int(t.conf.ChunkSize))
		n, rerr := t.src.Read(buf)
		if n > 0 {
			t.read.Add(int64(n))
			if err := t.broadcast(ctx, buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errors.Wrap(rerr, "source read failed")
		}
	}
}

func (t *Tee) broadcast(ctx context.Context, chunk []byte) error {
	delivered := 0
	for _, b := range t.branches {
		if b.IsDetached() {
			continue
		}
		select {
		case b.chunks <- chunk:
			delivered++
		case <-b.detached:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if delivered == 0 {
		return ErrNoBranches
	}
	return nil
}

// Branch is one consumer of tee. Branch methods must be called from single goroutine,
// except Detach that may be called from any goroutine.
type Branch struct {
	tee        *Tee
	chunks     chan []byte
	detached   chan struct{}
	detachOnce sync.Once

	errMu sync.Mutex
	err   error // set before chunks close

	rest []byte // unread part of chunk, for Read
}

var _ io.Reader = (*Branch)(nil)

// Next returns next chunk. Returned chunk must not be modified.
// Returns io.EOF after source end, *UpstreamError after Run failure,
// ErrDetached after Detach, or ctx error if ctx was canceled first.
func (b *Branch) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-b.detached:
		return nil, ErrDetached
	default:
	}
	select {
	case chunk, ok := <-b.chunks:
		if !ok {
			return nil, b.finishErr()
		}
		return chunk, nil
	case <-b.detached:
		return nil, ErrDetached
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read implements io.Reader on top of Next with background context.
func (b *Branch) Read(p []byte) (int, error) {
	if len(b.rest) == 0 {
		chunk, err := b.Next(context.Background())
		if err != nil {
			return 0, err
		}
		b.rest = chunk
	}
	n := copy(p, b.rest)
	b.rest = b.rest[n:]
	return n, nil
}

// Detach stops chunk delivery to this branch. Other branches are not affected.
// When the last attached branch detaches, Run stops.
func (b *Branch) Detach() {
	b.detachOnce.Do(func() {
		close(b.detached)
		b.tee.attached.Dec()
	})
}

func (b *Branch) IsDetached() bool {
	select {
	case <-b.detached:
		return true
	default:
		return false
	}
}

func (b *Branch) finish(err error) {
	if err == nil {
		err = io.EOF
	} else {
		err = &UpstreamError{Err: err}
	}
	b.errMu.Lock()
	b.err = err
	b.errMu.Unlock()
	close(b.chunks)
}

func (b *Branch) finishErr() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}
