// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package rendezvous pairs senders and receivers that join the same path.
//
// Path is absent, pending (some participants are waiting) or established
// (transfer is in progress). All state transitions are made under single
// registry lock, so concurrent joins on the same path are linearized.
package rendezvous

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/yandex/piping/core"
	"github.com/yandex/piping/lib/monitoring"
)

type State int

const (
	Absent State = iota
	Pending
	Established
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Established:
		return "established"
	}
	return "unknown"
}

type Metrics struct {
	PendingPaths     *monitoring.Counter
	EstablishedPaths *monitoring.Counter
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
		PendingPaths:     monitoring.NewCounter(name("PendingPaths")),
		EstablishedPaths: monitoring.NewCounter(name("EstablishedPaths")),
	}
}

type slotState int

const (
	slotWaiting slotState = iota
	slotCanceled
	slotEstablished
)

// Slot is a participant waiting on pending path.
type Slot struct {
	role        core.Role
	conn        core.Conn
	entry       *pendingEntry
	state       slotState // Guarded by Registry.mu.
	established chan struct{}
	ready       chan struct{}
	readyOnce   sync.Once
}

func (s *Slot) Role() core.Role              { return s.role }
func (s *Slot) Conn() core.Conn              { return s.conn }
func (s *Slot) Path() string                 { return s.entry.path }
func (s *Slot) Established() <-chan struct{} { return s.established }

// MarkReady tells that the slot connection got its progress output, so
// transfer may write to it. Subsequent calls are no-op.
func (s *Slot) MarkReady() { s.readyOnce.Do(func() { close(s.ready) }) }

type pendingEntry struct {
	path      string
	n         int
	sender    *Slot
	receivers []*Slot
}

func (p *pendingEntry) full() bool {
	return p.sender != nil && len(p.receivers) == p.n
}

// Ack is successful join result.
type Ack struct {
	Slot *Slot
	// N is the receiver count of the path.
	N int
	// Connected is number of receivers on path after join.
	Connected int
	// Created is true if join created pending path.
	Created bool
	// WaitingSender is set when receiver joined path with waiting sender.
	WaitingSender core.Conn
	// Pipe is set when join established path. Caller must start transfer.
	Pipe *core.Pipe
	// SenderReady is set when receiver established path. Transfer must not
	// start before it is closed.
	SenderReady <-chan struct{}
}

type Registry struct {
	log     *zap.Logger
	metrics Metrics

	mu          sync.Mutex
	pending     map[string]*pendingEntry
	established map[string]struct{}
}

func NewRegistry(log *zap.Logger, m Metrics) *Registry {
	return &Registry{
		log:         log,
		metrics:     m,
		pending:     map[string]*pendingEntry{},
		established: map[string]struct{}{},
	}
}

// Join registers conn as participant with role on path, that expects n receivers.
// Returned error is *JoinError.
func (r *Registry) Join(role core.Role, path string, n int, conn core.Conn) (Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ack, err := r.join(role, path, n, conn)
	if err != nil {
		r.log.Debug("Join rejected", zap.String("path", path), zap.Stringer("role", role), zap.Error(err))
	}
	return ack, err
}

func (r *Registry) join(role core.Role, path string, n int, conn core.Conn) (Ack, error) {
	if _, ok := r.established[path]; ok {
		return Ack{}, &JoinError{Kind: AlreadyEstablished, Path: path}
	}
	entry, ok := r.pending[path]
	created := !ok
	if created {
		entry = &pendingEntry{path: path, n: n}
	} else {
		if role == core.Sender && entry.sender != nil {
			return Ack{}, &JoinError{Kind: DuplicateSender, Path: path}
		}
		if entry.n != n {
			return Ack{}, &JoinError{Kind: CountMismatch, Path: path, Expected: entry.n, Got: n}
		}
		if role == core.Receiver && len(entry.receivers) == entry.n {
			return Ack{}, &JoinError{Kind: LimitReached, Path: path}
		}
	}

	slot := &Slot{
		role:        role,
		conn:        conn,
		entry:       entry,
		established: make(chan struct{}),
		ready:       make(chan struct{}),
	}
	if role == core.Sender {
		entry.sender = slot
	} else {
		entry.receivers = append(entry.receivers, slot)
	}
	if created {
		r.pending[path] = entry
		r.metrics.PendingPaths.Inc()
	}
	r.log.Debug("Joined", zap.String("path", path), zap.Stringer("role", role),
		zap.Int("n", entry.n), zap.Int("receivers", len(entry.receivers)))

	ack := Ack{
		Slot:      slot,
		N:         entry.n,
		Connected: len(entry.receivers),
		Created:   created,
	}
	if role == core.Receiver && entry.sender != nil {
		ack.WaitingSender = entry.sender.conn
	}
	if entry.full() {
		if role == core.Receiver {
			ack.SenderReady = entry.sender.ready
		}
		ack.Pipe = r.establish(entry)
	}
	return ack, nil
}

// establish must be called under mu.
func (r *Registry) establish(entry *pendingEntry) *core.Pipe {
	delete(r.pending, entry.path)
	r.established[entry.path] = struct{}{}
	r.metrics.PendingPaths.Dec()
	r.metrics.EstablishedPaths.Inc()

	pipe := &core.Pipe{Path: entry.path, Sender: entry.sender.conn}
	slots := append([]*Slot{entry.sender}, entry.receivers...)
	for _, s := range slots {
		s.state = slotEstablished
		close(s.established)
	}
	for _, s := range entry.receivers {
		pipe.Receivers = append(pipe.Receivers, s.conn)
	}
	r.log.Info("Established", zap.String("path", entry.path), zap.Int("receivers", entry.n))
	return pipe
}

// Cancel removes waiting slot from its pending path, deleting the path when it becomes empty.
// Returns false if the slot has been consumed by establishment already:
// then the transfer engine owns its connection.
// Cancel of canceled slot is no-op that returns true.
func (r *Registry) Cancel(s *Slot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s.state {
	case slotEstablished:
		return false
	case slotCanceled:
		return true
	}
	s.state = slotCanceled
	entry := s.entry
	if entry.sender == s {
		entry.sender = nil
	} else if i := slices.Index(entry.receivers, s); i >= 0 {
		entry.receivers = slices.Delete(entry.receivers, i, i+1)
	}
	if entry.sender == nil && len(entry.receivers) == 0 && r.pending[entry.path] == entry {
		delete(r.pending, entry.path)
		r.metrics.PendingPaths.Dec()
	}
	r.log.Debug("Canceled", zap.String("path", entry.path), zap.Stringer("role", s.role))
	return true
}

// Release removes established path, so it can be reused.
func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.established[path]; !ok {
		r.log.DPanic("Release of not established path", zap.String("path", path))
		return
	}
	delete(r.established, path)
	r.metrics.EstablishedPaths.Dec()
	r.log.Debug("Released", zap.String("path", path))
}

func (r *Registry) State(path string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.established[path]; ok {
		return Established
	}
	if _, ok := r.pending[path]; ok {
		return Pending
	}
	return Absent
}

// Len returns number of pending and established paths.
func (r *Registry) Len() (pending, established int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending), len(r.established)
}
