// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Outcome values of finished transfer.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Hook provides observability callpoints around transfer of established pipe.
// Implementations must be safe for concurrent use.
type Hook interface {
	OnTransferStart(ctx context.Context, info Info) (context.Context, HookToken)
	// OnTransferEnd is called after every participant is done.
	// err is nil for succeeded transfer.
	OnTransferEnd(ctx context.Context, token HookToken, info Info, stats Stats, err error)
}

// HookToken is opaque value returned by OnTransferStart and passed back to
// OnTransferEnd of the same Hook.
type HookToken interface{}

type Info struct {
	ID        string
	Path      string
	Receivers int
	Started   time.Time
}

type Stats struct {
	// BytesRead is number of bytes read from sender.
	BytesRead int64
	// BytesSent is number of bytes written to all receivers.
	BytesSent int64
	Ended     int
	Aborted   int
	Duration  time.Duration
}

// Outcome returns OutcomeSucceeded for nil err, and OutcomeFailed otherwise.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}

type hookCall struct {
	hook  Hook
	token HookToken
}

func startHooks(ctx context.Context, log *zap.Logger, hooks []Hook, info Info) (context.Context, []hookCall) {
	calls := make([]hookCall, 0, len(hooks))
	for _, h := range hooks {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					log.Error("Transfer hook start panic", zap.Any("panic", rv))
				}
			}()
			hookCtx, token := h.OnTransferStart(ctx, info)
			if hookCtx != nil {
				ctx = hookCtx
			}
			calls = append(calls, hookCall{h, token})
		}()
	}
	return ctx, calls
}

func endHooks(ctx context.Context, log *zap.Logger, calls []hookCall, info Info, stats Stats, err error) {
	for _, c := range calls {
		func() {
			defer func() {
				if rv := recover(); rv != nil {
					log.Error("Transfer hook end panic", zap.Any("panic", rv))
				}
			}()
			c.hook.OnTransferEnd(ctx, c.token, info, stats, err)
		}()
	}
}
