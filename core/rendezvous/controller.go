// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/yandex/piping/core"
)

// Transferer streams established pipe. Transfer blocks until every
// participant connection is ended or aborted, and must release the path
// in registry exactly once.
type Transferer interface {
	Transfer(ctx context.Context, pipe *core.Pipe)
}

type Controller struct {
	log       *zap.Logger
	registry  *Registry
	transfer  Transferer
	transfers sync.WaitGroup
}

func NewController(log *zap.Logger, r *Registry, t Transferer) *Controller {
	return &Controller{log: log, registry: r, transfer: t}
}

// Join joins conn to its path with role. The n query parameter is the
// receiver count.
// Rejections are returned as *JoinError before anything is written to conn.
// Otherwise Join blocks until conn is done with: it is either canceled
// while pending, because peer disconnected or ctx was canceled, or
// ended by transfer. Transfer runs in its own goroutine and may outlive
// Join of any participant.
func (c *Controller) Join(ctx context.Context, role core.Role, conn core.Conn, query url.Values) error {
	n, err := ParseCount(query)
	if err != nil {
		return err
	}
	ack, err := c.registry.Join(role, conn.Path(), n, conn)
	if err != nil {
		return err
	}

	// Progress is written outside of registry lock.
	if role == core.Sender {
		_ = conn.WriteHead(http.StatusOK, http.Header{core.AllowOriginHeader: {"*"}})
		writeInfo(conn, "Waiting for %d receiver(s)...", ack.N)
		if !ack.Created {
			writeInfo(conn, "%d receiver(s) has/have been connected.", ack.Connected)
		}
		ack.Slot.MarkReady()
	} else if ack.WaitingSender != nil {
		writeInfo(ack.WaitingSender, "A receiver was connected.")
	}

	if ack.Pipe != nil {
		if ack.SenderReady != nil {
			<-ack.SenderReady
		}
		c.transfers.Add(1)
		go func() {
			defer c.transfers.Done()
			c.transfer.Transfer(ctx, ack.Pipe)
		}()
		<-conn.Done()
		return nil
	}
	return c.wait(ctx, ack.Slot)
}

// Wait blocks until all started transfers are finished.
// Should be called after joins are stopped.
func (c *Controller) Wait() {
	c.transfers.Wait()
}

func (c *Controller) wait(ctx context.Context, slot *Slot) error {
	conn := slot.Conn()
	select {
	case <-slot.Established():
		<-conn.Done()
		return nil
	case <-conn.Context().Done():
		if c.registry.Cancel(slot) {
			c.log.Info("Pending connection closed", zap.String("path", slot.Path()), zap.Stringer("role", slot.Role()))
			conn.Abort()
			return nil
		}
	case <-ctx.Done():
		if c.registry.Cancel(slot) {
			conn.Abort()
			return ctx.Err()
		}
	}
	// Lost the race with establishment: transfer owns the connection now.
	<-conn.Done()
	return nil
}

func writeInfo(conn core.Conn, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(conn, "[INFO] "+format+"\n", args...)
}
