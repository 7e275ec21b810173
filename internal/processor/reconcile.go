/*
Ferrymail - Standalone outbound email delivery engine.
Copyright © 2022-2024 Ferrymail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package processor

import (
	"context"
	"time"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/store"
)

func (p *Processor) reconcileLoop() {
	defer p.reconWg.Done()

	t := time.NewTicker(p.reconcileEvery)
	defer t.Stop()

	for {
		select {
		case <-p.reconCtx.Done():
			return
		case <-t.C:
			n, err := p.Reconcile(p.reconCtx)
			if err != nil {
				p.Log.Error("reconciliation failed", err)
			} else if n != 0 {
				p.Log.Msg("re-enqueued stalled messages", "count", n)
			}
		}
	}
}

// Reconcile re-fires delivery jobs for outbound rows stuck in a
// non-terminal status with no live job. Rows whose jobs are merely waiting
// out a retry delay are left alone; the live-job check on the queue tells
// the two apart.
func (p *Processor) Reconcile(ctx context.Context) (int, error) {
	rows, err := p.st.SweepPending(ctx, p.reconcileEvery)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, row := range rows {
		if p.emails.HasJob(row.MessageID) {
			continue
		}
		if err := p.requeueRow(ctx, row); err != nil {
			p.Log.Error("re-enqueue failed", err, "msg_id", row.MessageID)
			continue
		}
		reconciled.Inc()
		n++
	}
	return n, nil
}

// requeueRow rebuilds the message from the stored columns and enqueues a
// fresh job per recipient. The original arbitrary header fields are gone
// with the spool, the rebuilt message carries the standard set only.
func (p *Processor) requeueRow(ctx context.Context, row *store.Email) error {
	hdr, body, err := p.composeMessage(row.MessageID, row.MailFrom, row.RcptTo,
		row.Subject, nil, row.BodyText, row.BodyHTML, nil)
	if err != nil {
		return err
	}

	_, senderDomain, err := address.Split(row.MailFrom)
	if err != nil {
		return err
	}
	if _, err := p.dkim.Sign(ctx, row.TenantID, senderDomain, &hdr, body); err != nil {
		return err
	}

	meta := &module.MsgMetadata{
		ID:           row.MessageID,
		TenantID:     row.TenantID,
		UserID:       row.UserID,
		OriginalFrom: row.MailFrom,
	}
	for _, rcpt := range row.RcptTo {
		if _, err := p.emails.EnqueueEmail(meta, row.MailFrom, rcpt, hdr, body, queue.JobOpts{}); err != nil {
			return err
		}
	}

	p.Log.Msg("stalled message re-enqueued", "msg_id", row.MessageID,
		"status", row.Status, "rcpts", len(row.RcptTo))
	return nil
}
