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
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/store"
)

func TestReconcile(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	// InsertEmail stamps updated_at with the wall clock, so aged rows
	// cannot be written directly. A negative sweep age moves the cutoff
	// into the future instead, making fresh rows eligible.
	env.p.reconcileEvery = -time.Hour

	// A row without a job: the crash happened between the row insert and
	// the job write.
	err := env.st.InsertEmail(ctx, &store.Email{
		MessageID: "stale1",
		TenantID:  1,
		UserID:    2,
		Direction: store.DirectionOutbound,
		MailFrom:  "alice@ferrymail.example",
		RcptTo:    []string{"rcpt@example.org"},
		Subject:   "Greetings",
		BodyText:  "hello friend",
		Status:    store.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	// A row whose job is alive: the handler is parked on the gate, which
	// keeps the idempotency key live for the whole run.
	err = env.st.InsertEmail(ctx, &store.Email{
		MessageID: "held",
		TenantID:  1,
		UserID:    2,
		Direction: store.DirectionOutbound,
		MailFrom:  "alice@ferrymail.example",
		RcptTo:    []string{"rcpt@example.org"},
		Subject:   "in flight",
		BodyText:  "already queued",
		Status:    store.StatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
	heldHdr := textproto.Header{}
	heldHdr.Add("From", "<alice@ferrymail.example>")
	heldHdr.Add("Subject", "in flight")
	_, err = env.p.emails.EnqueueEmail(
		&module.MsgMetadata{ID: "held", TenantID: 1, UserID: 2},
		"alice@ferrymail.example", "rcpt@example.org",
		heldHdr, buffer.MemoryBuffer{Slice: []byte("already queued\r\n")},
		queue.JobOpts{})
	if err != nil {
		t.Fatal(err)
	}
	defer close(env.gate)

	n, err := env.p.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("re-enqueued %d messages, want 1", n)
	}

	job := env.waitJob(t)
	if job.meta.IdempotencyKey != "stale1" {
		t.Fatalf("wrong message re-enqueued: %s", job.meta.IdempotencyKey)
	}
	if job.meta.Rcpt != "rcpt@example.org" || job.meta.From != "alice@ferrymail.example" {
		t.Errorf("wrong envelope: %s -> %s", job.meta.From, job.meta.Rcpt)
	}
	if job.header.Get("Message-Id") != "<stale1@mx.ferrymail.example>" {
		t.Errorf("wrong Message-ID: %q", job.header.Get("Message-Id"))
	}
	if !strings.Contains(job.header.Get("DKIM-Signature"), "d=ferrymail.example") {
		t.Errorf("rebuilt message not signed: %s", job.header.Get("DKIM-Signature"))
	}

	subject, textBody, _ := extractParts(job.header, buffer.MemoryBuffer{Slice: job.body})
	if subject != "Greetings" || textBody != "hello friend" {
		t.Errorf("rebuilt message does not match the row: %q / %q", subject, textBody)
	}

	env.expectNoJob(t)
}

func TestReconcile_TerminalRowsLeftAlone(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	env.p.reconcileEvery = -time.Hour

	for id, status := range map[string]string{
		"done":    store.StatusDelivered,
		"dead":    store.StatusFailed,
		"bounced": store.StatusBounced,
	} {
		err := env.st.InsertEmail(ctx, &store.Email{
			MessageID: id,
			TenantID:  1,
			UserID:    2,
			Direction: store.DirectionOutbound,
			MailFrom:  "alice@ferrymail.example",
			RcptTo:    []string{"rcpt@example.org"},
			Status:    status,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := env.p.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("re-enqueued %d terminal messages", n)
	}
	env.expectNoJob(t)
}
