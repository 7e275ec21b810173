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

package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/testutils"
)

type emailEnv struct {
	h    *EmailHandler
	st   *store.Store
	dsn  *emailStub
	hook *scriptedHandler
	ana  *scriptedHandler
}

// newEmailEnv wires an EmailHandler to a fresh store and real sibling
// queues whose handlers capture whatever lands on them.
func newEmailEnv(t *testing.T, target module.DeliveryTarget) *emailEnv {
	env := &emailEnv{
		st:   newTestStore(t),
		dsn:  &emailStub{msgs: make(chan emailCapture, 10)},
		hook: &scriptedHandler{done: make(chan *JobMeta, 10)},
		ana:  &scriptedHandler{done: make(chan *JobMeta, 10)},
	}

	dsnQ := newTestQueue(t, env.dsn)
	hookQ := newTestQueue(t, env.hook)
	anaQ := newTestQueue(t, env.ana)
	t.Cleanup(func() {
		dsnQ.Close()
		hookQ.Close()
		anaQ.Close()
	})

	env.h = &EmailHandler{
		Target:    target,
		Store:     env.st,
		Hostname:  "mx.example.org",
		Emails:    dsnQ,
		Webhooks:  hookQ,
		Analytics: anaQ,
		BounceURL: "https://example.org/bounces",
		Log:       log.Logger{Out: log.NopOutput{}},
	}
	return env
}

func insertPending(t *testing.T, st *store.Store, msgID string, tenantID int64, from string, rcpts []string) {
	t.Helper()
	err := st.InsertEmail(context.Background(), &store.Email{
		MessageID: msgID,
		TenantID:  tenantID,
		Direction: store.DirectionOutbound,
		MailFrom:  from,
		RcptTo:    rcpts,
		Subject:   "test",
		Status:    store.StatusPending,
	})
	if err != nil {
		t.Fatal("InsertEmail:", err)
	}
}

func testEmailJob(msgMeta *module.MsgMetadata, from, rcpt string, attempts, maxAttempts int) *Job {
	hdr := textproto.Header{}
	hdr.Add("Subject", "test")
	hdr.Add("From", from)
	now := time.Now()
	return &Job{
		Meta: &JobMeta{
			ID:             "job-" + msgMeta.ID,
			Kind:           KindEmail,
			TenantID:       msgMeta.TenantID,
			IdempotencyKey: msgMeta.ID,
			Attempts:       attempts,
			MaxAttempts:    maxAttempts,
			FirstAttempt:   now,
			LastAttempt:    now,
			MsgMeta:        msgMeta,
			From:           from,
			Rcpt:           rcpt,
		},
		Header: &hdr,
		Body:   buffer.MemoryBuffer{Slice: []byte("foobar\r\n")},
	}
}

func TestEmailDelivered(t *testing.T) {
	t.Parallel()

	tgt := &testutils.Target{}
	env := newEmailEnv(t, tgt)
	q := newTestQueue(t, env.h)

	msgID := testMsgID(t)
	insertPending(t, env.st, msgID, 3, "sender@example.org", []string{"rcpt@example.com"})

	hdr := textproto.Header{}
	hdr.Add("Subject", "test")
	msgMeta := &module.MsgMetadata{ID: msgID, TenantID: 3, OriginalFrom: "sender@example.org"}
	_, err := q.EnqueueEmail(msgMeta, "sender@example.org", "rcpt@example.com", hdr,
		buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}, JobOpts{})
	if err != nil {
		t.Fatal("EnqueueEmail:", err)
	}

	// The analytics delta is enqueued after the row is settled, its
	// arrival means the delivery went through.
	ana := readMetaChanTimeout(t, env.ana.done, 5*time.Second)
	q.Close()

	email, err := env.st.EmailByMessageID(context.Background(), msgID)
	if err != nil {
		t.Fatal("EmailByMessageID:", err)
	}
	if email.Status != store.StatusDelivered {
		t.Errorf("wrong status: %v", email.Status)
	}
	if email.Attempts != 1 {
		t.Errorf("wrong attempts count: %v", email.Attempts)
	}

	if len(tgt.Messages) != 1 {
		t.Fatalf("wrong amount of delivered messages: %v", len(tgt.Messages))
	}
	msg := tgt.Messages[0]
	if msg.MailFrom != "sender@example.org" {
		t.Errorf("wrong MAIL FROM: %v", msg.MailFrom)
	}
	if !reflect.DeepEqual(msg.RcptTo, []string{"rcpt@example.com"}) {
		t.Errorf("wrong RCPT TO: %v", msg.RcptTo)
	}
	if string(msg.Body) != "foobar\r\n" {
		t.Errorf("wrong body: %q", msg.Body)
	}
	// Delivery attempts run under a derived message ID so their logs can
	// be told apart.
	if !strings.HasPrefix(msg.MsgMeta.ID, msgID+"-") {
		t.Errorf("wrong attempt ID: %v", msg.MsgMeta.ID)
	}

	var ap AnalyticsPayload
	if err := json.Unmarshal(ana.Payload, &ap); err != nil {
		t.Fatal("analytics payload unmarshal:", err)
	}
	if ap.Sent != 1 || ap.Delivered != 1 || ap.Bounced != 0 || ap.Failed != 0 {
		t.Errorf("wrong analytics delta: %+v", ap)
	}

	if len(env.hook.done) != 0 {
		t.Error("unexpected webhook job")
	}
	if len(env.dsn.msgs) != 0 {
		t.Error("unexpected DSN")
	}
	checkQueueDir(t, q, []string{})
}

func TestEmailPermanentBounce(t *testing.T) {
	t.Parallel()

	permErr := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	}
	tgt := &testutils.Target{RcptErr: map[string]error{"rcpt@example.com": permErr}}
	env := newEmailEnv(t, tgt)

	msgID := testMsgID(t)
	insertPending(t, env.st, msgID, 3, "sender@example.org", []string{"rcpt@example.com"})

	msgMeta := &module.MsgMetadata{ID: msgID, TenantID: 3, OriginalFrom: "sender@example.org"}
	job := testEmailJob(msgMeta, "sender@example.org", "rcpt@example.com", 1, 3)

	// A permanent rejection is a handled outcome, the job completes.
	if err := env.h.Handle(context.Background(), job); err != nil {
		t.Fatal("Handle:", err)
	}

	email, err := env.st.EmailByMessageID(context.Background(), msgID)
	if err != nil {
		t.Fatal("EmailByMessageID:", err)
	}
	if email.Status != store.StatusBounced {
		t.Errorf("wrong status: %v", email.Status)
	}
	if !strings.Contains(email.LastError, "no such user") {
		t.Errorf("wrong last error: %q", email.LastError)
	}

	hook := readMetaChanTimeout(t, env.hook.done, 5*time.Second)
	var wp WebhookPayload
	if err := json.Unmarshal(hook.Payload, &wp); err != nil {
		t.Fatal("webhook payload unmarshal:", err)
	}
	if wp.Event != "bounce" || wp.MessageID != msgID || wp.Rcpt != "rcpt@example.com" {
		t.Errorf("wrong webhook payload: %+v", wp)
	}
	if wp.URL != "https://example.org/bounces" {
		t.Errorf("wrong webhook URL: %v", wp.URL)
	}

	ana := readMetaChanTimeout(t, env.ana.done, 5*time.Second)
	var ap AnalyticsPayload
	if err := json.Unmarshal(ana.Payload, &ap); err != nil {
		t.Fatal("analytics payload unmarshal:", err)
	}
	if ap.Bounced != 1 || ap.Sent != 0 {
		t.Errorf("wrong analytics delta: %+v", ap)
	}

	var dsnMsg emailCapture
	select {
	case dsnMsg = <-env.dsn.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("no DSN was enqueued")
	}
	if dsnMsg.meta.From != "" {
		t.Errorf("DSN must use the null return path, got %q", dsnMsg.meta.From)
	}
	if dsnMsg.meta.Rcpt != "sender@example.org" {
		t.Errorf("wrong DSN recipient: %v", dsnMsg.meta.Rcpt)
	}
	if dsnMsg.meta.MsgMeta == nil || !dsnMsg.meta.MsgMeta.DSN {
		t.Error("DSN flag is not set on the notification")
	}
	if dsnMsg.header.Get("From") != "MAILER-DAEMON@mx.example.org" {
		t.Errorf("wrong DSN From: %v", dsnMsg.header.Get("From"))
	}
	if !bytes.Contains(dsnMsg.body, []byte("rcpt@example.com")) {
		t.Error("DSN does not mention the failed recipient")
	}
}

func TestEmailTemporaryFail(t *testing.T) {
	t.Parallel()

	tempErr := &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
		Message:      "greylisted, try again later",
	}
	tgt := &testutils.Target{RcptErr: map[string]error{"rcpt@example.com": tempErr}}
	env := newEmailEnv(t, tgt)

	msgID := testMsgID(t)
	insertPending(t, env.st, msgID, 3, "sender@example.org", []string{"rcpt@example.com"})

	msgMeta := &module.MsgMetadata{ID: msgID, TenantID: 3, OriginalFrom: "sender@example.org"}
	job := testEmailJob(msgMeta, "sender@example.org", "rcpt@example.com", 1, 3)

	err := env.h.Handle(context.Background(), job)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("temporariness was lost: %v", err)
	}

	// Not settled: the queue will retry.
	email, lookupErr := env.st.EmailByMessageID(context.Background(), msgID)
	if lookupErr != nil {
		t.Fatal("EmailByMessageID:", lookupErr)
	}
	if email.Status != store.StatusSent {
		t.Errorf("wrong status: %v", email.Status)
	}

	if len(env.hook.done) != 0 {
		t.Error("unexpected webhook job")
	}
	if len(env.dsn.msgs) != 0 {
		t.Error("unexpected DSN")
	}
}

func TestEmailAttemptsExhausted(t *testing.T) {
	t.Parallel()

	tempErr := &exterrors.SMTPError{
		Code:         451,
		EnhancedCode: exterrors.EnhancedCode{4, 4, 1},
		Message:      "greylisted, try again later",
	}
	tgt := &testutils.Target{RcptErr: map[string]error{"rcpt@example.com": tempErr}}
	env := newEmailEnv(t, tgt)

	msgID := testMsgID(t)
	insertPending(t, env.st, msgID, 3, "sender@example.org", []string{"rcpt@example.com"})

	msgMeta := &module.MsgMetadata{ID: msgID, TenantID: 3, OriginalFrom: "sender@example.org"}
	job := testEmailJob(msgMeta, "sender@example.org", "rcpt@example.com", 3, 3)

	// The error is returned so the queue dead-letters the job, but the
	// row settles and the sender is notified now.
	if err := env.h.Handle(context.Background(), job); err == nil {
		t.Fatal("expected an error")
	}

	email, err := env.st.EmailByMessageID(context.Background(), msgID)
	if err != nil {
		t.Fatal("EmailByMessageID:", err)
	}
	if email.Status != store.StatusFailed {
		t.Errorf("wrong status: %v", email.Status)
	}

	ana := readMetaChanTimeout(t, env.ana.done, 5*time.Second)
	var ap AnalyticsPayload
	if err := json.Unmarshal(ana.Payload, &ap); err != nil {
		t.Fatal("analytics payload unmarshal:", err)
	}
	if ap.Failed != 1 {
		t.Errorf("wrong analytics delta: %+v", ap)
	}

	select {
	case <-env.dsn.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("no DSN was enqueued")
	}
	// Bounce webhooks are for permanent recipient rejections only.
	if len(env.hook.done) != 0 {
		t.Error("unexpected webhook job")
	}
}

func TestEmailNoDSN(t *testing.T) {
	t.Parallel()

	permErr := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	}

	test := func(t *testing.T, msgMeta *module.MsgMetadata) {
		tgt := &testutils.Target{RcptErr: map[string]error{"rcpt@example.com": permErr}}
		env := newEmailEnv(t, tgt)

		job := testEmailJob(msgMeta, "sender@example.org", "rcpt@example.com", 1, 3)
		if err := env.h.Handle(context.Background(), job); err != nil {
			t.Fatal("Handle:", err)
		}

		time.Sleep(100 * time.Millisecond)
		if len(env.dsn.msgs) != 0 {
			t.Error("a DSN was generated")
		}
	}

	// Notifications must not bounce again.
	t.Run("DSNFlag", func(t *testing.T) {
		test(t, &module.MsgMetadata{ID: testMsgID(t), DSN: true, OriginalFrom: "sender@example.org"})
	})
	// Null return path means nobody to notify.
	t.Run("NullReturnPath", func(t *testing.T) {
		test(t, &module.MsgMetadata{ID: testMsgID(t)})
	})
}

func TestEmailDSNRcptRewrite(t *testing.T) {
	t.Parallel()

	permErr := &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	}
	tgt := &testutils.Target{RcptErr: map[string]error{"rcpt@example.com": permErr}}
	env := newEmailEnv(t, tgt)

	msgMeta := &module.MsgMetadata{
		ID:           testMsgID(t),
		OriginalFrom: "sender@example.org",
		OriginalRcpts: map[string]string{
			"rcpt@example.com": "rcpt+public@example.net",
		},
	}
	job := testEmailJob(msgMeta, "sender@example.org", "rcpt@example.com", 1, 3)
	if err := env.h.Handle(context.Background(), job); err != nil {
		t.Fatal("Handle:", err)
	}

	var dsnMsg emailCapture
	select {
	case dsnMsg = <-env.dsn.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("no DSN was enqueued")
	}

	if bytes.Contains(dsnMsg.body, []byte("rcpt@example.com")) {
		t.Error("DSN contents mention the real final address")
	}
	if !bytes.Contains(dsnMsg.body, []byte("rcpt+public@example.net")) {
		t.Error("DSN contents do not mention the original address")
	}
}
