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
	"errors"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/dsn"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/target"
)

// EmailHandler runs send-email jobs. Each job is one delivery attempt of a
// stored message to a single recipient.
//
// The attempt outcome is recorded on the Email row shared by all
// per-recipient jobs of the message: the first terminal status wins and
// later transitions are silently skipped. Delivery itself is never skipped
// based on the row status since the row cannot say which recipients a
// previous attempt reached.
type EmailHandler struct {
	Target module.DeliveryTarget
	Store  *store.Store

	// Hostname is used as the reporting MTA name and as the domain of
	// generated bounce messages.
	Hostname string

	// Emails receives generated bounce messages, Webhooks receives bounce
	// event notifications when BounceURL is set, Analytics receives
	// counter updates. Each is optional.
	Emails    *Queue
	Webhooks  *Queue
	Analytics *Queue

	// BounceURL is the endpoint notified about permanently rejected
	// recipients.
	BounceURL string

	Log log.Logger
}

func (h *EmailHandler) Handle(ctx context.Context, job *Job) error {
	meta := job.Meta
	msgMeta := meta.MsgMeta
	if msgMeta == nil || job.Header == nil || job.Body == nil {
		return exterrors.WithTemporary(errors.New("queue: send-email job without a stored message"), false)
	}

	dl := target.DeliveryLogger(h.Log, msgMeta)
	h.markAttempt(ctx, dl, meta)

	mx, err := h.deliver(ctx, dl, meta, *job.Header, job.Body)
	if err == nil {
		dl.Msg("delivered", "rcpt", meta.Rcpt, "mx", mx, "attempt", meta.Attempts)
		h.settle(ctx, dl, msgMeta.ID, store.StatusDelivered, store.StatusUpdate{MXServer: mx})
		h.bumpAnalytics(meta.TenantID, store.AnalyticsCounts{Sent: 1, Delivered: 1})
		return nil
	}

	if !exterrors.IsTemporaryOrUnspec(err) {
		// Permanent rejection. The outcome is final so the job completes:
		// record it, notify the tenant and bounce the message to its
		// sender.
		dl.Error("recipient rejected", err, "rcpt", meta.Rcpt)
		h.settle(ctx, dl, msgMeta.ID, store.StatusBounced, store.StatusUpdate{LastError: err.Error()})
		h.bumpAnalytics(meta.TenantID, store.AnalyticsCounts{Bounced: 1})
		h.notifyBounce(meta, err)
		h.emitDSN(meta, *job.Header, err)
		return nil
	}

	if meta.Attempts >= meta.MaxAttempts {
		dl.Error("delivery attempts exhausted", err, "rcpt", meta.Rcpt)
		h.settle(ctx, dl, msgMeta.ID, store.StatusFailed, store.StatusUpdate{LastError: err.Error()})
		h.bumpAnalytics(meta.TenantID, store.AnalyticsCounts{Failed: 1})
		h.emitDSN(meta, *job.Header, err)
	}
	return err
}

// markAttempt moves the Email row into sent and bumps the attempts
// counter. A terminal status set by a sibling recipient's job is not an
// error and never blocks this recipient's delivery.
func (h *EmailHandler) markAttempt(ctx context.Context, dl log.Logger, meta *JobMeta) {
	if h.Store == nil {
		return
	}

	ok, err := h.Store.TransitionStatus(ctx, meta.MsgMeta.ID, store.StatusPending, store.StatusSent,
		store.StatusUpdate{BumpAttempts: true})
	if err != nil {
		dl.Error("status update", err)
		return
	}
	if ok {
		return
	}
	if _, err := h.Store.TransitionStatus(ctx, meta.MsgMeta.ID, store.StatusSent, store.StatusSent,
		store.StatusUpdate{BumpAttempts: true}); err != nil {
		dl.Error("status update", err)
	}
}

func (h *EmailHandler) settle(ctx context.Context, dl log.Logger, msgID, next string, upd store.StatusUpdate) {
	if h.Store == nil {
		return
	}

	ok, err := h.Store.TransitionStatus(ctx, msgID, store.StatusSent, next, upd)
	if err != nil {
		dl.Error("status update", err)
		return
	}
	if !ok {
		// markAttempt may have been lost to a store hiccup, the row can
		// still be pending.
		ok, err = h.Store.TransitionStatus(ctx, msgID, store.StatusPending, next, upd)
		if err != nil {
			dl.Error("status update", err)
			return
		}
	}
	if !ok {
		dl.Debugf("message already settled, %s not recorded", next)
	}
}

func (h *EmailHandler) deliver(ctx context.Context, dl log.Logger, meta *JobMeta, header textproto.Header, body buffer.Buffer) (string, error) {
	// The ID is kept stable across attempts so audit rows of all attempts
	// join the same Email row. Attempts are told apart by the "attempt"
	// field in handler logs.
	msgMeta := meta.MsgMeta.DeepCopy()

	delivery, err := h.Target.Start(ctx, msgMeta, meta.From)
	if err != nil {
		return "", err
	}

	if err := delivery.AddRcpt(ctx, meta.Rcpt); err != nil {
		if abortErr := delivery.Abort(ctx); abortErr != nil {
			dl.Error("delivery abort", abortErr)
		}
		return "", err
	}

	if err := delivery.Body(ctx, header, body); err != nil {
		if abortErr := delivery.Abort(ctx); abortErr != nil {
			dl.Error("delivery abort", abortErr)
		}
		return "", err
	}

	if err := delivery.Commit(ctx); err != nil {
		return "", err
	}

	mx := ""
	if sr, ok := delivery.(module.ServerReporter); ok {
		mx = sr.AcceptingServer(meta.Rcpt)
	}
	return mx, nil
}

func (h *EmailHandler) notifyBounce(meta *JobMeta, cause error) {
	if h.Webhooks == nil || h.BounceURL == "" {
		return
	}

	_, err := h.Webhooks.EnqueuePayload(meta.TenantID, WebhookPayload{
		URL:       h.BounceURL,
		Event:     "bounce",
		TenantID:  meta.TenantID,
		MessageID: meta.MsgMeta.ID,
		Rcpt:      meta.Rcpt,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	}, JobOpts{})
	if err != nil {
		h.Log.Error("bounce webhook enqueue", err)
	}
}

func (h *EmailHandler) bumpAnalytics(tenantID int64, delta store.AnalyticsCounts) {
	if h.Analytics == nil {
		return
	}

	// Counters are convenience aggregates, failed updates are dropped
	// instead of dead-lettered.
	_, err := h.Analytics.EnqueuePayload(tenantID, AnalyticsPayload{
		Sent:      delta.Sent,
		Delivered: delta.Delivered,
		Bounced:   delta.Bounced,
		Failed:    delta.Failed,
	}, JobOpts{DiscardFailed: true})
	if err != nil {
		h.Log.Error("analytics enqueue", err)
	}
}

// emitDSN generates a failure notification and enqueues it for delivery
// back to the message sender.
func (h *EmailHandler) emitDSN(meta *JobMeta, header textproto.Header, cause error) {
	msgMeta := meta.MsgMeta
	if h.Emails == nil || h.Hostname == "" {
		return
	}
	// Notifications are never answered with another notification.
	if msgMeta.DSN {
		return
	}
	// Null return-path, used in DSNs.
	if msgMeta.OriginalFrom == "" {
		return
	}

	dsnID, err := module.GenerateMsgID()
	if err != nil {
		h.Log.Error("rand.Rand error", err)
		return
	}

	dsnEnvelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + h.Hostname + ">",
		From:  "MAILER-DAEMON@" + h.Hostname,
		To:    msgMeta.OriginalFrom,
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    h.Hostname,
		XSender:         meta.From,
		XMessageID:      msgMeta.ID,
		ArrivalDate:     meta.FirstAttempt,
		LastAttemptDate: meta.LastAttempt,
	}
	if !msgMeta.DontTraceSender && msgMeta.Conn != nil {
		mtaInfo.ReceivedFromMTA = msgMeta.Conn.Hostname
	}

	rcpt := meta.Rcpt
	if original := msgMeta.OriginalRcpts[rcpt]; original != "" {
		rcpt = original
	}
	status := smtp.EnhancedCode{5, 0, 0}
	var smtpErr *exterrors.SMTPError
	if errors.As(cause, &smtpErr) {
		status = smtp.EnhancedCode(smtpErr.EnhancedCode)
	}
	rcptInfo := dsn.RecipientInfo{
		FinalRecipient: rcpt,
		Action:         dsn.ActionFailed,
		Status:         status,
		DiagnosticCode: cause,
	}

	var dsnBodyBlob bytes.Buffer
	dl := target.DeliveryLogger(h.Log, msgMeta)
	dsnHeader, err := dsn.GenerateDSN(msgMeta.SMTPOpts.UTF8, dsnEnvelope, mtaInfo, []dsn.RecipientInfo{rcptInfo}, header, &dsnBodyBlob)
	if err != nil {
		dl.Error("failed to generate fail DSN", err)
		return
	}
	dsnBody := buffer.MemoryBuffer{Slice: dsnBodyBlob.Bytes()}

	dsnMeta := &module.MsgMetadata{
		ID:       dsnID,
		DSN:      true,
		TenantID: msgMeta.TenantID,
		SMTPOpts: smtp.MailOptions{
			UTF8:       msgMeta.SMTPOpts.UTF8,
			RequireTLS: msgMeta.SMTPOpts.RequireTLS,
		},
	}

	// Null return path: a notification that fails to deliver is dropped,
	// not bounced again.
	if _, err := h.Emails.EnqueueEmail(dsnMeta, "", meta.From, dsnHeader, dsnBody, JobOpts{}); err != nil {
		dl.Error("failed to enqueue DSN", err, "dsn_id", dsnID)
		return
	}
	dl.Msg("generated failed DSN", "dsn_id", dsnID)
}
