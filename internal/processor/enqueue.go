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
	"errors"
	"fmt"
	"strings"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
)

// Attachment is one file attached to an internally composed message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// EnqueueRequest describes a message to compose and deliver on behalf of
// a tenant without an SMTP session. At least one of Text and HTML must be
// set. Headers carries extra top-level fields, standard originator fields
// are generated and cannot be overridden through it.
type EnqueueRequest struct {
	TenantID int64
	UserID   int64

	From    string
	To      []string
	Subject string

	Text string
	HTML string

	Headers     map[string]string
	Attachments []Attachment
}

// protectedFields are the header fields EnqueueEmail owns. Extra headers
// shadowing them are dropped, not merged.
var protectedFields = []string{
	"From", "To", "Subject", "Date", "Message-Id", "Mime-Version",
	"Content-Type", "Content-Transfer-Encoding", "Received", "Return-Path",
	"Dkim-Signature",
}

// EnqueueEmail composes a message from req and schedules it for delivery,
// applying the same sender policy, spam gate and signing as an SMTP
// submission. Returns the message ID the outcome can be queried by.
func (p *Processor) EnqueueEmail(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.From == "" {
		return "", errors.New("processor: sender address is required")
	}
	if len(req.To) == 0 {
		return "", errors.New("processor: at least one recipient is required")
	}
	if req.Text == "" && req.HTML == "" {
		return "", errors.New("processor: message has no body")
	}
	for _, addr := range append([]string{req.From}, req.To...) {
		if _, _, err := address.Split(addr); err != nil {
			return "", fmt.Errorf("processor: %s: %w", addr, err)
		}
	}
	extra := filterExtraHeaders(req.Headers)

	res, err := p.dom.Check(ctx, req.TenantID, req.UserID, req.From)
	if err != nil {
		msgsProcessed.WithLabelValues("api", "rejected").Inc()
		return "", err
	}
	from := req.From
	modified := false
	if res.Fallback != "" {
		from = res.Fallback
		modified = true
	}

	_, senderDomain, err := address.Split(from)
	if err != nil {
		return "", err
	}
	if !p.dkim.HasKey(ctx, req.TenantID, senderDomain) {
		from = p.dom.FallbackAddress(req.UserID)
		modified = true
		_, senderDomain, _ = address.Split(from)
	}
	if modified {
		p.Log.Msg("sender rewritten", "from", req.From, "to", from)
	}

	msgID, err := module.GenerateMsgID()
	if err != nil {
		return "", err
	}

	hdr, body, err := p.composeMessage(msgID, from, req.To, req.Subject,
		extra, req.Text, req.HTML, req.Attachments)
	if err != nil {
		return "", fmt.Errorf("processor: compose: %w", err)
	}

	scanBody, err := readPrefix(body, spamScanLimit)
	if err != nil {
		return "", err
	}
	score, matched := p.sec.AnalyseSpam(hdr, scanBody)
	if p.sec.IsSpam(score) {
		p.sec.RecordEvent(ctx, req.TenantID, security.EventSpam, msgID,
			"outbound rejected: "+strings.Join(matched, ", "))
		msgsProcessed.WithLabelValues("api", "spam").Inc()
		return "", &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
			Message:      "Message rejected by content policy",
			TargetName:   "processor",
			Misc: map[string]interface{}{
				"score": score,
				"rules": matched,
			},
		}
	}

	if _, err := p.dkim.Sign(ctx, req.TenantID, senderDomain, &hdr, body); err != nil {
		return "", exterrors.WithTemporary(err, true)
	}

	err = p.st.InsertEmail(ctx, &store.Email{
		MessageID: msgID,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Direction: store.DirectionOutbound,
		MailFrom:  from,
		RcptTo:    req.To,
		Subject:   req.Subject,
		BodyText:  req.Text,
		BodyHTML:  req.HTML,
		Status:    store.StatusPending,
		Modified:  modified,
		SpamScore: score,
	})
	if err != nil {
		return "", err
	}

	meta := &module.MsgMetadata{
		ID:           msgID,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		OriginalFrom: req.From,
	}
	for _, rcpt := range req.To {
		if _, err := p.emails.EnqueueEmail(meta, from, rcpt, hdr, body, queue.JobOpts{}); err != nil {
			return "", err
		}
	}

	p.Log.Msg("message enqueued", "msg_id", msgID, "rcpts", len(req.To), "modified", modified)
	msgsProcessed.WithLabelValues("api", "accepted").Inc()
	return msgID, nil
}

func filterExtraHeaders(hdrs map[string]string) map[string]string {
	if len(hdrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(hdrs))
Outer:
	for k, v := range hdrs {
		for _, protected := range protectedFields {
			if strings.EqualFold(k, protected) {
				continue Outer
			}
		}
		out[k] = v
	}
	return out
}
