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

// Package processor is the single entry point for accepted messages.
//
// Outbound submissions pass the sender-domain policy, the content checks
// and the spam heuristics, get their missing Message-ID/Date/Received
// fields stamped, are DKIM-signed, recorded in the emails table and split
// into one delivery job per recipient. Inbound MX mail is screened the
// same way but terminates here: the row is the final record, there is no
// onward relay.
//
// The processor also runs the pending-row reconciler: outbound rows that
// sit in a non-terminal status with no live job (crashed before the job
// write, or the job spool was lost) are rebuilt from the row and
// re-enqueued.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/dkimmgr"
	"github.com/ferrymail/ferrymail/internal/domaincheck"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/target"
)

// spamScanLimit bounds how much of the body feeds the spam heuristics.
// The queue spool keeps the full message either way.
const spamScanLimit = 1 * 1024 * 1024

// Message is one accepted message with its envelope, handed over by an
// endpoint at the end of DATA.
type Message struct {
	MsgMeta  *module.MsgMetadata
	MailFrom string
	RcptTo   []string
	Header   textproto.Header
	Body     buffer.Buffer
}

type Processor struct {
	cfg *config.Config

	st     *store.Store
	dom    *domaincheck.Checker
	sec    *security.Manager
	dkim   *dkimmgr.Manager
	emails *queue.Queue

	local map[string]struct{}

	reconcileEvery time.Duration
	reconCtx       context.Context
	reconCancel    context.CancelFunc
	reconWg        sync.WaitGroup

	Log log.Logger
}

func New(cfg *config.Config, st *store.Store, dom *domaincheck.Checker,
	sec *security.Manager, dkim *dkimmgr.Manager, emails *queue.Queue, logger log.Logger) *Processor {
	return &Processor{
		cfg:            cfg,
		st:             st,
		dom:            dom,
		sec:            sec,
		dkim:           dkim,
		emails:         emails,
		local:          cfg.LocalDomainSet(),
		reconcileEvery: cfg.Queue.ReconcileInterval,
		Log:            logger,
	}
}

func (p *Processor) Name() string {
	return "processor"
}

func (p *Processor) InstanceName() string {
	return ""
}

// Start launches the reconciler loop.
func (p *Processor) Start() error {
	p.reconCtx, p.reconCancel = context.WithCancel(context.Background())
	p.reconWg.Add(1)
	go p.reconcileLoop()
	return nil
}

func (p *Processor) Stop() error {
	if p.reconCancel != nil {
		p.reconCancel()
		p.reconWg.Wait()
	}
	return nil
}

// ProcessOutgoing accepts an authenticated submission, prepares it for
// internet delivery and schedules one delivery job per recipient. The
// returned string is the message ID the tenant can query the outcome by.
//
// The emails row and the jobs are tied together by that ID: the row is
// written first, so a crash in between leaves a pending row the reconciler
// picks up.
func (p *Processor) ProcessOutgoing(ctx context.Context, msg *Message) (string, error) {
	meta := msg.MsgMeta
	if meta == nil || meta.ID == "" {
		return "", errors.New("processor: message without an ID")
	}
	dl := target.DeliveryLogger(p.Log, meta)

	if err := p.prepareSubmission(meta, &msg.Header); err != nil {
		msgsProcessed.WithLabelValues("outbound", "rejected").Inc()
		return "", err
	}

	if err := p.screenMessage(ctx, msg, security.ConnInfo{
		Authenticated: true,
		RemoteIP:      remoteIP(meta.Conn),
		LocalRcpts:    p.countLocal(msg.RcptTo),
		TotalRcpts:    len(msg.RcptTo),
	}); err != nil {
		msgsProcessed.WithLabelValues("outbound", "rejected").Inc()
		return "", err
	}

	res, err := p.dom.Check(ctx, meta.TenantID, meta.UserID, msg.MailFrom)
	if err != nil {
		msgsProcessed.WithLabelValues("outbound", "rejected").Inc()
		return "", err
	}
	modified := false
	if res.Fallback != "" {
		p.rewriteSender(msg, res.Fallback)
		modified = true
	}

	scanBody, err := readPrefix(msg.Body, spamScanLimit)
	if err != nil {
		return "", err
	}
	score, matched := p.sec.AnalyseSpam(msg.Header, scanBody)
	if p.sec.IsSpam(score) {
		p.sec.RecordEvent(ctx, meta.TenantID, security.EventSpam, meta.ID,
			"outbound rejected: "+strings.Join(matched, ", "))
		msgsProcessed.WithLabelValues("outbound", "spam").Inc()
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

	// The signature d= has to match the From domain, so a sender without
	// a key moves under the primary domain before signing.
	_, senderDomain, err := address.Split(msg.MailFrom)
	if err != nil {
		return "", err
	}
	if !p.dkim.HasKey(ctx, meta.TenantID, senderDomain) {
		p.rewriteSender(msg, p.dom.FallbackAddress(meta.UserID))
		modified = true
		_, senderDomain, _ = address.Split(msg.MailFrom)
	}

	if received, err := target.GenerateReceived(ctx, meta, p.cfg.Hostname, msg.MailFrom); err == nil {
		msg.Header.Add("Received", received)
	}

	signRes, err := p.dkim.Sign(ctx, meta.TenantID, senderDomain, &msg.Header, msg.Body)
	if err != nil {
		return "", exterrors.WithTemporary(err, true)
	}
	dl.DebugMsg("signed", "domain", signRes.Domain, "selector", signRes.Selector)

	subject, textBody, htmlBody := extractParts(msg.Header, msg.Body)
	err = p.st.InsertEmail(ctx, &store.Email{
		MessageID: meta.ID,
		TenantID:  meta.TenantID,
		UserID:    meta.UserID,
		Direction: store.DirectionOutbound,
		MailFrom:  msg.MailFrom,
		RcptTo:    msg.RcptTo,
		Subject:   subject,
		BodyText:  textBody,
		BodyHTML:  htmlBody,
		Status:    store.StatusPending,
		Modified:  modified,
		SpamScore: score,
	})
	if err != nil {
		return "", err
	}

	for _, rcpt := range msg.RcptTo {
		if _, err := p.emails.EnqueueEmail(meta, msg.MailFrom, rcpt, msg.Header, msg.Body, queue.JobOpts{}); err != nil {
			return "", err
		}
	}

	dl.Msg("outbound accepted", "rcpts", len(msg.RcptTo), "modified", modified)
	msgsProcessed.WithLabelValues("outbound", "accepted").Inc()
	return meta.ID, nil
}

// ProcessIncoming records a message accepted on the MX port. The row is
// terminal: local mailboxes are outside this system, the table is the
// delivery.
func (p *Processor) ProcessIncoming(ctx context.Context, msg *Message) error {
	meta := msg.MsgMeta
	if meta == nil || meta.ID == "" {
		return errors.New("processor: message without an ID")
	}
	dl := target.DeliveryLogger(p.Log, meta)

	if err := p.screenMessage(ctx, msg, security.ConnInfo{
		MXListener: true,
		RemoteIP:   remoteIP(meta.Conn),
		LocalRcpts: p.countLocal(msg.RcptTo),
		TotalRcpts: len(msg.RcptTo),
	}); err != nil {
		msgsProcessed.WithLabelValues("inbound", "rejected").Inc()
		return err
	}

	scanBody, err := readPrefix(msg.Body, spamScanLimit)
	if err != nil {
		return err
	}
	score, matched := p.sec.AnalyseSpam(msg.Header, scanBody)
	if p.sec.IsSpam(score) {
		meta.Quarantine = true
		p.sec.RecordEvent(ctx, 0, security.EventSpam, meta.ID,
			"inbound quarantined: "+strings.Join(matched, ", "))
		dl.Msg("inbound quarantined", "score", score)
	}

	if err := p.auditDKIM(ctx, dl, msg); err != nil {
		msgsProcessed.WithLabelValues("inbound", "rejected").Inc()
		return err
	}

	subject, textBody, htmlBody := extractParts(msg.Header, msg.Body)
	err = p.st.InsertEmail(ctx, &store.Email{
		MessageID:   meta.ID,
		Direction:   store.DirectionInbound,
		MailFrom:    msg.MailFrom,
		RcptTo:      msg.RcptTo,
		Subject:     subject,
		BodyText:    textBody,
		BodyHTML:    htmlBody,
		Status:      store.StatusDelivered,
		SpamScore:   score,
		DeliveredAt: now(),
	})
	if err != nil {
		return err
	}

	dl.Msg("inbound recorded", "rcpts", len(msg.RcptTo), "quarantine", meta.Quarantine)
	msgsProcessed.WithLabelValues("inbound", "accepted").Inc()
	return nil
}

// ValidateLocalRcpt reports whether addr is accepted as an inbound
// recipient: its domain is either configured as local or exists as a
// verified row in the domains table.
func (p *Processor) ValidateLocalRcpt(ctx context.Context, addr string) (bool, error) {
	_, domain, err := address.Split(addr)
	if err != nil || domain == "" {
		return false, nil
	}
	norm, err := dns.ForLookup(domain)
	if err != nil {
		return false, nil
	}

	if _, ok := p.local[norm]; ok {
		return true, nil
	}

	row, err := p.st.DomainByName(ctx, norm)
	switch {
	case err == nil:
		return row.Verified, nil
	case errors.Is(err, store.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// KnownRcptDomain reports whether the domain of addr is hosted here at all,
// verified or not. Lets the MX listener tell a mailbox in a pending domain
// apart from an open relay attempt. Lookup trouble counts as unknown.
func (p *Processor) KnownRcptDomain(ctx context.Context, addr string) bool {
	_, domain, err := address.Split(addr)
	if err != nil || domain == "" {
		return false
	}
	norm, err := dns.ForLookup(domain)
	if err != nil {
		return false
	}

	if _, ok := p.local[norm]; ok {
		return true
	}
	_, err = p.st.DomainByName(ctx, norm)
	return err == nil
}

// screenMessage runs the header sanity checks and records any findings as
// security events before converting them into the SMTP reply.
func (p *Processor) screenMessage(ctx context.Context, msg *Message, conn security.ConnInfo) error {
	issues := p.sec.CheckMessage(msg.Header, conn)
	for _, issue := range issues {
		p.sec.RecordEvent(ctx, msg.MsgMeta.TenantID, issue.Kind, msg.MsgMeta.ID, issue.Detail)
	}
	if err := security.RejectError(issues); err != nil {
		return err
	}
	return nil
}

// auditDKIM verifies inbound signatures and records failures. It turns
// into a rejection only when the strict switch is on and every present
// signature fails permanently.
func (p *Processor) auditDKIM(ctx context.Context, dl log.Logger, msg *Message) error {
	results, err := p.dkim.Verify(ctx, msg.Header, msg.Body)
	if err != nil {
		dl.Error("dkim audit skipped", err)
		return nil
	}
	if len(results) == 0 {
		return nil
	}

	temporary := false
	for _, res := range results {
		if res.Pass() {
			continue
		}
		if res.Temporary {
			temporary = true
		}
		p.sec.RecordEvent(ctx, 0, security.EventDKIMFailure, msg.MsgMeta.ID,
			res.Domain+": "+res.Err.Error())
	}

	if !p.cfg.Security.RejectDKIMFailure || dkimmgr.AnyPass(results) || temporary {
		return nil
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 20},
		Message:      "No passing DKIM signature",
		TargetName:   "processor",
	}
}

var (
	msgIDField = func() (string, error) {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	}

	now = time.Now
)

// prepareSubmission applies the submission-server duties of RFC 6409: the
// message gets its missing originator fields stamped and the present ones
// validated. Runs before any policy decision so later stages see a
// well-formed header.
func (p *Processor) prepareSubmission(msgMeta *module.MsgMetadata, header *textproto.Header) error {
	msgMeta.DontTraceSender = true

	if header.Get("Message-ID") == "" {
		msgID, err := msgIDField()
		if err != nil {
			return errors.New("processor: Message-ID generation failed")
		}
		p.Log.Debugln("adding missing Message-ID")
		header.Set("Message-ID", "<"+msgID+"@"+p.cfg.Hostname+">")
	}

	if header.Get("From") == "" {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Message does not contain a From header field",
			TargetName:   "processor",
		}
	}

	if err := checkAddressFields(header); err != nil {
		return err
	}

	if dateHdr := header.Get("Date"); dateHdr != "" {
		if _, err := parseMessageDateTime(dateHdr); err != nil {
			return &exterrors.SMTPError{
				Code:       554,
				Message:    "Malformed Date header",
				TargetName: "processor",
				Misc: map[string]interface{}{
					"date": dateHdr,
				},
				Err: err,
			}
		}
	} else {
		p.Log.Debugln("adding missing Date header")
		header.Set("Date", now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	}

	return nil
}

// checkAddressFields validates the syntax of every address-valued header
// field that is present, and enforces the RFC 5322 section 3.6.2 rule
// that a From with multiple addresses requires a Sender.
func checkAddressFields(header *textproto.Header) error {
	for _, hdr := range [...]string{"Sender"} {
		if value := header.Get(hdr); value != "" {
			if _, err := mail.ParseAddress(value); err != nil {
				return &exterrors.SMTPError{
					Code:         554,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
					Message:      fmt.Sprintf("Invalid address in %s", hdr),
					TargetName:   "processor",
					Misc: map[string]interface{}{
						"addr": value,
					},
					Err: err,
				}
			}
		}
	}
	for _, hdr := range [...]string{"To", "Cc", "Bcc", "Reply-To"} {
		if value := header.Get(hdr); value != "" {
			if _, err := mail.ParseAddressList(value); err != nil {
				return &exterrors.SMTPError{
					Code:         554,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
					Message:      fmt.Sprintf("Invalid address in %s", hdr),
					TargetName:   "processor",
					Misc: map[string]interface{}{
						"addr": value,
					},
					Err: err,
				}
			}
		}
	}

	addrs, err := mail.ParseAddressList(header.Get("From"))
	if err != nil {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Invalid address in From",
			TargetName:   "processor",
			Misc: map[string]interface{}{
				"addr": header.Get("From"),
			},
			Err: err,
		}
	}
	if len(addrs) > 1 && header.Get("Sender") == "" {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 0},
			Message:      "Missing Sender header field",
			TargetName:   "processor",
			Misc: map[string]interface{}{
				"from": header.Get("From"),
			},
		}
	}

	return nil
}

// rewriteSender replaces both the envelope sender and the From field with
// fallback, keeping the display name when the old From carries one. The
// address the client declared stays in MsgMetadata.OriginalFrom.
func (p *Processor) rewriteSender(msg *Message, fallback string) {
	p.Log.Msg("sender rewritten", "from", msg.MailFrom, "to", fallback, "msg_id", msg.MsgMeta.ID)
	msg.MailFrom = fallback

	newFrom := fallback
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil && addr.Name != "" {
		newFrom = (&mail.Address{Name: addr.Name, Address: fallback}).String()
	}
	msg.Header.Set("From", newFrom)
}

func (p *Processor) countLocal(rcpts []string) int {
	n := 0
	for _, rcpt := range rcpts {
		_, domain, err := address.Split(rcpt)
		if err != nil {
			continue
		}
		norm, err := dns.ForLookup(domain)
		if err != nil {
			continue
		}
		if _, ok := p.local[norm]; ok {
			n++
		}
	}
	return n
}

func remoteIP(conn *module.ConnState) string {
	if conn == nil || conn.RemoteAddr == nil {
		return ""
	}
	host := conn.RemoteAddr.String()
	if idx := strings.LastIndexByte(host, ':'); idx != -1 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}

func readPrefix(body buffer.Buffer, limit int64) ([]byte, error) {
	r, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, limit))
}
