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
	"io"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/dkimmgr"
	"github.com/ferrymail/ferrymail/internal/domaincheck"
	"github.com/ferrymail/ferrymail/internal/queue"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/testutils"
)

// 1024 bit keys are the shortest ones verifiers still accept (RFC 8301)
// and are much faster to generate than the production default.
const testKeyBits = 1024

func init() {
	msgIDField = func() (string, error) {
		return "A", nil
	}

	now = func() time.Time {
		return time.Date(2024, 2, 12, 10, 0, 0, 0, time.UTC)
	}
}

type capturedJob struct {
	meta   *queue.JobMeta
	header textproto.Header
	body   []byte
}

// captureHandler records every delivery job the processor enqueues. Jobs
// with the idempotency key "held" block until the gate channel is closed.
type captureHandler struct {
	gate chan struct{}
	msgs chan capturedJob
}

func (h *captureHandler) Handle(ctx context.Context, job *queue.Job) error {
	if h.gate != nil && job.Meta.IdempotencyKey == "held" {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	rdr, err := job.Body.Open()
	if err != nil {
		return err
	}
	defer rdr.Close()
	blob, err := io.ReadAll(rdr)
	if err != nil {
		return err
	}

	metaCopy := *job.Meta
	h.msgs <- capturedJob{meta: &metaCopy, header: job.Header.Copy(), body: blob}
	return nil
}

type procEnv struct {
	p    *Processor
	st   *store.Store
	dkim *dkimmgr.Manager

	gate chan struct{}
	jobs chan capturedJob
}

func testProcessor(t *testing.T, mutate func(*config.Config)) *procEnv {
	t.Helper()

	st, err := store.Open(config.Storage{Driver: "sqlite", DSN: ":memory:"},
		testutils.Logger(t, "store"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	cfg := &config.Config{
		Hostname:      "mx.ferrymail.example",
		PrimaryDomain: "ferrymail.example",
		StateDir:      t.TempDir(),
	}
	cfg.DKIM = config.DKIM{
		Domain:         "ferrymail.example",
		Selector:       "default",
		KeyBits:        testKeyBits,
		PrivateKeyPath: filepath.Join(cfg.StateDir, "dkim", "primary.key"),
	}
	cfg.Security.SenderPolicy = "rewrite"
	cfg.Queue.ReconcileInterval = 15 * time.Minute
	if mutate != nil {
		mutate(cfg)
	}

	brk := broker.NewMemory()
	t.Cleanup(func() {
		brk.Close()
	})

	sec, err := security.New(cfg.Security, config.Limit{Window: time.Minute, Max: 100},
		brk, st, nil, testutils.Logger(t, "security"))
	if err != nil {
		t.Fatal(err)
	}

	dk, err := dkimmgr.New(cfg, st, testutils.Logger(t, "dkim"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dk.Generate(context.Background(), 0, cfg.PrimaryDomain, "", testKeyBits); err != nil {
		t.Fatal(err)
	}

	env := &procEnv{
		st:   st,
		dkim: dk,
		gate: make(chan struct{}),
		jobs: make(chan capturedJob, 16),
	}

	q, err := queue.New(queue.Options{
		Name:         queue.KindEmail,
		Location:     t.TempDir(),
		Concurrency:  2,
		MaxAttempts:  3,
		RetryBase:    time.Millisecond,
		RetryCap:     time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}, &captureHandler{gate: env.gate, msgs: env.jobs}, st, testutils.Logger(t, "queue"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		q.Close()
	})

	dom := domaincheck.New(cfg, st, testutils.Logger(t, "domaincheck"))
	env.p = New(cfg, st, dom, sec, dk, q, testutils.Logger(t, "processor"))
	return env
}

func (env *procEnv) waitJob(t *testing.T) capturedJob {
	t.Helper()
	select {
	case job := <-env.jobs:
		return job
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery job arrived")
		return capturedJob{}
	}
}

func (env *procEnv) expectNoJob(t *testing.T) {
	t.Helper()
	select {
	case job := <-env.jobs:
		t.Fatalf("unexpected delivery job for %s", job.meta.IdempotencyKey)
	case <-time.After(100 * time.Millisecond):
	}
}

func addDomain(t *testing.T, st *store.Store, tenantID, userID int64, name string, verified bool) {
	t.Helper()

	d := store.Domain{
		TenantID: tenantID,
		UserID:   userID,
		Name:     name,
		Verified: verified,
	}
	if verified {
		d.VerifiedAt = time.Now().Add(-time.Hour)
		d.VerificationMethod = "dns"
	}
	if err := st.CreateDomain(context.Background(), &d); err != nil {
		t.Fatal(err)
	}
}

func testSubmission(msgID, from string, rcpts []string, body string) *Message {
	hdr := textproto.Header{}
	hdr.Add("From", from)
	hdr.Add("To", strings.Join(rcpts, ", "))
	hdr.Add("Subject", "Greetings")

	return &Message{
		MsgMeta: &module.MsgMetadata{
			ID:           msgID,
			TenantID:     1,
			UserID:       2,
			OriginalFrom: from,
		},
		MailFrom: addrSpec(from),
		RcptTo:   rcpts,
		Header:   hdr,
		Body:     buffer.MemoryBuffer{Slice: []byte(body)},
	}
}

// addrSpec strips the display-name part test senders may carry.
func addrSpec(from string) string {
	if idx := strings.IndexByte(from, '<'); idx != -1 {
		return strings.Trim(from[idx:], "<>")
	}
	return from
}

func TestProcessOutgoing(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	msg := testSubmission("msg1", "alice@ferrymail.example",
		[]string{"rcpt@example.org", "second@example.net"}, "hello friend\r\n")
	id, err := env.p.ProcessOutgoing(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg1" {
		t.Fatalf("wrong message ID: %s", id)
	}
	if !msg.MsgMeta.DontTraceSender {
		t.Error("submission should not expose the client in trace fields")
	}

	byRcpt := map[string]capturedJob{}
	for i := 0; i < 2; i++ {
		job := env.waitJob(t)
		byRcpt[job.meta.Rcpt] = job
	}
	for _, rcpt := range []string{"rcpt@example.org", "second@example.net"} {
		job, ok := byRcpt[rcpt]
		if !ok {
			t.Fatalf("no job for %s", rcpt)
		}
		if job.meta.IdempotencyKey != "msg1" {
			t.Errorf("wrong idempotency key: %s", job.meta.IdempotencyKey)
		}
		if job.meta.From != "alice@ferrymail.example" {
			t.Errorf("wrong envelope sender: %s", job.meta.From)
		}
		if !job.header.Has("DKIM-Signature") {
			t.Error("message enqueued unsigned")
		}
		if !strings.Contains(job.header.Get("DKIM-Signature"), "d=ferrymail.example") {
			t.Errorf("signature names the wrong domain: %s", job.header.Get("DKIM-Signature"))
		}
		if job.header.Get("Message-Id") != "<A@mx.ferrymail.example>" {
			t.Errorf("Message-ID not stamped: %q", job.header.Get("Message-Id"))
		}
		if job.header.Get("Date") == "" {
			t.Error("Date not stamped")
		}
		if job.header.Has("Received") {
			t.Error("Received stamped for a session without connection state")
		}
		if !strings.Contains(string(job.body), "hello friend") {
			t.Errorf("wrong stored body: %q", job.body)
		}
	}

	row, err := env.st.EmailByMessageID(ctx, "msg1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Direction != store.DirectionOutbound || row.Status != store.StatusPending {
		t.Fatalf("unexpected row state: %s/%s", row.Direction, row.Status)
	}
	if row.Subject != "Greetings" {
		t.Errorf("wrong stored subject: %q", row.Subject)
	}
	if !strings.Contains(row.BodyText, "hello friend") {
		t.Errorf("wrong stored text body: %q", row.BodyText)
	}
	if row.Modified {
		t.Error("untouched sender reported as modified")
	}
	if !reflect.DeepEqual(row.RcptTo, []string{"rcpt@example.org", "second@example.net"}) {
		t.Errorf("wrong stored recipients: %v", row.RcptTo)
	}
}

func TestProcessOutgoing_SenderRewrite(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	msg := testSubmission("msg1", "News <news@unverified.example>",
		[]string{"rcpt@example.org"}, "latest updates\r\n")
	if _, err := env.p.ProcessOutgoing(ctx, msg); err != nil {
		t.Fatal(err)
	}

	job := env.waitJob(t)
	if job.meta.From != "noreply+user2@ferrymail.example" {
		t.Fatalf("envelope sender not rewritten: %s", job.meta.From)
	}
	from := job.header.Get("From")
	if !strings.Contains(from, "noreply+user2@ferrymail.example") {
		t.Errorf("From field not rewritten: %q", from)
	}
	if !strings.Contains(from, "News") {
		t.Errorf("display name lost in the rewrite: %q", from)
	}
	if !strings.Contains(job.header.Get("DKIM-Signature"), "d=ferrymail.example") {
		t.Errorf("rewritten sender must be signed by the primary domain: %s",
			job.header.Get("DKIM-Signature"))
	}
	if job.meta.MsgMeta.OriginalFrom != "News <news@unverified.example>" {
		t.Errorf("declared sender lost: %q", job.meta.MsgMeta.OriginalFrom)
	}

	row, err := env.st.EmailByMessageID(ctx, "msg1")
	if err != nil {
		t.Fatal(err)
	}
	if !row.Modified {
		t.Error("rewrite not recorded on the row")
	}
	if row.MailFrom != "noreply+user2@ferrymail.example" {
		t.Errorf("row keeps the unverified sender: %s", row.MailFrom)
	}
}

func TestProcessOutgoing_VerifiedDomainOwnKey(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	addDomain(t, env.st, 1, 2, "client.example", true)
	if _, err := env.dkim.Generate(ctx, 1, "client.example", "", testKeyBits); err != nil {
		t.Fatal(err)
	}

	msg := testSubmission("msg1", "alice@client.example",
		[]string{"rcpt@example.org"}, "hello\r\n")
	if _, err := env.p.ProcessOutgoing(ctx, msg); err != nil {
		t.Fatal(err)
	}

	job := env.waitJob(t)
	if job.meta.From != "alice@client.example" {
		t.Fatalf("verified sender was rewritten: %s", job.meta.From)
	}
	if !strings.Contains(job.header.Get("DKIM-Signature"), "d=client.example") {
		t.Errorf("signature does not use the sender domain key: %s",
			job.header.Get("DKIM-Signature"))
	}

	row, err := env.st.EmailByMessageID(ctx, "msg1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Modified {
		t.Error("verified sender reported as modified")
	}
}

func TestProcessOutgoing_VerifiedDomainNoKey(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	// Verified for sending, but no signing key: the sender still has to
	// move under the primary domain to keep d= aligned with From.
	addDomain(t, env.st, 1, 2, "verified.example", true)

	msg := testSubmission("msg1", "bob@verified.example",
		[]string{"rcpt@example.org"}, "hello\r\n")
	if _, err := env.p.ProcessOutgoing(ctx, msg); err != nil {
		t.Fatal(err)
	}

	job := env.waitJob(t)
	if job.meta.From != "noreply+user2@ferrymail.example" {
		t.Fatalf("keyless sender not realigned: %s", job.meta.From)
	}
	if !strings.Contains(job.header.Get("DKIM-Signature"), "d=ferrymail.example") {
		t.Errorf("wrong signing domain: %s", job.header.Get("DKIM-Signature"))
	}

	row, err := env.st.EmailByMessageID(ctx, "msg1")
	if err != nil {
		t.Fatal(err)
	}
	if !row.Modified {
		t.Error("realignment not recorded on the row")
	}
}

func TestProcessOutgoing_RejectPolicy(t *testing.T) {
	env := testProcessor(t, func(cfg *config.Config) {
		cfg.Security.SenderPolicy = "reject"
	})
	ctx := context.Background()

	msg := testSubmission("msg1", "news@unverified.example",
		[]string{"rcpt@example.org"}, "hello\r\n")
	_, err := env.p.ProcessOutgoing(ctx, msg)
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 1},
		"Sender domain is not verified for this account")

	env.expectNoJob(t)
	if _, err := env.st.EmailByMessageID(ctx, "msg1"); !errors.Is(err, store.ErrNoRows) {
		t.Fatalf("rejected message left a row: %v", err)
	}
}

func TestProcessOutgoing_SpamRejected(t *testing.T) {
	env := testProcessor(t, func(cfg *config.Config) {
		cfg.Security.SpamThreshold = 4
	})
	ctx := context.Background()

	msg := testSubmission("msg1", "alice@ferrymail.example",
		[]string{"rcpt@example.org"},
		"free money, act now, click here, guaranteed winner\r\n")
	_, err := env.p.ProcessOutgoing(ctx, msg)
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 1},
		"Message rejected by content policy")

	env.expectNoJob(t)
	if _, err := env.st.EmailByMessageID(ctx, "msg1"); !errors.Is(err, store.ErrNoRows) {
		t.Fatalf("rejected message left a row: %v", err)
	}

	events, err := env.st.SecurityEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != security.EventSpam {
		t.Fatalf("expected a single spam event, got %+v", events)
	}
	if events[0].Subject != "msg1" || events[0].TenantID != 1 {
		t.Errorf("event does not name the message: %+v", events[0])
	}
}

func TestProcessOutgoing_HeaderScreen(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	msg := testSubmission("msg1", "alice@ferrymail.example",
		[]string{"rcpt@example.org"}, "hello\r\n")
	msg.Header.Add("Subject", "a second subject")
	_, err := env.p.ProcessOutgoing(ctx, msg)
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 0},
		"Message refused by policy")

	env.expectNoJob(t)
	events, err := env.st.SecurityEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != security.EventDuplicateHeader {
		t.Fatalf("expected a duplicate-header event, got %+v", events)
	}
}

func TestPrepareSubmission(t *testing.T) {
	env := testProcessor(t, nil)

	test := func(hdrMap, expectedMap map[string][]string) {
		t.Helper()

		hdr := textproto.Header{}
		for k, v := range hdrMap {
			for _, field := range v {
				hdr.Add(k, field)
			}
		}

		err := env.p.prepareSubmission(&module.MsgMetadata{}, &hdr)
		if expectedMap == nil {
			if err == nil {
				t.Error("Expected an error, got none")
			}
			t.Log(err)
			return
		}
		if err != nil {
			t.Error("Unexpected error:", err)
			return
		}

		resMap := make(map[string][]string)
		for field := hdr.Fields(); field.Next(); {
			resMap[field.Key()] = append(resMap[field.Key()], field.Value())
		}

		if !reflect.DeepEqual(expectedMap, resMap) {
			t.Errorf("wrong header result\nwant %#+v\ngot  %#+v", expectedMap, resMap)
		}
	}

	// No From field.
	test(map[string][]string{}, nil)

	// Malformed From field.
	test(map[string][]string{
		"From": {"<hello@example.org>, \"\""},
	}, nil)
	test(map[string][]string{
		"From": {" adasda"},
	}, nil)

	// Malformed Reply-To.
	test(map[string][]string{
		"From":     {"<hello@example.org>"},
		"Reply-To": {"<hello@example.org>, \"\""},
	}, nil)

	// Malformed CC.
	test(map[string][]string{
		"From":     {"<hello@example.org>"},
		"Reply-To": {"<hello@example.org>"},
		"Cc":       {"<hello@example.org>, \"\""},
	}, nil)

	// Malformed Sender.
	test(map[string][]string{
		"From":     {"<hello@example.org>"},
		"Reply-To": {"<hello@example.org>"},
		"Cc":       {"<hello@example.org>"},
		"Sender":   {"<hello@example.org> asd"},
	}, nil)

	// Multiple From + no Sender.
	test(map[string][]string{
		"From": {"<hello@example.org>, <hello2@example.org>"},
	}, nil)

	// Multiple From + valid Sender.
	test(map[string][]string{
		"From":       {"<hello@example.org>, <hello2@example.org>"},
		"Sender":     {"<hello@example.org>"},
		"Date":       {"Fri, 22 Nov 2019 20:51:31 +0800"},
		"Message-Id": {"<foobar@example.org>"},
	}, map[string][]string{
		"From":       {"<hello@example.org>, <hello2@example.org>"},
		"Sender":     {"<hello@example.org>"},
		"Date":       {"Fri, 22 Nov 2019 20:51:31 +0800"},
		"Message-Id": {"<foobar@example.org>"},
	})

	// Add missing Message-Id.
	test(map[string][]string{
		"From": {"<hello@example.org>"},
		"Date": {"Fri, 22 Nov 2019 20:51:31 +0800"},
	}, map[string][]string{
		"From":       {"<hello@example.org>"},
		"Date":       {"Fri, 22 Nov 2019 20:51:31 +0800"},
		"Message-Id": {"<A@mx.ferrymail.example>"},
	})

	// Malformed Date.
	test(map[string][]string{
		"From": {"<hello@example.org>"},
		"Date": {"not a date"},
	}, nil)

	// Add missing Date.
	test(map[string][]string{
		"From":       {"<hello@example.org>"},
		"Message-Id": {"<A@mx.example.org>"},
	}, map[string][]string{
		"From":       {"<hello@example.org>"},
		"Message-Id": {"<A@mx.example.org>"},
		"Date":       {"Mon, 12 Feb 2024 10:00:00 +0000"},
	})
}

func TestProcessIncoming(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	hdr := textproto.Header{}
	hdr.Add("From", "<peer@example.org>")
	hdr.Add("To", "<alice@ferrymail.example>")
	hdr.Add("Subject", "inbound hello")
	hdr.Add("Date", "Mon, 12 Feb 2024 09:00:00 +0000")

	msg := &Message{
		MsgMeta:  &module.MsgMetadata{ID: "in1"},
		MailFrom: "peer@example.org",
		RcptTo:   []string{"alice@ferrymail.example"},
		Header:   hdr,
		Body:     buffer.MemoryBuffer{Slice: []byte("good to hear from you\r\n")},
	}
	if err := env.p.ProcessIncoming(ctx, msg); err != nil {
		t.Fatal(err)
	}
	env.expectNoJob(t)

	row, err := env.st.EmailByMessageID(ctx, "in1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Direction != store.DirectionInbound || row.Status != store.StatusDelivered {
		t.Fatalf("unexpected row state: %s/%s", row.Direction, row.Status)
	}
	if row.DeliveredAt.IsZero() {
		t.Error("DeliveredAt not set")
	}
	if row.Subject != "inbound hello" {
		t.Errorf("wrong stored subject: %q", row.Subject)
	}
	if !strings.Contains(row.BodyText, "good to hear") {
		t.Errorf("wrong stored body: %q", row.BodyText)
	}
	if msg.MsgMeta.Quarantine {
		t.Error("clean message quarantined")
	}
}

func TestProcessIncoming_Quarantine(t *testing.T) {
	env := testProcessor(t, func(cfg *config.Config) {
		cfg.Security.SpamThreshold = 4
	})
	ctx := context.Background()

	hdr := textproto.Header{}
	hdr.Add("From", "<peer@example.org>")
	hdr.Add("To", "<alice@ferrymail.example>")
	hdr.Add("Subject", "special offer")
	hdr.Add("Date", "Mon, 12 Feb 2024 09:00:00 +0000")

	msg := &Message{
		MsgMeta:  &module.MsgMetadata{ID: "in1"},
		MailFrom: "peer@example.org",
		RcptTo:   []string{"alice@ferrymail.example"},
		Header:   hdr,
		Body: buffer.MemoryBuffer{
			Slice: []byte("free money, act now, click here, guaranteed winner\r\n"),
		},
	}
	// Inbound spam is kept with the quarantine mark, not bounced.
	if err := env.p.ProcessIncoming(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if !msg.MsgMeta.Quarantine {
		t.Fatal("spam not quarantined")
	}

	row, err := env.st.EmailByMessageID(ctx, "in1")
	if err != nil {
		t.Fatal(err)
	}
	if row.SpamScore < 4 {
		t.Errorf("spam score not recorded: %v", row.SpamScore)
	}

	events, err := env.st.SecurityEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != security.EventSpam {
		t.Fatalf("expected a spam event, got %+v", events)
	}
}

func TestProcessIncoming_RelayRefused(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	hdr := textproto.Header{}
	hdr.Add("From", "<peer@example.org>")
	hdr.Add("To", "<somebody@elsewhere.example>")
	hdr.Add("Subject", "hop")
	hdr.Add("Date", "Mon, 12 Feb 2024 09:00:00 +0000")

	msg := &Message{
		MsgMeta:  &module.MsgMetadata{ID: "in1"},
		MailFrom: "peer@example.org",
		RcptTo:   []string{"somebody@elsewhere.example"},
		Header:   hdr,
		Body:     buffer.MemoryBuffer{Slice: []byte("pass it on\r\n")},
	}
	err := env.p.ProcessIncoming(ctx, msg)
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 1},
		"Relay access denied")

	if _, err := env.st.EmailByMessageID(ctx, "in1"); !errors.Is(err, store.ErrNoRows) {
		t.Fatalf("refused message left a row: %v", err)
	}
	events, err := env.st.SecurityEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != security.EventRelayAbuse {
		t.Fatalf("expected a relay-abuse event, got %+v", events)
	}
}

func TestProcessIncoming_DKIMStrict(t *testing.T) {
	// A signature missing its required tags fails permanently during
	// parsing, no DNS involved.
	makeMsg := func() *Message {
		hdr := textproto.Header{}
		hdr.Add("From", "<peer@example.org>")
		hdr.Add("To", "<alice@ferrymail.example>")
		hdr.Add("Subject", "signed, badly")
		hdr.Add("Date", "Mon, 12 Feb 2024 09:00:00 +0000")
		hdr.Add("DKIM-Signature", "v=1; a=rsa-sha256; d=forged.example; s=sel")
		return &Message{
			MsgMeta:  &module.MsgMetadata{ID: "in1"},
			MailFrom: "peer@example.org",
			RcptTo:   []string{"alice@ferrymail.example"},
			Header:   hdr,
			Body:     buffer.MemoryBuffer{Slice: []byte("trust me\r\n")},
		}
	}

	t.Run("audit only", func(t *testing.T) {
		env := testProcessor(t, nil)
		ctx := context.Background()

		if err := env.p.ProcessIncoming(ctx, makeMsg()); err != nil {
			t.Fatal(err)
		}
		if _, err := env.st.EmailByMessageID(ctx, "in1"); err != nil {
			t.Fatal(err)
		}
		events, err := env.st.SecurityEvents(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(events) != 1 || events[0].Kind != security.EventDKIMFailure {
			t.Fatalf("expected a dkim-failure event, got %+v", events)
		}
	})

	t.Run("strict", func(t *testing.T) {
		env := testProcessor(t, func(cfg *config.Config) {
			cfg.Security.RejectDKIMFailure = true
		})
		ctx := context.Background()

		err := env.p.ProcessIncoming(ctx, makeMsg())
		testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 20},
			"No passing DKIM signature")
		if _, err := env.st.EmailByMessageID(ctx, "in1"); !errors.Is(err, store.ErrNoRows) {
			t.Fatalf("refused message left a row: %v", err)
		}
	})

	t.Run("strict unsigned", func(t *testing.T) {
		env := testProcessor(t, func(cfg *config.Config) {
			cfg.Security.RejectDKIMFailure = true
		})
		ctx := context.Background()

		msg := makeMsg()
		msg.Header.Del("DKIM-Signature")
		if err := env.p.ProcessIncoming(ctx, msg); err != nil {
			t.Fatal("unsigned mail must not be rejected:", err)
		}
	})
}

func TestValidateLocalRcpt(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	addDomain(t, env.st, 1, 2, "client.example", true)
	addDomain(t, env.st, 1, 2, "pending.example", false)

	for _, tc := range []struct {
		addr string
		ok   bool
	}{
		{"alice@ferrymail.example", true},
		{"alice@FERRYMAIL.example", true},
		{"bob@client.example", true},
		{"carol@pending.example", false},
		{"dave@stranger.example", false},
		{"not-an-address", false},
	} {
		ok, err := env.p.ValidateLocalRcpt(ctx, tc.addr)
		if err != nil {
			t.Fatalf("%s: %v", tc.addr, err)
		}
		if ok != tc.ok {
			t.Errorf("%s: accepted=%v, want %v", tc.addr, ok, tc.ok)
		}
	}
}

func TestKnownRcptDomain(t *testing.T) {
	env := testProcessor(t, nil)
	ctx := context.Background()

	addDomain(t, env.st, 1, 2, "pending.example", false)

	for _, tc := range []struct {
		addr  string
		known bool
	}{
		{"alice@ferrymail.example", true},
		{"carol@pending.example", true},
		{"dave@stranger.example", false},
		{"not-an-address", false},
	} {
		if known := env.p.KnownRcptDomain(ctx, tc.addr); known != tc.known {
			t.Errorf("%s: known=%v, want %v", tc.addr, known, tc.known)
		}
	}
}
