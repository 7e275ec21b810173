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

package smtp

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
)

func TestSubmission_AuthRequired(t *testing.T) {
	env := submissionEndpoint(t, nil)

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	err := cl.Mail("alice@ferrymail.example", &smtp.MailOptions{})
	checkClientErr(t, err, 502, smtp.EnhancedCode{5, 7, 0}, "Please authenticate first")
}

func TestSubmission_Delivery(t *testing.T) {
	env := submissionEndpoint(t, nil)
	uid := addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")
	addDomain(t, env.st, 7, uid, "ferrymail.example", true)

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "alice@ferrymail.example", "secret123")); err != nil {
		t.Fatal(err)
	}
	err := deliver(cl, "alice@ferrymail.example", &smtp.MailOptions{},
		[]string{"bob@remote.example"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}

	job := env.waitJob(t)
	if job.meta.TenantID != 7 {
		t.Errorf("wrong tenant on the delivery job: %v", job.meta.TenantID)
	}
	if job.meta.IdempotencyKey != "A" {
		t.Errorf("idempotency key is not the message ID: %v", job.meta.IdempotencyKey)
	}
	if job.header.Get("DKIM-Signature") == "" {
		t.Error("the queued message is not signed")
	}
	received := job.header.Get("Received")
	for _, part := range []string{"by mx.ferrymail.example", "with ESMTPA", "id A"} {
		if !strings.Contains(received, part) {
			t.Errorf("Received field misses %q: %q", part, received)
		}
	}

	row, err := env.st.EmailByMessageID(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if row.Direction != store.DirectionOutbound {
		t.Errorf("wrong direction: %v", row.Direction)
	}
	if row.Status != store.StatusPending {
		t.Errorf("wrong status: %v", row.Status)
	}
	if row.TenantID != 7 || row.UserID != uid {
		t.Errorf("wrong attribution: tenant %v, user %v", row.TenantID, row.UserID)
	}
	if !reflect.DeepEqual(row.RcptTo, []string{"bob@remote.example"}) {
		t.Errorf("wrong recipients: %v", row.RcptTo)
	}
}

func TestSubmission_LoginMechanism(t *testing.T) {
	env := submissionEndpoint(t, nil)
	uid := addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")
	addDomain(t, env.st, 7, uid, "ferrymail.example", true)

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewLoginClient("alice@ferrymail.example", "secret123")); err != nil {
		t.Fatal(err)
	}
	err := deliver(cl, "alice@ferrymail.example", &smtp.MailOptions{},
		[]string{"bob@remote.example"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}
	env.waitJob(t)
}

func TestSubmission_AuthBadPassword(t *testing.T) {
	env := submissionEndpoint(t, nil)
	addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	err := cl.Auth(sasl.NewPlainClient("", "alice@ferrymail.example", "hunter2"))
	checkClientErr(t, err, 535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")
}

func TestSubmission_AuthLockout(t *testing.T) {
	env := submissionEndpoint(t, func(cfg *config.Config) {
		cfg.RateLimit.Auth = config.Limit{Window: time.Minute, Max: 2}
	})
	addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")

	auth := func(password string) error {
		cl := dialClient(t, env)
		if err := cl.Hello("client.example.invalid"); err != nil {
			t.Fatal(err)
		}
		return cl.Auth(sasl.NewPlainClient("", "alice@ferrymail.example", password))
	}

	checkClientErr(t, auth("hunter2"), 535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")
	checkClientErr(t, auth("hunter2"), 535, smtp.EnhancedCode{5, 7, 8}, "Invalid credentials")
	checkClientErr(t, auth("hunter2"), 421, smtp.EnhancedCode{4, 7, 0}, "Too many authentication attempts")

	// The correct password does not lift an active lockout.
	checkClientErr(t, auth("secret123"), 421, smtp.EnhancedCode{4, 7, 0}, "Too many authentication attempts")

	if !hasEvent(t, env.st, security.EventAuthLockout) {
		t.Error("repeated failures left no lockout event")
	}
}

func TestSubmission_SendRateLimit(t *testing.T) {
	env := submissionEndpoint(t, func(cfg *config.Config) {
		cfg.RateLimit.SendUser = config.Limit{Window: time.Minute, Max: 1}
	})
	uid := addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")
	addDomain(t, env.st, 7, uid, "ferrymail.example", true)

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "alice@ferrymail.example", "secret123")); err != nil {
		t.Fatal(err)
	}
	err := deliver(cl, "alice@ferrymail.example", &smtp.MailOptions{},
		[]string{"bob@remote.example"}, testMsg)
	if err != nil {
		t.Fatal(err)
	}
	env.waitJob(t)

	err = cl.Mail("alice@ferrymail.example", &smtp.MailOptions{})
	checkClientErr(t, err, 421, smtp.EnhancedCode{4, 7, 0}, "Sending rate exceeded")
}

func TestSubmission_UnverifiedSenderReject(t *testing.T) {
	env := submissionEndpoint(t, func(cfg *config.Config) {
		cfg.Security.SenderPolicy = "reject"
	})
	addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "alice@ferrymail.example", "secret123")); err != nil {
		t.Fatal(err)
	}

	// Rejected at MAIL already, no body transfer needed.
	err := cl.Mail("alice@somewhere.example", &smtp.MailOptions{})
	checkClientErr(t, err, 550, smtp.EnhancedCode{5, 7, 1}, "Sender domain is not verified")
}

func TestSubmission_MessageSizeLimit(t *testing.T) {
	env := submissionEndpoint(t, func(cfg *config.Config) {
		cfg.SMTP.MaxMessageBytes = 256
	})
	uid := addUser(t, env.st, 7, "alice@ferrymail.example", "secret123")
	addDomain(t, env.st, 7, uid, "ferrymail.example", true)

	cl := dialClient(t, env)
	if err := cl.Hello("client.example.invalid"); err != nil {
		t.Fatal(err)
	}
	if err := cl.Auth(sasl.NewPlainClient("", "alice@ferrymail.example", "secret123")); err != nil {
		t.Fatal(err)
	}

	big := testMsg + strings.Repeat("padding padding padding\r\n", 64)
	err := deliver(cl, "alice@ferrymail.example", &smtp.MailOptions{},
		[]string{"bob@remote.example"}, big)
	checkClientErr(t, err, 552, smtp.EnhancedCode{}, "")
}
