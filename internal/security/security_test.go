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

package security

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"

	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/internal/broker"
	"github.com/ferrymail/ferrymail/internal/reputation"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/testutils"
)

func testManager(t *testing.T, cfg config.Security) *Manager {
	t.Helper()

	st, err := store.Open(config.Storage{Driver: "sqlite", DSN: ":memory:"},
		testutils.Logger(t, "store"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		st.Close()
	})

	brk := broker.NewMemory()
	t.Cleanup(func() {
		brk.Close()
	})

	authLimit := config.Limit{Window: 15 * time.Minute, Max: 3}
	m, err := New(cfg, authLimit, brk, st, nil, testutils.Logger(t, "security"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestValidateConnection_DenyList(t *testing.T) {
	m := testManager(t, config.Security{
		DenyCIDRs: []string{"192.0.2.0/24", "2001:db8::/32"},
	})
	ctx := context.Background()

	err := m.ValidateConnection(ctx, net.ParseIP("192.0.2.55"), "")
	testutils.CheckSMTPErr(t, err, 554, exterrors.EnhancedCode{5, 7, 1},
		"Access denied")

	err = m.ValidateConnection(ctx, net.ParseIP("2001:db8::1"), "")
	testutils.CheckSMTPErr(t, err, 554, exterrors.EnhancedCode{5, 7, 1},
		"Access denied")

	if err := m.ValidateConnection(ctx, net.ParseIP("198.51.100.1"), ""); err != nil {
		t.Fatal("address outside the deny list rejected:", err)
	}
}

func TestValidateConnection_BadCIDR(t *testing.T) {
	brk := broker.NewMemory()
	defer brk.Close()

	_, err := New(config.Security{DenyCIDRs: []string{"not-a-cidr"}},
		config.Limit{}, brk, nil, nil, testutils.Logger(t, "security"))
	if err == nil {
		t.Fatal("bad CIDR accepted")
	}
}

func TestValidateConnection_Tarpit(t *testing.T) {
	m := testManager(t, config.Security{})
	rep := reputation.New(config.Reputation{
		SoftThreshold: 1,
		SoftBlock:     5 * time.Minute,
		HardThreshold: 10,
		HardBlock:     time.Hour,
		FlushInterval: time.Hour,
	}, m.brk, m.st, testutils.Logger(t, "reputation"))
	m.rep = rep
	ctx := context.Background()

	if err := m.ValidateConnection(ctx, net.ParseIP("203.0.113.7"), ""); err != nil {
		t.Fatal("clean address rejected:", err)
	}

	rep.RecordFailure(ctx, "ip:203.0.113.7", "authentication lockout", false)

	err := m.ValidateConnection(ctx, net.ParseIP("203.0.113.7"), "")
	testutils.CheckSMTPErr(t, err, 421, exterrors.EnhancedCode{4, 7, 0},
		"Try again later")

	if err := m.ValidateConnection(ctx, net.ParseIP("203.0.113.8"), ""); err != nil {
		t.Fatal("unrelated address rejected:", err)
	}
}

func TestValidateConnection_PTR(t *testing.T) {
	m := testManager(t, config.Security{RequirePTR: true})
	m.resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"1.0.0.127.in-addr.arpa.": {
			PTR: []string{"mail.example.org."},
		},
	}}
	ctx := context.Background()

	if err := m.ValidateConnection(ctx, net.ParseIP("127.0.0.1"), "mail.example.org"); err != nil {
		t.Fatal("address with PTR rejected:", err)
	}

	err := m.ValidateConnection(ctx, net.ParseIP("127.0.0.2"), "mail.example.org")
	testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 7, 25},
		"Reverse DNS is required to send mail here")
}

func TestValidateConnection_HELOSyntax(t *testing.T) {
	m := testManager(t, config.Security{RequirePTR: true})
	m.resolver = &mockdns.Resolver{Zones: map[string]mockdns.Zone{
		"1.0.0.127.in-addr.arpa.": {
			PTR: []string{"mail.example.org."},
		},
	}}
	ctx := context.Background()
	ip := net.ParseIP("127.0.0.1")

	for _, helo := range []string{"", "mail.example.org", "[127.0.0.1]"} {
		if err := m.ValidateConnection(ctx, ip, helo); err != nil {
			t.Errorf("helo %q rejected: %v", helo, err)
		}
	}
	for _, helo := range []string{"localhost", "mail example.org"} {
		err := m.ValidateConnection(ctx, ip, helo)
		testutils.CheckSMTPErr(t, err, 550, exterrors.EnhancedCode{5, 5, 2},
			"Malformed EHLO hostname")
	}
}

func TestAuthLockout(t *testing.T) {
	m := testManager(t, config.Security{})
	ctx := context.Background()

	// Budget is 3, the first two failures do not lock.
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	if locked, _ := m.AuthLocked(ctx, "203.0.113.1", "fry"); locked {
		t.Fatal("locked before the budget was exhausted")
	}

	m.AuthFailure(ctx, "203.0.113.1", "fry")
	locked, until := m.AuthLocked(ctx, "203.0.113.1", "fry")
	if !locked {
		t.Fatal("not locked after exhausting the budget")
	}
	if d := time.Until(until); d <= 0 || d > 2*time.Minute {
		t.Fatalf("first lockout should be about a minute, got %v", d)
	}

	// Two more failures double the lockout twice.
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	_, until = m.AuthLocked(ctx, "203.0.113.1", "fry")
	if d := time.Until(until); d <= 2*time.Minute {
		t.Fatalf("lockout did not grow, got %v", d)
	}

	// Other identities are unaffected.
	if locked, _ := m.AuthLocked(ctx, "203.0.113.1", "leela"); locked {
		t.Fatal("unrelated username locked")
	}
	if locked, _ := m.AuthLocked(ctx, "203.0.113.2", "fry"); locked {
		t.Fatal("unrelated address locked")
	}

	events, err := m.st.SecurityEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 lockout events, got %d", len(events))
	}
	if events[0].Kind != EventAuthLockout || events[0].Subject != "203.0.113.1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestAuthSuccessClearsStreak(t *testing.T) {
	m := testManager(t, config.Security{})
	ctx := context.Background()

	m.AuthFailure(ctx, "203.0.113.1", "fry")
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	m.AuthSuccess(ctx, "203.0.113.1", "fry")

	// The streak restarts, two more failures stay under the budget.
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	m.AuthFailure(ctx, "203.0.113.1", "fry")
	if locked, _ := m.AuthLocked(ctx, "203.0.113.1", "fry"); locked {
		t.Fatal("locked despite the successful login in between")
	}
}

func TestAuthLockoutDisabled(t *testing.T) {
	m := testManager(t, config.Security{})
	m.authLimit = config.Limit{}
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		m.AuthFailure(ctx, "203.0.113.1", "fry")
	}
	if locked, _ := m.AuthLocked(ctx, "203.0.113.1", "fry"); locked {
		t.Fatal("lockout applied with a zero limit")
	}
}

func TestCheckMessage_HeaderInjection(t *testing.T) {
	m := testManager(t, config.Security{})

	hdr, _ := testutils.BodyFromStr(t, "From: <a@example.org>\r\nSubject: hi\r\n\r\nbody")
	hdr.Add("X-Injected", "value\r\nBcc: everyone@example.org")

	issues := m.CheckMessage(hdr, ConnInfo{})
	if len(issues) != 1 || issues[0].Kind != EventHeaderInjection {
		t.Fatalf("want one header_injection issue, got %+v", issues)
	}
}

func TestCheckMessage_DuplicateSingleton(t *testing.T) {
	m := testManager(t, config.Security{})

	hdr, _ := testutils.BodyFromStr(t,
		"From: <a@example.org>\r\nFrom: <b@example.org>\r\nSubject: hi\r\n\r\nbody")

	issues := m.CheckMessage(hdr, ConnInfo{})
	if len(issues) != 1 || issues[0].Kind != EventDuplicateHeader {
		t.Fatalf("want one duplicate_header issue, got %+v", issues)
	}
}

func TestCheckMessage_MalformedMIME(t *testing.T) {
	m := testManager(t, config.Security{})

	hdr, _ := testutils.BodyFromStr(t,
		"From: <a@example.org>\r\nContent-Type: multipart/mixed\r\n\r\nbody")
	issues := m.CheckMessage(hdr, ConnInfo{})
	if len(issues) != 1 || issues[0].Kind != EventMalformedMIME {
		t.Fatalf("want one malformed_mime issue, got %+v", issues)
	}

	hdr, _ = testutils.BodyFromStr(t,
		"From: <a@example.org>\r\nContent-Type: multipart/mixed; boundary=ZZZ\r\n\r\nbody")
	if issues := m.CheckMessage(hdr, ConnInfo{}); len(issues) != 0 {
		t.Fatalf("well-formed multipart flagged: %+v", issues)
	}
}

func TestCheckMessage_RelayAbuse(t *testing.T) {
	m := testManager(t, config.Security{})
	hdr, _ := testutils.BodyFromStr(t, "From: <a@example.org>\r\n\r\nbody")

	issues := m.CheckMessage(hdr, ConnInfo{
		MXListener: true,
		TotalRcpts: 2,
		LocalRcpts: 0,
	})
	if len(issues) != 1 || issues[0].Kind != EventRelayAbuse {
		t.Fatalf("want one relay_abuse issue, got %+v", issues)
	}

	reject := RejectError(issues)
	testutils.CheckSMTPErr(t, reject, 550, exterrors.EnhancedCode{5, 7, 1},
		"Relay access denied")

	// One local recipient makes the session legitimate.
	issues = m.CheckMessage(hdr, ConnInfo{
		MXListener: true,
		TotalRcpts: 2,
		LocalRcpts: 1,
	})
	if len(issues) != 0 {
		t.Fatalf("session with a local recipient flagged: %+v", issues)
	}

	// Authenticated submission may relay anywhere.
	issues = m.CheckMessage(hdr, ConnInfo{
		Authenticated: true,
		TotalRcpts:    2,
	})
	if len(issues) != 0 {
		t.Fatalf("authenticated session flagged: %+v", issues)
	}
}

func TestRecordEvent(t *testing.T) {
	m := testManager(t, config.Security{})
	ctx := context.Background()

	m.RecordEvent(ctx, 7, EventSpam, "msg-1", "score 6.5")

	events, err := m.st.SecurityEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("want 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.TenantID != 7 || ev.Kind != EventSpam || ev.Subject != "msg-1" || ev.Detail != "score 6.5" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
