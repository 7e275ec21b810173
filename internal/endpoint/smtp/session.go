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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/trace"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/ferrymail/ferrymail/framework/address"
	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/dns"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/processor"
	"github.com/ferrymail/ferrymail/internal/ratelimit"
	"github.com/ferrymail/ferrymail/internal/security"
	"github.com/ferrymail/ferrymail/internal/store"
)

var msgIDField = module.GenerateMsgID

func limitReader(r io.Reader, n int64, err error) *limitedReader {
	return &limitedReader{R: r, N: n, E: err, Enabled: true}
}

type limitedReader struct {
	R       io.Reader
	N       int64
	E       error
	Enabled bool
}

// same as io.LimitedReader.Read except returning the custom error and the
// option to be disabled
func (l *limitedReader) Read(p []byte) (n int, err error) {
	if !l.Enabled {
		return l.R.Read(p)
	}
	if l.N <= 0 {
		return 0, l.E
	}
	if int64(len(p)) > l.N {
		p = p[0:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= int64(n)
	return
}

type Session struct {
	endp *Endpoint
	conn *smtp.Conn

	// Specific for this session.
	// sessionCtx is not used for cancellation or timeouts, only for tracing.
	sessionCtx  context.Context
	cancelRDNS  func()
	connState   module.ConnState
	remoteIPStr string
	releaseConn sync.Once

	// Set after a successful AUTH.
	authUser *store.User

	// Connection screening runs at the first MAIL or AUTH command, once
	// the client has introduced itself. The verdict, including the EHLO
	// hostname it covered, is cached for the rest of the session.
	screened  bool
	screenErr error

	loggedRcptErrors int

	// Specific for the currently handled message. msgCtx is a subcontext
	// of sessionCtx, used only for tracing. The mutex prevents Logout from
	// observing inconsistent state when the connection drops mid-command.
	msgLock  sync.Mutex
	msgCtx   context.Context
	msgTask  *trace.Task
	mailFrom string
	opts     smtp.MailOptions
	msgMeta  *module.MsgMetadata
	rcpts    []string

	log log.Logger
}

func (s *Session) Reset() {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.msgMeta != nil {
		s.abort()
	}
	s.endp.Log.DebugMsg("reset")
}

func (s *Session) abort() {
	s.log.Msg("aborted", "msg_id", s.msgMeta.ID)
	abortedTransactions.WithLabelValues(s.endp.name).Inc()
	s.cleanTransaction()
}

func (s *Session) cleanTransaction() {
	s.mailFrom = ""
	s.opts = smtp.MailOptions{}
	s.msgMeta = nil
	s.rcpts = nil
	s.msgCtx = nil
	s.msgTask.End()
	s.msgTask = nil
}

func (s *Session) Logout() error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	if s.msgMeta != nil {
		s.abort()
	}
	if s.cancelRDNS != nil {
		s.cancelRDNS()
	}
	s.releaseConn.Do(func() {
		s.endp.rates.ReleaseConn(s.remoteIPStr)
	})
	return nil
}

// screenConn applies the connection-level security policy. DNS may be
// involved, so the result is computed once and served from cache on
// repeated MAIL attempts.
func (s *Session) screenConn(ctx context.Context) error {
	if s.screened {
		return s.screenErr
	}
	s.screened = true

	s.connState.Hostname = s.conn.Hostname()
	if err := s.endp.sec.ValidateConnection(ctx, remoteIP(s.conn), s.connState.Hostname); err != nil {
		rejectedConnections.WithLabelValues(s.endp.name, "policy").Inc()
		s.screenErr = err
	}
	return s.screenErr
}

// AuthMechanisms implements the optional go-smtp AuthSession interface.
// The MX endpoint advertises nothing: inbound mail is never authenticated.
func (s *Session) AuthMechanisms() []string {
	if !s.endp.submission {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

func (s *Session) Auth(mech string) (sasl.Server, error) {
	if !s.endp.submission {
		return nil, smtp.ErrAuthUnsupported
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return &smtp.SMTPError{
					Code:         535,
					EnhancedCode: smtp.EnhancedCode{5, 7, 8},
					Message:      "Invalid authorization identity",
				}
			}
			return s.login(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.login(username, password)
		}), nil
	default:
		return nil, smtp.ErrAuthUnsupported
	}
}

// login verifies credentials for both SASL mechanisms. The attempt is
// audited whether or not it was admitted; the rate and lockout gates come
// before the password check so a flood of wrong passwords cannot keep
// hammering the credential store.
func (s *Session) login(username, password string) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	ctx := context.TODO()

	if err := s.screenConn(ctx); err != nil {
		return s.endp.wrapErr("", true, "AUTH", err)
	}

	if d := s.endp.rates.Take(ctx, ratelimit.ScopeAuth, s.remoteIPStr+":"+username); !d.Allowed {
		s.recordAuthAttempt(ctx, username, false)
		failedLogins.WithLabelValues(s.endp.name).Inc()
		return authTempError("Too many authentication attempts", d.RetryAfter)
	}

	if locked, until := s.endp.sec.AuthLocked(ctx, s.remoteIPStr, username); locked {
		s.recordAuthAttempt(ctx, username, false)
		failedLogins.WithLabelValues(s.endp.name).Inc()
		return authTempError("Too many failed attempts", time.Until(until))
	}

	u, err := s.endp.st.AuthUser(ctx, username, password)
	if err != nil {
		s.recordAuthAttempt(ctx, username, false)
		failedLogins.WithLabelValues(s.endp.name).Inc()

		if errors.Is(err, module.ErrUnknownCredentials) {
			s.endp.sec.AuthFailure(ctx, s.remoteIPStr, username)
			s.log.Msg("authentication failed", "username", username, "src_ip", s.remoteIPStr)
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Invalid credentials",
			}
		}

		s.log.Error("authentication failed", err, "username", username, "src_ip", s.remoteIPStr)
		return &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Temporary authentication failure",
		}
	}

	s.recordAuthAttempt(ctx, username, true)
	s.endp.sec.AuthSuccess(ctx, s.remoteIPStr, username)

	s.authUser = u
	s.connState.AuthUser = username
	s.connState.AuthPassword = password
	s.log.DebugMsg("authenticated", "username", username, "src_ip", s.remoteIPStr)
	return nil
}

func (s *Session) recordAuthAttempt(ctx context.Context, username string, success bool) {
	if err := s.endp.st.RecordAuthAttempt(ctx, s.remoteIPStr, username, success); err != nil {
		s.log.Error("auth attempt audit failed", err, "username", username)
	}
}

func authTempError(what string, retryAfter time.Duration) *smtp.SMTPError {
	msg := what + ", try again later"
	if r := retryAfter.Round(time.Second); r > 0 {
		msg = fmt.Sprintf("%s, try again in %s", what, r)
	}
	return &smtp.SMTPError{
		Code:         421,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      msg,
	}
}

func sendRateError(d ratelimit.Decision) error {
	return &exterrors.SMTPError{
		Code:         421,
		EnhancedCode: exterrors.EnhancedCode{4, 7, 0},
		Message:      "Sending rate exceeded, try again later",
		TargetName:   "ratelimit",
		Misc:         map[string]interface{}{"retry_after": d.RetryAfter},
	}
}

func (s *Session) refreshProto() {
	proto := "ESMTP"
	if tlsState, ok := s.conn.TLSConnectionState(); ok {
		s.connState.TLS = tlsState
		proto = "ESMTPS"
	}
	// RFC 3848 tags authenticated sessions.
	if s.connState.AuthUser != "" {
		proto += "A"
	}
	s.connState.Proto = proto
}

func (s *Session) startTransaction(ctx context.Context, from string, opts smtp.MailOptions) (string, error) {
	if err := s.screenConn(ctx); err != nil {
		return "", err
	}
	s.refreshProto()

	msgMeta := &module.MsgMetadata{
		Conn:     &s.connState,
		SMTPOpts: opts,
	}
	var err error
	msgMeta.ID, err = msgIDField()
	if err != nil {
		return "", err
	}
	if s.authUser != nil {
		msgMeta.TenantID = s.authUser.TenantID
		msgMeta.UserID = s.authUser.ID
	}

	if s.connState.AuthUser != "" {
		s.log.Msg("incoming message",
			"src_host", s.connState.Hostname,
			"src_ip", s.remoteIPStr,
			"sender", from,
			"msg_id", msgMeta.ID,
			"username", s.connState.AuthUser,
		)
	} else {
		s.log.Msg("incoming message",
			"src_host", s.connState.Hostname,
			"src_ip", s.remoteIPStr,
			"sender", from,
			"msg_id", msgMeta.ID,
		)
	}

	// INTERNATIONALIZATION: Do not permit non-ASCII addresses unless
	// SMTPUTF8 is used.
	if !opts.UTF8 && !address.IsASCII(from) {
		return msgMeta.ID, &exterrors.SMTPError{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII senders",
		}
	}

	// Decode punycode, normalize to NFC and case-fold the address.
	cleanFrom := from
	if from != "" {
		cleanFrom, err = address.CleanDomain(from)
		if err != nil {
			return msgMeta.ID, &exterrors.SMTPError{
				Code:         553,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 7},
				Message:      "Unable to normalize the sender address",
			}
		}
	}
	msgMeta.OriginalFrom = from

	if s.endp.submission {
		// Reject unauthorized senders at MAIL so the client does not
		// waste a body transfer. The processing path re-checks and
		// applies the rewrite policy on the complete message.
		if cleanFrom != "" {
			if _, err := s.endp.dom.Check(ctx, msgMeta.TenantID, msgMeta.UserID, cleanFrom); err != nil {
				return msgMeta.ID, err
			}
		}

		if d := s.endp.rates.Take(ctx, ratelimit.ScopeSendUser,
			strconv.FormatInt(msgMeta.UserID, 10)); !d.Allowed {
			return msgMeta.ID, sendRateError(d)
		}
		if d := s.endp.rates.Take(ctx, ratelimit.ScopeSendTenant,
			strconv.FormatInt(msgMeta.TenantID, 10)); !d.Allowed {
			return msgMeta.ID, sendRateError(d)
		}
	}

	s.msgCtx, s.msgTask = trace.NewTask(s.sessionCtx, "SMTP transaction")
	s.msgMeta = msgMeta
	s.mailFrom = cleanFrom
	s.opts = opts
	s.rcpts = nil

	startedTransactions.WithLabelValues(s.endp.name).Inc()
	return msgMeta.ID, nil
}

func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.endp.submission && s.connState.AuthUser == "" {
		return smtp.ErrAuthRequired
	}

	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	msgID, err := s.startTransaction(s.sessionCtx, from, *opts)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			s.log.Error("MAIL FROM error", err, "msg_id", msgID)
		}
		return s.endp.wrapErr(msgID, !opts.UTF8, "MAIL", err)
	}
	return nil
}

func (s *Session) fetchRDNSName(ctx context.Context) {
	defer trace.StartRegion(ctx, "rDNS fetch").End()

	tcpAddr, ok := s.connState.RemoteAddr.(*net.TCPAddr)
	if !ok {
		s.connState.RDNSName.Set(nil, nil)
		return
	}

	name, err := dns.LookupAddr(ctx, s.endp.resolver, tcpAddr.IP)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			s.connState.RDNSName.Set(nil, nil)
			return
		}

		reason, misc := exterrors.UnwrapDNSErr(err)
		misc["reason"] = reason
		// The transaction often completes before the lookup does and the
		// lookup gets canceled. That is not worth a log line.
		if !strings.HasSuffix(reason, "canceled") {
			s.log.Error("rDNS error", exterrors.WithFields(err, misc), "src_ip", s.remoteIPStr)
		}
		s.connState.RDNSName.Set(nil, err)
		return
	}

	s.connState.RDNSName.Set(name, nil)
}

// rdnsName returns the client PTR name if the background lookup completed
// in time, empty otherwise. Waits at most a second: the name is wanted for
// the log line, not worth delaying the reply for.
func (s *Session) rdnsName(ctx context.Context) string {
	if s.connState.RDNSName == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	v, err := s.connState.RDNSName.GetContext(ctx)
	if err != nil {
		return ""
	}
	name, _ := v.(string)
	return name
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	rcptCtx, rcptTask := trace.NewTask(s.msgCtx, "RCPT TO")
	defer rcptTask.End()

	if err := s.rcpt(rcptCtx, to); err != nil {
		if s.loggedRcptErrors < s.endp.maxLoggedRcptErrors {
			s.log.Error("RCPT error", err, "rcpt", to, "msg_id", s.msgMeta.ID)
			s.loggedRcptErrors++
			if s.loggedRcptErrors == s.endp.maxLoggedRcptErrors {
				s.log.Msg("too many RCPT errors, possible dictionary attack",
					"src_ip", s.remoteIPStr, "msg_id", s.msgMeta.ID)
			}
		}
		return s.endp.wrapErr(s.msgMeta.ID, !s.opts.UTF8, "RCPT", err)
	}
	s.endp.Log.Msg("RCPT ok", "rcpt", to, "msg_id", s.msgMeta.ID)
	return nil
}

func (s *Session) rcpt(ctx context.Context, to string) error {
	// INTERNATIONALIZATION: Do not permit non-ASCII addresses unless
	// SMTPUTF8 is used.
	if !address.IsASCII(to) && !s.opts.UTF8 {
		return &exterrors.SMTPError{
			Code:         553,
			EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
			Message:      "SMTPUTF8 is required for non-ASCII recipients",
		}
	}
	cleanTo, err := address.CleanDomain(to)
	if err != nil {
		return &exterrors.SMTPError{
			Code:         501,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 2},
			Message:      "Unable to normalize the recipient address",
		}
	}

	// The MX port accepts mail for hosted domains only. A recipient in a
	// known but unverified domain gets a mailbox error; anything else is a
	// relay attempt and goes to the audit trail.
	if !s.endp.submission {
		ok, err := s.endp.proc.ValidateLocalRcpt(ctx, cleanTo)
		if err != nil {
			return err
		}
		if !ok {
			if s.endp.proc.KnownRcptDomain(ctx, cleanTo) {
				return &exterrors.SMTPError{
					Code:         550,
					EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
					Message:      "No such recipient here",
					TargetName:   "smtp",
					Misc:         map[string]interface{}{"rcpt": cleanTo},
				}
			}
			s.endp.sec.RecordEvent(ctx, 0, security.EventRelayAbuse, s.msgMeta.ID,
				fmt.Sprintf("RCPT %s refused from %s", cleanTo, s.remoteIPStr))
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Relay access denied",
				TargetName:   "security",
				Reason:       "recipient domain is not hosted here",
			}
		}
	}

	s.rcpts = append(s.rcpts, cleanTo)
	return nil
}

func (s *Session) prepareBody(r io.Reader) (textproto.Header, buffer.Buffer, error) {
	limitr := limitReader(r, s.endp.maxHeaderBytes, &exterrors.SMTPError{
		Code:         552,
		EnhancedCode: exterrors.EnhancedCode{5, 3, 4},
		Message:      "Message header size exceeds limit",
	})

	bufr := bufio.NewReader(limitr)
	header, err := textproto.ReadHeader(bufr)
	if err != nil {
		// go-message wraps the reader error into its own text, so the
		// limiter verdict is recovered from the reader state instead.
		if limitr.N <= 0 {
			return textproto.Header{}, nil, limitr.E
		}
		return textproto.Header{}, nil, fmt.Errorf("I/O error while parsing header: %w", err)
	}

	// The header size check is done. The message size will be checked by
	// go-smtp.
	limitr.Enabled = false

	buf, err := s.endp.buffer(bufr)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("I/O error while writing buffer: %w", err)
	}

	return header, buf, nil
}

func (s *Session) Data(r io.Reader) error {
	s.msgLock.Lock()
	defer s.msgLock.Unlock()

	bodyCtx, bodyTask := trace.NewTask(s.msgCtx, "DATA")
	defer bodyTask.End()

	wrapErr := func(err error) error {
		s.log.Error("DATA error", err, "msg_id", s.msgMeta.ID)
		return s.endp.wrapErr(s.msgMeta.ID, !s.opts.UTF8, "DATA", err)
	}

	header, buf, err := s.prepareBody(r)
	if err != nil {
		return wrapErr(err)
	}
	defer func() {
		if err := buf.Remove(); err != nil {
			s.log.Error("failed to remove buffered body", err)
		}
		s.cleanTransaction()
	}()

	if err := s.checkRoutingLoops(header); err != nil {
		return wrapErr(err)
	}

	s.msgMeta.BodyLength = int64(buf.Len())
	msg := &processor.Message{
		MsgMeta:  s.msgMeta,
		MailFrom: s.mailFrom,
		RcptTo:   s.rcpts,
		Header:   header,
		Body:     buf,
	}

	if s.endp.submission {
		msgID, err := s.endp.proc.ProcessOutgoing(bodyCtx, msg)
		if err != nil {
			return wrapErr(err)
		}
		s.log.Msg("accepted", "msg_id", msgID)
	} else {
		if err := s.endp.proc.ProcessIncoming(bodyCtx, msg); err != nil {
			return wrapErr(err)
		}
		s.log.Msg("accepted", "msg_id", s.msgMeta.ID, "src_rdns", s.rdnsName(bodyCtx))
	}

	completedTransactions.WithLabelValues(s.endp.name).Inc()
	return nil
}

func (s *Session) checkRoutingLoops(header textproto.Header) error {
	// RFC 5321 Section 6.3:
	// >Simple counting of the number of "Received:" header fields in a
	// >message has proven to be an effective, although rarely optimal,
	// >method of detecting loops in mail systems.
	receivedCount := 0
	for f := header.FieldsByKey("Received"); f.Next(); {
		receivedCount++
	}
	if receivedCount > s.endp.maxReceived {
		return &exterrors.SMTPError{
			Code:         554,
			EnhancedCode: exterrors.EnhancedCode{5, 4, 6},
			Message:      fmt.Sprintf("Too many Received header fields (%d), possible forwarding loop", receivedCount),
		}
	}

	return nil
}

func (endp *Endpoint) wrapErr(msgID string, mangleUTF8 bool, command string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 4, 5},
			Message:      "High load, try again later",
		}
	}

	res := &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCodeNotSet,
		// An error without SMTP annotations is infrastructure trouble, not
		// a verdict about the message. Report it as temporary so the client
		// queues and retries, and do not leak the error text.
		Message: "Internal server error",
	}

	ctxInfo := exterrors.Fields(err)
	if ctxCode, ok := ctxInfo["smtp_code"].(int); ok {
		res.Code = ctxCode
	}
	if ctxEnchCode, ok := ctxInfo["smtp_enchcode"].(exterrors.EnhancedCode); ok {
		res.EnhancedCode = smtp.EnhancedCode(ctxEnchCode)
	}
	if ctxMsg, ok := ctxInfo["smtp_msg"].(string); ok {
		res.Message = ctxMsg
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		res.Code = smtpErr.Code
		res.EnhancedCode = smtpErr.EnhancedCode
		res.Message = smtpErr.Message
	}

	if msgID != "" {
		res.Message += " (msg ID = " + msgID + ")"
	}

	failedCmds.WithLabelValues(endp.name, command, strconv.Itoa(res.Code),
		fmt.Sprintf("%d.%d.%d",
			res.EnhancedCode[0],
			res.EnhancedCode[1],
			res.EnhancedCode[2])).Inc()

	// INTERNATIONALIZATION: See RFC 6531 Section 3.7.4.1.
	if mangleUTF8 {
		b := strings.Builder{}
		b.Grow(len(res.Message))
		for _, ch := range res.Message {
			if ch > 128 {
				b.WriteRune('?')
			} else {
				b.WriteRune(ch)
			}
		}
		res.Message = b.String()
	}

	return res
}
