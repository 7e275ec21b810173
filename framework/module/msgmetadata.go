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

package module

import (
	"crypto/tls"
	"net"

	"github.com/emersion/go-smtp"
	"github.com/ferrymail/ferrymail/framework/future"
)

// ConnState holds the state of the connection that initiated the message
// delivery.
type ConnState struct {
	// Value of the HELO/EHLO command sent by the client.
	Hostname string

	// Protocol name, with the TLS and authentication variants
	// distinguished (SMTP, ESMTP, ESMTPS, ESMTPA, ESMTPSA).
	Proto string

	// TLS connection state, zero value if TLS is not used.
	TLS tls.ConnectionState

	RemoteAddr net.Addr
	LocalAddr  net.Addr

	// RDNSName is the result of the reverse DNS lookup on the client IP: a
	// future holding either a string or an error.
	RDNSName *future.Future

	// AuthUser and AuthPassword are the credentials used on an
	// authenticated submission connection. Empty otherwise.
	AuthUser     string
	AuthPassword string
}

// MsgMetadata holds all message-related information, in addition to the
// message contents.
//
// Fields should be considered read-only after the object is passed to
// DeliveryTarget.Start, except for deep copies.
type MsgMetadata struct {
	// Globally unique identifier for this message. Used in logs, queue
	// files and the emails table.
	ID string

	// MAIL FROM command options.
	SMTPOpts smtp.MailOptions

	// Connection the message was accepted over. Nil for internally
	// generated messages (bounces, alert notifications).
	Conn *ConnState

	// Tenant and user the message is attributed to. Zero for messages that
	// are not associated with an account, e.g. inbound mail accepted on the
	// MX port.
	TenantID int64
	UserID   int64

	// If set - the client IP and hostname are not included in the generated
	// Received header.
	DontTraceSender bool

	// Original MAIL FROM value, before any rewrites (e.g. the unsigned
	// domain fallback).
	OriginalFrom string

	// Maps the recipient addresses used internally to the values originally
	// specified by the client. Used when generating DSNs.
	OriginalRcpts map[string]string

	// The message was flagged by the content inspection heuristics and
	// should be handled with suspicion.
	Quarantine bool

	// The message is an automatically generated status notification.
	// Such messages are never answered with another DSN to avoid loops.
	DSN bool

	// Size of the buffered message body, in bytes. Zero if not known.
	BodyLength int64
}

// DeepCopy creates a copy of the MsgMetadata structure, including contained
// maps.
//
// Conn is not copied. It is safe to share since it is never modified after
// the message is accepted.
func (msgMeta *MsgMetadata) DeepCopy() *MsgMetadata {
	metaCopy := *msgMeta

	metaCopy.OriginalRcpts = make(map[string]string, len(msgMeta.OriginalRcpts))
	for key, value := range msgMeta.OriginalRcpts {
		metaCopy.OriginalRcpts[key] = value
	}

	return &metaCopy
}
