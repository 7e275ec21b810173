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
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/exterrors"
)

// ConnInfo is the session context a message is evaluated against.
type ConnInfo struct {
	// MXListener is set for sessions accepted on the MX port.
	MXListener    bool
	Authenticated bool
	RemoteIP      string

	// LocalRcpts counts accepted recipients in locally hosted domains,
	// TotalRcpts all accepted recipients.
	LocalRcpts int
	TotalRcpts int
}

// Issue is a single policy violation found in a message. Kind is one of the
// Event* constants so issues can be recorded verbatim as security events.
type Issue struct {
	Kind   string
	Detail string
}

// RFC 5322 section 3.6 allows at most one of each of these fields.
var singletonFields = []string{
	"date", "from", "sender", "reply-to", "to", "cc", "bcc",
	"message-id", "in-reply-to", "references", "subject",
}

// CheckMessage inspects a parsed header for injection artifacts, duplicated
// singleton fields, malformed MIME structure and relay abuse. It has no side
// effects, the caller records the returned issues as events and decides the
// SMTP reply (see RejectError).
func (m *Manager) CheckMessage(hdr textproto.Header, conn ConnInfo) []Issue {
	var issues []Issue

	seen := map[string]int{}
	for fields := hdr.Fields(); fields.Next(); {
		seen[strings.ToLower(fields.Key())]++
		if strings.ContainsAny(fields.Value(), "\r\n") {
			issues = append(issues, Issue{
				Kind:   EventHeaderInjection,
				Detail: fmt.Sprintf("%s field value contains a bare CR or LF", fields.Key()),
			})
		}
	}
	for _, name := range singletonFields {
		if seen[name] > 1 {
			issues = append(issues, Issue{
				Kind:   EventDuplicateHeader,
				Detail: fmt.Sprintf("%d copies of the %s field", seen[name], name),
			})
		}
	}

	if typ := hdr.Get("Content-Type"); typ != "" {
		mediaType, params, err := mime.ParseMediaType(typ)
		switch {
		case err != nil:
			issues = append(issues, Issue{
				Kind:   EventMalformedMIME,
				Detail: "unparsable Content-Type: " + err.Error(),
			})
		case strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "":
			issues = append(issues, Issue{
				Kind:   EventMalformedMIME,
				Detail: mediaType + " without a boundary parameter",
			})
		}
	}

	if conn.MXListener && !conn.Authenticated && conn.TotalRcpts > 0 && conn.LocalRcpts == 0 {
		issues = append(issues, Issue{
			Kind:   EventRelayAbuse,
			Detail: fmt.Sprintf("no local recipients among %d accepted", conn.TotalRcpts),
		})
	}

	return issues
}

// RejectError converts a non-empty issue list into the SMTP reply the
// session should return. Relay abuse has a contractual reply, anything else
// is a generic policy rejection naming the first issue.
func RejectError(issues []Issue) *exterrors.SMTPError {
	if len(issues) == 0 {
		return nil
	}
	for _, issue := range issues {
		if issue.Kind == EventRelayAbuse {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 7, 1},
				Message:      "Relay access denied",
				TargetName:   "security",
				Reason:       issue.Detail,
			}
		}
	}
	return &exterrors.SMTPError{
		Code:         550,
		EnhancedCode: exterrors.EnhancedCode{5, 7, 0},
		Message:      "Message refused by policy",
		TargetName:   "security",
		Reason:       issues[0].Detail,
		Misc:         map[string]interface{}{"issues": len(issues)},
	}
}
