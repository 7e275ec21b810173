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
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
)

// storedPartLimit caps each extracted body stored in the emails row. The
// queue spool keeps the complete message, the row is for inspection.
const storedPartLimit = 256 * 1024

// extractParts pulls the decoded subject and the first text/plain and
// text/html leaves out of the message for the emails row. Parse failures
// degrade to empty bodies rather than an error, the message itself is
// delivered from the spool regardless.
func extractParts(hdr textproto.Header, body buffer.Buffer) (subject, textBody, htmlBody string) {
	mhdr := message.Header{Header: hdr.Copy()}
	subject, err := mhdr.Text("Subject")
	if err != nil {
		subject = hdr.Get("Subject")
	}

	r, err := body.Open()
	if err != nil {
		return subject, "", ""
	}
	defer r.Close()

	ent, err := message.New(mhdr, r)
	if ent == nil || (err != nil && !message.IsUnknownCharset(err)) {
		return subject, "", ""
	}
	collectParts(ent, &textBody, &htmlBody, 0)
	return subject, textBody, htmlBody
}

func collectParts(ent *message.Entity, textBody, htmlBody *string, depth int) {
	if depth > 8 {
		return
	}

	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if part == nil || (err != nil && !message.IsUnknownCharset(err)) {
				return
			}
			collectParts(part, textBody, htmlBody, depth+1)
			if *textBody != "" && *htmlBody != "" {
				return
			}
		}
	}

	// An entity without a Content-Type is text/plain per RFC 2045.
	mediaType, _, err := ent.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}
	switch {
	case mediaType == "text/plain" && *textBody == "":
		*textBody = readCapped(ent.Body)
	case mediaType == "text/html" && *htmlBody == "":
		*htmlBody = readCapped(ent.Body)
	}
}

func readCapped(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, storedPartLimit))
	return string(b)
}
