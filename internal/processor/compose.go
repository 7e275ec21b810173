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
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
)

// composeMessage renders a full RFC 5322 message from its parts. Bodies
// are quoted-printable, attachments base64. Used by the internal enqueue
// interface and by the reconciler, which rebuilds lost messages from the
// emails row.
func (p *Processor) composeMessage(msgID, from string, to []string, subject string,
	extra map[string]string, textBody, htmlBody string, atts []Attachment) (textproto.Header, buffer.Buffer, error) {

	var root message.Header
	root.Set("Date", now().UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	root.Set("Message-ID", "<"+msgID+"@"+p.cfg.Hostname+">")
	root.Set("From", from)
	root.Set("To", strings.Join(to, ", "))
	root.SetText("Subject", subject)
	for k, v := range extra {
		root.Set(k, v)
	}
	root.Set("MIME-Version", "1.0")

	switch {
	case len(atts) > 0:
		root.SetContentType("multipart/mixed", nil)
	case textBody != "" && htmlBody != "":
		root.SetContentType("multipart/alternative", nil)
	case htmlBody != "":
		root.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		root.Set("Content-Transfer-Encoding", "quoted-printable")
	default:
		root.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		root.Set("Content-Transfer-Encoding", "quoted-printable")
	}

	var full bytes.Buffer
	w, err := message.CreateWriter(&full, root)
	if err != nil {
		return textproto.Header{}, nil, err
	}

	switch {
	case len(atts) > 0:
		if err := writeBodyParts(w, textBody, htmlBody); err != nil {
			w.Close()
			return textproto.Header{}, nil, err
		}
		for _, att := range atts {
			if err := writeAttachment(w, att); err != nil {
				w.Close()
				return textproto.Header{}, nil, err
			}
		}
	case textBody != "" && htmlBody != "":
		if err := writeAlternative(w, textBody, htmlBody); err != nil {
			w.Close()
			return textproto.Header{}, nil, err
		}
	case htmlBody != "":
		if _, err := io.WriteString(w, htmlBody); err != nil {
			w.Close()
			return textproto.Header{}, nil, err
		}
	default:
		if _, err := io.WriteString(w, textBody); err != nil {
			w.Close()
			return textproto.Header{}, nil, err
		}
	}
	if err := w.Close(); err != nil {
		return textproto.Header{}, nil, err
	}

	// The queue spool and the signer want the header and the body apart,
	// split the rendered message back up.
	br := bufio.NewReader(bytes.NewReader(full.Bytes()))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, buffer.MemoryBuffer{Slice: rest}, nil
}

// writeBodyParts adds the visible body under a multipart/mixed root:
// a nested multipart/alternative when both representations are present,
// a single text part otherwise.
func writeBodyParts(w *message.Writer, textBody, htmlBody string) error {
	if textBody != "" && htmlBody != "" {
		var ah message.Header
		ah.SetContentType("multipart/alternative", nil)
		aw, err := w.CreatePart(ah)
		if err != nil {
			return err
		}
		if err := writeAlternative(aw, textBody, htmlBody); err != nil {
			aw.Close()
			return err
		}
		return aw.Close()
	}

	mediaType, body := "text/plain", textBody
	if htmlBody != "" {
		mediaType, body = "text/html", htmlBody
	}
	return writeTextPart(w, mediaType, body)
}

func writeAlternative(w *message.Writer, textBody, htmlBody string) error {
	if err := writeTextPart(w, "text/plain", textBody); err != nil {
		return err
	}
	return writeTextPart(w, "text/html", htmlBody)
}

func writeTextPart(w *message.Writer, mediaType, body string) error {
	var ph message.Header
	ph.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func writeAttachment(w *message.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var ah message.Header
	ah.SetContentType(contentType, map[string]string{"name": att.Filename})
	ah.SetContentDisposition("attachment", map[string]string{"filename": att.Filename})
	ah.Set("Content-Transfer-Encoding", "base64")

	pw, err := w.CreatePart(ah)
	if err != nil {
		return err
	}
	if _, err := pw.Write(att.Content); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}
