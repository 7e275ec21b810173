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
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
)

func splitRaw(t *testing.T, raw string) (textproto.Header, buffer.MemoryBuffer) {
	t.Helper()

	br := bufio.NewReader(strings.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatal(err)
	}
	return hdr, buffer.MemoryBuffer{Slice: rest}
}

func TestExtractParts(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     string
		subject string
		text    string
		html    string
	}{
		{
			name: "plain text",
			raw: "Subject: Greetings\r\n" +
				"Content-Type: text/plain; charset=utf-8\r\n" +
				"\r\n" +
				"hello there\r\n",
			subject: "Greetings",
			text:    "hello there\r\n",
		},
		{
			name: "no content type",
			raw: "Subject: Bare\r\n" +
				"\r\n" +
				"just text\r\n",
			subject: "Bare",
			text:    "just text\r\n",
		},
		{
			name: "encoded subject",
			raw: "Subject: =?utf-8?q?Caf=C3=A9_menu?=\r\n" +
				"Content-Type: text/plain; charset=utf-8\r\n" +
				"\r\n" +
				"see inside\r\n",
			subject: "Café menu",
			text:    "see inside\r\n",
		},
		{
			name: "alternative",
			raw: "Subject: Both\r\n" +
				"Content-Type: multipart/alternative; boundary=frontier\r\n" +
				"\r\n" +
				"--frontier\r\n" +
				"Content-Type: text/plain; charset=utf-8\r\n" +
				"Content-Transfer-Encoding: quoted-printable\r\n" +
				"\r\n" +
				"caf=C3=A9 for two\r\n" +
				"--frontier\r\n" +
				"Content-Type: text/html; charset=utf-8\r\n" +
				"\r\n" +
				"<p>caf&eacute; for two</p>\r\n" +
				"--frontier--\r\n",
			subject: "Both",
			text:    "café for two",
			html:    "<p>caf&eacute; for two</p>",
		},
		{
			name: "attachment skipped",
			raw: "Subject: Invoice\r\n" +
				"Content-Type: multipart/mixed; boundary=outer\r\n" +
				"\r\n" +
				"--outer\r\n" +
				"Content-Type: text/plain\r\n" +
				"\r\n" +
				"see attachment\r\n" +
				"--outer\r\n" +
				"Content-Type: application/pdf\r\n" +
				"Content-Disposition: attachment; filename=invoice.pdf\r\n" +
				"Content-Transfer-Encoding: base64\r\n" +
				"\r\n" +
				"JVBERi0xLjQ=\r\n" +
				"--outer--\r\n",
			subject: "Invoice",
			text:    "see attachment",
		},
		{
			name: "base64 body",
			raw: "Subject: Encoded\r\n" +
				"Content-Type: text/plain; charset=utf-8\r\n" +
				"Content-Transfer-Encoding: base64\r\n" +
				"\r\n" +
				"aGVsbG8gbXVsdGlwYXJ0\r\n",
			subject: "Encoded",
			text:    "hello multipart",
		},
		{
			name: "unknown charset kept raw",
			raw: "Subject: Exotic\r\n" +
				"Content-Type: text/plain; charset=x-no-such-charset\r\n" +
				"\r\n" +
				"raw bytes kept\r\n",
			subject: "Exotic",
			text:    "raw bytes kept\r\n",
		},
		{
			name: "broken multipart",
			raw: "Subject: Torn\r\n" +
				"Content-Type: multipart/alternative; boundary=frontier\r\n" +
				"\r\n" +
				"no boundary in here at all\r\n",
			subject: "Torn",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr, body := splitRaw(t, tc.raw)
			subject, text, html := extractParts(hdr, body)
			if subject != tc.subject {
				t.Errorf("subject: got %q, want %q", subject, tc.subject)
			}
			if text != tc.text {
				t.Errorf("text: got %q, want %q", text, tc.text)
			}
			if html != tc.html {
				t.Errorf("html: got %q, want %q", html, tc.html)
			}
		})
	}
}
