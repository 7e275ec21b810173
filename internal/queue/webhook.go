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

package queue

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
)

// WebhookPayload is the JSON body of send-webhook jobs. Bounce events fill
// the message fields, monitor alerts fill the alert fields.
type WebhookPayload struct {
	URL   string `json:"-"`
	Event string `json:"event"`

	TenantID  int64     `json:"tenant_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Rcpt      string    `json:"rcpt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	Alert     string    `json:"alert,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON stores the destination URL alongside the event fields so the
// job file is self-contained.
func (p WebhookPayload) MarshalJSON() ([]byte, error) {
	type alias WebhookPayload
	return json.Marshal(struct {
		alias
		URL string `json:"url"`
	}{alias(p), p.URL})
}

func (p *WebhookPayload) UnmarshalJSON(raw []byte) error {
	type alias WebhookPayload
	aux := struct {
		*alias
		URL string `json:"url"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return err
	}
	p.URL = aux.URL
	return nil
}

// WebhookHandler runs send-webhook jobs: one POST of the stored JSON
// payload to the stored URL.
//
// Any non-2xx reply is treated as retryable, the attempts cap of the queue
// bounds the effort. A Retry-After reply header extends the backoff delay.
type WebhookHandler struct {
	// Secret signs request bodies. The signature is sent as
	// X-Ferrymail-Signature: sha256=HEX(HMAC-SHA256(body, secret)).
	Secret string

	// Client defaults to a client with a 30 second timeout.
	Client *http.Client

	Log log.Logger
}

func (h *WebhookHandler) Handle(ctx context.Context, job *Job) error {
	var payload WebhookPayload
	if err := json.Unmarshal(job.Meta.Payload, &payload); err != nil {
		return exterrors.WithTemporary(err, false)
	}
	if payload.URL == "" {
		return exterrors.WithTemporary(errors.New("queue: webhook job without an URL"), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(job.Meta.Payload))
	if err != nil {
		return exterrors.WithTemporary(err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ferrymail")
	if h.Secret != "" {
		mac := hmac.New(sha256.New, []byte(h.Secret))
		mac.Write(job.Meta.Payload)
		req.Header.Set("X-Ferrymail-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	client := h.Client
	if client == nil {
		client = webhookClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return exterrors.WithTemporary(err, true)
	}
	defer resp.Body.Close()

	// Read a bit of the reply so the connection can be reused, the
	// content itself is not interesting.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.Log.Debugf("webhook %s delivered to %s", payload.Event, payload.URL)
		return nil
	}

	err = exterrors.WithTemporary(
		fmt.Errorf("queue: webhook endpoint replied with %s", resp.Status), true)
	if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		err = exterrors.WithFields(err, map[string]interface{}{
			"retry_after": ra,
		})
	}
	return err
}

var webhookClient = &http.Client{Timeout: 30 * time.Second}

// parseRetryAfter handles both forms of the header value, delay seconds
// and HTTP date. Zero is returned for values that cannot be parsed.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
