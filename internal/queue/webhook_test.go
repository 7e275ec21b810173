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
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
)

func testWebhookJob(t *testing.T, payload WebhookPayload) *Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal("payload marshal:", err)
	}
	return &Job{Meta: &JobMeta{
		ID:          "test-job",
		Kind:        KindWebhook,
		TenantID:    payload.TenantID,
		Payload:     raw,
		Attempts:    1,
		MaxAttempts: 5,
	}}
}

func TestWebhookDelivery(t *testing.T) {
	t.Parallel()

	var (
		gotBody []byte
		gotSig  string
		gotCT   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Ferrymail-Signature")
		gotCT = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := &WebhookHandler{Secret: "hunter2", Log: log.Logger{Out: log.NopOutput{}}}
	job := testWebhookJob(t, WebhookPayload{
		URL:       srv.URL,
		Event:     "bounce",
		TenantID:  7,
		MessageID: "abcdef",
		Rcpt:      "rcpt@example.com",
		Reason:    "550 5.1.1 no such user",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	})

	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatal("Handle:", err)
	}

	if gotCT != "application/json" {
		t.Errorf("wrong Content-Type: %v", gotCT)
	}

	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(job.Meta.Payload)
	wantSig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != wantSig {
		t.Errorf("wrong signature: %v != %v", gotSig, wantSig)
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatal("request body unmarshal:", err)
	}
	if decoded.Event != "bounce" || decoded.MessageID != "abcdef" || decoded.Rcpt != "rcpt@example.com" {
		t.Errorf("wrong request body: %s", gotBody)
	}
	// The destination survives the roundtrip so the job file alone is
	// enough to replay the delivery.
	if decoded.URL != srv.URL {
		t.Errorf("URL was not stored: %v", decoded.URL)
	}
}

func TestWebhookServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := &WebhookHandler{Log: log.Logger{Out: log.NopOutput{}}}
	err := h.Handle(context.Background(), testWebhookJob(t, WebhookPayload{URL: srv.URL, Event: "bounce"}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("5xx replies must be retried: %v", err)
	}
}

func TestWebhookRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := &WebhookHandler{Log: log.Logger{Out: log.NopOutput{}}}
	err := h.Handle(context.Background(), testWebhookJob(t, WebhookPayload{URL: srv.URL, Event: "bounce"}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("throttled replies must be retried: %v", err)
	}

	ra, ok := exterrors.Fields(err)["retry_after"].(time.Duration)
	if !ok {
		t.Fatal("no retry_after field on the error")
	}
	if ra != 120*time.Second {
		t.Errorf("wrong retry_after: %v", ra)
	}
}

func TestWebhookBadJob(t *testing.T) {
	t.Parallel()

	h := &WebhookHandler{Log: log.Logger{Out: log.NopOutput{}}}

	// Unparsable payload.
	err := h.Handle(context.Background(), &Job{Meta: &JobMeta{Payload: []byte(`{"event":`)}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("broken payloads must not be retried: %v", err)
	}

	// No destination.
	err = h.Handle(context.Background(), testWebhookJob(t, WebhookPayload{Event: "bounce"}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("jobs without an URL must not be retried: %v", err)
	}
}

func TestWebhookNetworkError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	h := &WebhookHandler{Log: log.Logger{Out: log.NopOutput{}}}
	err := h.Handle(context.Background(), testWebhookJob(t, WebhookPayload{URL: url, Event: "bounce"}))
	if err == nil {
		t.Fatal("expected an error")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("network errors must be retried: %v", err)
	}
}

func TestWebhookQueueEndToEnd(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	hits := make(chan int, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		hits <- n
	}))
	defer srv.Close()

	h := &WebhookHandler{Log: log.Logger{Out: log.NopOutput{}}}
	q := newTestQueue(t, h)

	_, err := q.EnqueuePayload(5, WebhookPayload{
		URL:       srv.URL,
		Event:     "bounce",
		MessageID: "abcdef",
	}, JobOpts{})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-hits:
		case <-time.After(5 * time.Second):
			t.Fatal("chan read timed out")
		}
	}
	q.Close()

	// Failed once, succeeded on retry, nothing left behind.
	checkQueueDir(t, q, []string{})
	checkDirIDs(t, q.deadDir(), []string{})
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"120", 120 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"garbage", 0},
	} {
		if got := parseRetryAfter(test.value); got != test.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", test.value, got, test.want)
		}
	}

	date := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(date); got <= 80*time.Second || got > 90*time.Second {
		t.Errorf("parseRetryAfter(%q) = %v", date, got)
	}
}
