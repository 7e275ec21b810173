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
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/config"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/store"
	"github.com/ferrymail/ferrymail/internal/testutils"
)

// newTestQueue returns a properly initialized Queue object usable for
// testing. Retry delays are zeroed so tests do not wait.
//
// See newTestQueueDir to create a testing queue from an existing directory.
func newTestQueue(t *testing.T, h Handler) *Queue {
	return newTestQueueDir(t, h, t.TempDir())
}

func newTestQueueDir(t *testing.T, h Handler, dir string) *Queue {
	q := &Queue{
		name:         KindEmail,
		location:     dir,
		maxAttempts:  5,
		drainTimeout: 5 * time.Second,
		handler:      h,
	}

	if testing.Verbose() {
		q.Log = testutils.Logger(t, "queue")
	} else {
		q.Log = log.Logger{Out: log.NopOutput{}}
	}

	if err := q.start(1); err != nil {
		panic(err)
	}

	return q
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.Storage{Driver: "sqlite", DSN: ":memory:"}, log.Logger{Out: log.NopOutput{}})
	if err != nil {
		t.Fatal("store.Open:", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

func testMsgID(t *testing.T) string {
	sum := sha1.Sum([]byte(t.Name()))
	return hex.EncodeToString(sum[:])
}

// scriptedHandler fails attempts with the scripted errors in call order and
// succeeds once the script is exhausted.
//
// Jobs with the idempotency key "gate" block until the gate channel is
// closed. Every job entry is announced on entered, every finished Handle
// call reports a meta snapshot on done. All channels are optional.
type scriptedHandler struct {
	script []error

	sleep time.Duration

	gate    chan struct{}
	entered chan string
	done    chan *JobMeta

	mu    sync.Mutex
	calls int
}

func (h *scriptedHandler) Handle(_ context.Context, job *Job) error {
	if h.entered != nil {
		h.entered <- job.Meta.IdempotencyKey
	}
	if h.gate != nil && job.Meta.IdempotencyKey == "gate" {
		<-h.gate
	}
	if h.sleep != 0 {
		time.Sleep(h.sleep)
	}

	h.mu.Lock()
	var err error
	if h.calls < len(h.script) {
		err = h.script[h.calls]
	}
	h.calls++
	h.mu.Unlock()

	if h.done != nil {
		metaCopy := *job.Meta
		h.done <- &metaCopy
	}
	return err
}

type emailCapture struct {
	meta   *JobMeta
	header textproto.Header
	body   []byte
}

// emailStub captures the stored message content of send-email jobs.
type emailStub struct {
	err  error
	msgs chan emailCapture
}

func (h *emailStub) Handle(_ context.Context, job *Job) error {
	rdr, err := job.Body.Open()
	if err != nil {
		return err
	}
	defer rdr.Close()
	blob, err := io.ReadAll(rdr)
	if err != nil {
		return err
	}

	metaCopy := *job.Meta
	h.msgs <- emailCapture{meta: &metaCopy, header: job.Header.Copy(), body: blob}
	return h.err
}

func readMetaChanTimeout(t *testing.T, ch <-chan *JobMeta, timeout time.Duration) *JobMeta {
	t.Helper()
	timer := time.NewTimer(timeout)
	select {
	case meta := <-ch:
		return meta
	case <-timer.C:
		t.Fatal("chan read timed out")
		return nil
	}
}

func readStringChanTimeout(t *testing.T, ch <-chan string, timeout time.Duration) string {
	t.Helper()
	timer := time.NewTimer(timeout)
	select {
	case s := <-ch:
		return s
	case <-timer.C:
		t.Fatal("chan read timed out")
		return ""
	}
}

func checkDirIDs(t *testing.T, dir string, expectedIDs []string) {
	t.Helper()
	// The map is used for lookups and also to mark IDs we found so
	// missing entries can be reported.
	expectedMap := make(map[string]bool, len(expectedIDs))
	for _, id := range expectedIDs {
		expectedMap[id] = false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read queue directory: %v", err)
	}

	// Queue files use the JOB_ID.SOMETHING name format.
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}

		id := strings.SplitN(ent.Name(), ".", 2)[0]
		if _, ok := expectedMap[id]; !ok {
			t.Errorf("job with unexpected ID %s is stored in %s", id, dir)
			continue
		}
		expectedMap[id] = true
	}

	for id, found := range expectedMap {
		if !found {
			t.Errorf("expected job with ID %s is missing from %s", id, dir)
		}
	}
}

func checkQueueDir(t *testing.T, q *Queue, expectedIDs []string) {
	t.Helper()
	checkDirIDs(t, q.location, expectedIDs)
}

// waitParked polls until total jobs sit in the tenant buckets.
func waitParked(t *testing.T, q *Queue, total int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		q.dispatchLck.Lock()
		got := 0
		for _, bucket := range q.parked {
			got += len(bucket)
		}
		q.dispatchLck.Unlock()
		if got == total {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("jobs were not parked in time")
}

func TestQueuePayloadJob(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{done: make(chan *JobMeta, 10)}
	q := newTestQueue(t, h)

	id, err := q.EnqueuePayload(7, map[string]string{"hello": "world"}, JobOpts{})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	meta := readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	if meta.ID != id {
		t.Errorf("wrong job ID: %v != %v", meta.ID, id)
	}
	if meta.Kind != KindEmail {
		t.Errorf("wrong job kind: %v", meta.Kind)
	}
	if meta.TenantID != 7 {
		t.Errorf("wrong tenant: %v", meta.TenantID)
	}
	if meta.Attempts != 1 {
		t.Errorf("wrong attempts count: %v", meta.Attempts)
	}

	var payload map[string]string
	if err := json.Unmarshal(meta.Payload, &payload); err != nil {
		t.Fatal("payload unmarshal:", err)
	}
	if payload["hello"] != "world" {
		t.Errorf("wrong payload: %v", payload)
	}

	checkQueueDir(t, q, []string{})
}

func TestQueueEmailJob(t *testing.T) {
	t.Parallel()

	h := &emailStub{msgs: make(chan emailCapture, 10)}
	q := newTestQueue(t, h)

	hdr := textproto.Header{}
	hdr.Add("B", "2")
	hdr.Add("A", "1")
	body := buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
	msgMeta := &module.MsgMetadata{ID: testMsgID(t), TenantID: 3}

	id, err := q.EnqueueEmail(msgMeta, "sender@example.org", "rcpt@example.com", hdr, body, JobOpts{})
	if err != nil {
		t.Fatal("EnqueueEmail:", err)
	}

	var got emailCapture
	select {
	case got = <-h.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("chan read timed out")
	}
	q.Close()

	if got.meta.ID != id {
		t.Errorf("wrong job ID: %v != %v", got.meta.ID, id)
	}
	if got.meta.IdempotencyKey != msgMeta.ID {
		t.Errorf("idempotency key is not the message ID: %v", got.meta.IdempotencyKey)
	}
	if got.meta.TenantID != 3 {
		t.Errorf("wrong tenant: %v", got.meta.TenantID)
	}
	if got.meta.From != "sender@example.org" || got.meta.Rcpt != "rcpt@example.com" {
		t.Errorf("wrong envelope: %v, %v", got.meta.From, got.meta.Rcpt)
	}
	if string(got.body) != "foobar\r\n" {
		t.Errorf("wrong body: %q", got.body)
	}
	if got.header.Get("A") != "1" || got.header.Get("B") != "2" {
		t.Errorf("wrong header fields")
	}

	checkQueueDir(t, q, []string{})
}

func TestQueueRetry(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		script: []error{exterrors.WithTemporary(errors.New("try again"), true)},
		done:   make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	first := readMetaChanTimeout(t, h.done, 5*time.Second)
	second := readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	if first.Attempts != 1 {
		t.Errorf("wrong first attempt counter: %v", first.Attempts)
	}
	if second.Attempts != 2 {
		t.Errorf("wrong second attempt counter: %v", second.Attempts)
	}
	// The retried job is reread from disk, the recorded error must
	// survive the roundtrip.
	if second.LastError != "try again" {
		t.Errorf("last error was not preserved: %q", second.LastError)
	}

	checkQueueDir(t, q, []string{})
}

func TestQueueRetry_RetryAfterHint(t *testing.T) {
	t.Parallel()

	hintErr := exterrors.WithFields(
		exterrors.WithTemporary(errors.New("slow down"), true),
		map[string]interface{}{"retry_after": 300 * time.Millisecond})
	h := &scriptedHandler{
		script: []error{hintErr},
		done:   make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	start := time.Now()
	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	readMetaChanTimeout(t, h.done, 5*time.Second)
	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("retry fired before the requested pause: %v", elapsed)
	}

	checkQueueDir(t, q, []string{})
}

func TestQueueMaxAttempts_DeadLetter(t *testing.T) {
	t.Parallel()

	tempErr := exterrors.WithTemporary(errors.New("try again"), true)
	h := &scriptedHandler{
		script: []error{tempErr, tempErr, tempErr},
		done:   make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	id, err := q.EnqueuePayload(1, struct{}{}, JobOpts{MaxAttempts: 3})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	for i := 0; i < 3; i++ {
		readMetaChanTimeout(t, h.done, 5*time.Second)
	}
	q.Close()

	checkQueueDir(t, q, []string{})
	checkDirIDs(t, q.deadDir(), []string{id})

	meta, err := readJobMetaFile(filepath.Join(q.deadDir(), id+".meta"))
	if err != nil {
		t.Fatal("dead meta read:", err)
	}
	if meta.Attempts != 3 {
		t.Errorf("wrong attempts count: %v", meta.Attempts)
	}
	if meta.LastError != "try again" {
		t.Errorf("final error was not preserved: %q", meta.LastError)
	}
}

func TestQueuePermanentFail(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		script: []error{exterrors.WithTemporary(errors.New("you shall not pass"), false)},
		done:   make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	id, err := q.EnqueuePayload(1, struct{}{}, JobOpts{})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	// Failed permanently, no retry may be scheduled.
	checkQueueDir(t, q, []string{})
	checkDirIDs(t, q.deadDir(), []string{id})

	meta, err := readJobMetaFile(filepath.Join(q.deadDir(), id+".meta"))
	if err != nil {
		t.Fatal("dead meta read:", err)
	}
	if meta.Attempts != 1 {
		t.Errorf("wrong attempts count: %v", meta.Attempts)
	}
}

func TestQueueDiscardFailed(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		script: []error{exterrors.WithTemporary(errors.New("you shall not pass"), false)},
		done:   make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{DiscardFailed: true}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	checkQueueDir(t, q, []string{})
	checkDirIDs(t, q.deadDir(), []string{})
}

func TestQueueKeepCompleted(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{done: make(chan *JobMeta, 10)}
	q := newTestQueue(t, h)

	id, err := q.EnqueuePayload(1, struct{}{}, JobOpts{KeepCompleted: true})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	checkQueueDir(t, q, []string{})
	checkDirIDs(t, q.completedDir(), []string{id})
}

func waitNoJob(t *testing.T, q *Queue, key string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.HasJob(key) {
		if time.Now().After(deadline) {
			t.Fatalf("job with key %q is still live", key)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueHasJob(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		script: []error{nil, exterrors.WithTemporary(errors.New("broken"), false)},
		gate:   make(chan struct{}),
		done:   make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)
	defer q.Close()

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{IdempotencyKey: "gate"}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	if !q.HasJob("gate") {
		t.Error("in-flight job is not visible as live")
	}
	if q.HasJob("nothing") {
		t.Error("unknown key is visible as live")
	}

	close(h.gate)
	readMetaChanTimeout(t, h.done, 5*time.Second)
	waitNoJob(t, q, "gate")

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{IdempotencyKey: "doomed"}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	readMetaChanTimeout(t, h.done, 5*time.Second)
	// Dead-lettered jobs are not live, a replacement may be enqueued.
	waitNoJob(t, q, "doomed")
}

func TestQueueDeadLetterStore_Retry(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		script: []error{exterrors.WithTemporary(errors.New("no such user"), false)},
		done:   make(chan *JobMeta, 10),
	}
	dir := t.TempDir()
	st := newTestStore(t)
	q := newTestQueueDir(t, h, dir)
	q.st = st

	id, err := q.EnqueuePayload(42, map[string]string{"url": "https://example.org/hook"}, JobOpts{})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	dead, err := st.ListDeadJobs(context.Background(), q.name)
	if err != nil {
		t.Fatal("ListDeadJobs:", err)
	}
	if len(dead) != 1 {
		t.Fatalf("wrong dead_jobs row count: %v", len(dead))
	}
	dj := dead[0]
	if dj.JobID != id {
		t.Errorf("wrong job ID: %v != %v", dj.JobID, id)
	}
	if dj.TenantID != 42 {
		t.Errorf("wrong tenant: %v", dj.TenantID)
	}
	if dj.Attempts != 1 {
		t.Errorf("wrong attempts count: %v", dj.Attempts)
	}
	if dj.LastError != "no such user" {
		t.Errorf("wrong last error: %q", dj.LastError)
	}
	if !strings.Contains(dj.Payload, "example.org") {
		t.Errorf("payload was not mirrored: %q", dj.Payload)
	}

	// Manual retry gets a fresh attempts budget and succeeds since the
	// failure script is exhausted.
	q = newTestQueueDir(t, h, dir)
	q.st = st
	if err := q.RetryDead(id); err != nil {
		t.Fatal("RetryDead:", err)
	}
	meta := readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	if meta.Attempts != 1 {
		t.Errorf("attempts counter was not reset: %v", meta.Attempts)
	}
	checkQueueDir(t, q, []string{})
	checkDirIDs(t, q.deadDir(), []string{})

	if err := st.DeleteDeadJob(context.Background(), dj.ID); err != nil {
		t.Fatal("DeleteDeadJob:", err)
	}
	dead, err = st.ListDeadJobs(context.Background(), q.name)
	if err != nil {
		t.Fatal("ListDeadJobs:", err)
	}
	if len(dead) != 0 {
		t.Errorf("dead_jobs row count after delete: %v", len(dead))
	}
}

func TestQueueRestoreDead_Offline(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		script: []error{exterrors.WithTemporary(errors.New("no such user"), false)},
		done:   make(chan *JobMeta, 10),
	}
	dir := t.TempDir()
	q := newTestQueueDir(t, h, dir)

	id, err := q.EnqueuePayload(1, struct{}{}, JobOpts{})
	if err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	checkDirIDs(t, q.deadDir(), []string{id})

	// Restore with no queue instance attached to the spool.
	if err := RestoreDead(dir, id); err != nil {
		t.Fatal("RestoreDead:", err)
	}
	checkDirIDs(t, q.deadDir(), []string{})
	checkQueueDir(t, q, []string{id})

	meta, err := readJobMetaFile(filepath.Join(dir, id+".meta"))
	if err != nil {
		t.Fatal("restored meta read:", err)
	}
	if meta.Attempts != 0 {
		t.Errorf("attempts counter was not reset: %v", meta.Attempts)
	}
	if meta.LastError != "" {
		t.Errorf("last error was not cleared: %q", meta.LastError)
	}

	if err := RestoreDead(dir, "no-such-job"); !os.IsNotExist(err) {
		t.Errorf("unexpected error for unknown ID: %v", err)
	}

	// The next start-up scan runs the job with the failure script
	// exhausted.
	q = newTestQueueDir(t, h, dir)
	meta = readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	if meta.Attempts != 1 {
		t.Errorf("wrong attempts count: %v", meta.Attempts)
	}
	checkQueueDir(t, q, []string{})
}

func TestQueueSerializationRoundtrip(t *testing.T) {
	t.Parallel()

	h := &emailStub{
		err:  exterrors.WithTemporary(errors.New("try again"), true),
		msgs: make(chan emailCapture, 10),
	}
	dir := t.TempDir()
	q := newTestQueueDir(t, h, dir)

	// This test is racy: Close must win against the retry timer. A
	// non-zero retry delay makes it reliable.
	q.retryBase = 1 * time.Second
	q.retryCap = 1 * time.Second

	hdr := textproto.Header{}
	hdr.Add("A", "1")
	body := buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
	msgMeta := &module.MsgMetadata{ID: testMsgID(t), TenantID: 9}

	id, err := q.EnqueueEmail(msgMeta, "sender@example.org", "rcpt@example.com", hdr, body, JobOpts{})
	if err != nil {
		t.Fatal("EnqueueEmail:", err)
	}

	select {
	case <-h.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("chan read timed out")
	}
	q.Close()

	// Job must be saved for the retry.
	checkQueueDir(t, q, []string{id})

	// Reopen the queue. The attempt after the restart rereads everything
	// from disk and succeeds.
	h.err = nil
	q = newTestQueueDir(t, h, dir)

	var got emailCapture
	select {
	case got = <-h.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("chan read timed out")
	}
	q.Close()

	if got.meta.Attempts != 2 {
		t.Errorf("wrong attempts count: %v", got.meta.Attempts)
	}
	if got.meta.TenantID != 9 {
		t.Errorf("tenant was not preserved: %v", got.meta.TenantID)
	}
	if got.meta.From != "sender@example.org" || got.meta.Rcpt != "rcpt@example.com" {
		t.Errorf("envelope was not preserved: %v, %v", got.meta.From, got.meta.Rcpt)
	}
	if string(got.body) != "foobar\r\n" {
		t.Errorf("body was not preserved: %q", got.body)
	}
	if got.header.Get("A") != "1" {
		t.Errorf("header was not preserved")
	}

	checkQueueDir(t, q, []string{})
}

func TestQueueDeserializationCleanUp(t *testing.T) {
	t.Parallel()

	test := func(t *testing.T, fileSuffix string) {
		h := &emailStub{
			err:  exterrors.WithTemporary(errors.New("try again"), true),
			msgs: make(chan emailCapture, 10),
		}
		dir := t.TempDir()
		q := newTestQueueDir(t, h, dir)
		q.retryBase = 1 * time.Second
		q.retryCap = 1 * time.Second

		hdr := textproto.Header{}
		hdr.Add("A", "1")
		body := buffer.MemoryBuffer{Slice: []byte("foobar\r\n")}
		msgMeta := &module.MsgMetadata{ID: testMsgID(t)}

		id, err := q.EnqueueEmail(msgMeta, "sender@example.org", "rcpt@example.com", hdr, body, JobOpts{})
		if err != nil {
			t.Fatal("EnqueueEmail:", err)
		}

		select {
		case <-h.msgs:
		case <-time.After(5 * time.Second):
			t.Fatal("chan read timed out")
		}
		q.Close()

		if err := os.Remove(filepath.Join(q.location, id+fileSuffix)); err != nil {
			t.Fatal(err)
		}

		// Dangling files should be removed during load.
		q = newTestQueueDir(t, h, dir)
		q.Close()

		checkQueueDir(t, q, []string{})
	}

	t.Run("NoBody", func(t *testing.T) {
		test(t, ".body")
	})
	t.Run("NoHeader", func(t *testing.T) {
		test(t, ".header")
	})
}

func TestQueuePriorityOrder(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		gate:    make(chan struct{}),
		entered: make(chan string, 10),
		done:    make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	// The gate job occupies the only slot so the later jobs pile up in
	// the tenant bucket.
	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{IdempotencyKey: "gate"}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	if got := readStringChanTimeout(t, h.entered, 5*time.Second); got != "gate" {
		t.Fatalf("unexpected first job: %v", got)
	}

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{Priority: 5, IdempotencyKey: "low"}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{Priority: 0, IdempotencyKey: "high"}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	waitParked(t, q, 2)
	close(h.gate)

	var order []string
	for i := 0; i < 3; i++ {
		order = append(order, readMetaChanTimeout(t, h.done, 5*time.Second).IdempotencyKey)
	}
	q.Close()

	want := []string{"gate", "high", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wrong run order: %v", order)
		}
	}
}

func TestQueueTenantFairness(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		gate:    make(chan struct{}),
		entered: make(chan string, 10),
		done:    make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{IdempotencyKey: "gate"}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	if got := readStringChanTimeout(t, h.entered, 5*time.Second); got != "gate" {
		t.Fatalf("unexpected first job: %v", got)
	}

	// Tenant 1 has two jobs waiting, tenant 2 has one. Round-robin must
	// run the tenant 2 job before the second job of tenant 1.
	for _, job := range []struct {
		tenant int64
		key    string
	}{
		{1, "A2"},
		{1, "A3"},
		{2, "B1"},
	} {
		if _, err := q.EnqueuePayload(job.tenant, struct{}{}, JobOpts{IdempotencyKey: job.key}); err != nil {
			t.Fatal("EnqueuePayload:", err)
		}
	}
	waitParked(t, q, 3)
	close(h.gate)

	var order []string
	for i := 0; i < 4; i++ {
		order = append(order, readMetaChanTimeout(t, h.done, 5*time.Second).IdempotencyKey)
	}
	q.Close()

	want := []string{"gate", "A2", "B1", "A3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wrong run order: %v", order)
		}
	}
}

func TestQueuePickFairShare(t *testing.T) {
	t.Parallel()

	q := &Queue{
		slots: make(chan struct{}, 2),
		parked: map[int64][]jobSlot{
			1: {{ID: "a1", TenantID: 1}, {ID: "a2", TenantID: 1}},
			2: {{ID: "b1", TenantID: 2}},
		},
		rrOrder:    []int64{1, 2},
		nActivePer: map[int64]int{1: 1},
	}

	// Tenant 1 already holds its share of the two slots, tenant 2 is
	// below and goes first.
	slot, ok := q.pickLocked()
	if !ok || slot.ID != "b1" {
		t.Fatalf("wrong first pick: %v %v", slot.ID, ok)
	}

	q.nActivePer[2] = 1
	slot, ok = q.pickLocked()
	if !ok || slot.ID != "a1" {
		t.Fatalf("wrong second pick: %v %v", slot.ID, ok)
	}

	// Every tenant at or over its share: the picker keeps going instead
	// of leaving the slot idle.
	q.nActivePer[1] = 2
	slot, ok = q.pickLocked()
	if !ok || slot.ID != "a2" {
		t.Fatalf("wrong third pick: %v %v", slot.ID, ok)
	}

	if _, ok := q.pickLocked(); ok {
		t.Fatal("pick from an empty queue succeeded")
	}
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{
		sleep:   300 * time.Millisecond,
		entered: make(chan string, 10),
		done:    make(chan *JobMeta, 10),
	}
	q := newTestQueue(t, h)

	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}
	readStringChanTimeout(t, h.entered, 5*time.Second)

	q.Close()

	select {
	case <-h.done:
	default:
		t.Fatal("Close returned before the in-flight job finished")
	}
	checkQueueDir(t, q, []string{})
}

func TestQueueDelayedJob(t *testing.T) {
	t.Parallel()

	h := &scriptedHandler{done: make(chan *JobMeta, 10)}
	q := newTestQueue(t, h)

	start := time.Now()
	if _, err := q.EnqueuePayload(1, struct{}{}, JobOpts{Delay: 300 * time.Millisecond}); err != nil {
		t.Fatal("EnqueuePayload:", err)
	}

	readMetaChanTimeout(t, h.done, 5*time.Second)
	q.Close()

	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("job fired before its delay: %v", elapsed)
	}
	checkQueueDir(t, q, []string{})
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	q := &Queue{retryBase: 30 * time.Second, retryCap: 1 * time.Hour}

	for i := 0; i < 20; i++ {
		if d := q.retryDelay(1); d < 24*time.Second || d > 36*time.Second {
			t.Fatalf("first delay out of the jitter band: %v", d)
		}
		if d := q.retryDelay(2); d < 48*time.Second || d > 72*time.Second {
			t.Fatalf("second delay out of the jitter band: %v", d)
		}
		if d := q.retryDelay(12); d < 48*time.Minute || d > time.Hour {
			t.Fatalf("delay escaped the cap: %v", d)
		}
	}

	zero := &Queue{}
	if d := zero.retryDelay(3); d != 0 {
		t.Fatalf("zero base must give zero delay, got %v", d)
	}
}

func init() {
	dontRecover = true
}
