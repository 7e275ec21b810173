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

/*
Package queue implements the disk-durable job queues behind asynchronous
work: message delivery, webhook notification and analytics aggregation.

Implementation summary follows.

Each queue owns a spool directory. A job is stored as an ID.meta JSON file,
email jobs additionally store the message as ID.header and ID.body files.
Scheduled jobs sit in a TimeWheel until they are due, then wait in
per-tenant buckets for one of the concurrency slots. The slot picker walks
tenants round-robin and prefers tenants holding less than their share of
the slots, so one busy tenant cannot monopolize the queue while others
have jobs waiting. Within a tenant, lower priority numbers run first.

An attempt is a single Handler call. A nil return completes the job. An
error return reschedules the job with exponential backoff while it is
temporary (in the exterrors.IsTemporaryOrUnspec sense) and attempts
remain; everything else moves the job files under dead/ and mirrors the
failure into the dead_jobs table for inspection and manual retry.

Jobs carry a stable idempotency key (the message ID for email jobs).
Handlers must treat re-execution as safe: a crash between an attempt and
the removal of the job files replays the job after restart.
*/
package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/ferrymail/ferrymail/framework/buffer"
	"github.com/ferrymail/ferrymail/framework/exterrors"
	"github.com/ferrymail/ferrymail/framework/log"
	"github.com/ferrymail/ferrymail/framework/module"
	"github.com/ferrymail/ferrymail/internal/store"
)

// Job kinds. Each kind runs on the queue of the same name.
const (
	KindEmail     = "send-email"
	KindWebhook   = "send-webhook"
	KindAnalytics = "update-analytics"
)

// Handler runs a single job attempt.
//
// A nil return completes the job. An error return reschedules the job when
// the error is temporary and attempts remain, otherwise the job is
// dead-lettered. An error carrying a "retry_after" exterrors field extends
// the backoff delay to at least that duration.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// Job is the unit of work handed to a Handler.
type Job struct {
	Meta *JobMeta

	// Header and Body carry the stored message. They are set for email
	// jobs only.
	Header *textproto.Header
	Body   buffer.Buffer
}

// JobMeta is the durable part of a job, serialized into the ID.meta file.
type JobMeta struct {
	ID       string
	Kind     string
	TenantID int64
	Priority int

	// IdempotencyKey identifies the logical operation across retries and
	// replays. For email jobs it is the message ID.
	IdempotencyKey string

	// Attempts counts attempts already made, including the running one.
	Attempts    int
	MaxAttempts int

	EnqueuedAt time.Time
	// NotBefore delays the first attempt. Zero value means run as soon
	// as possible.
	NotBefore    time.Time
	FirstAttempt time.Time
	LastAttempt  time.Time

	LastError string

	// KeepCompleted stores the job under completed/ on success instead
	// of removing it. DiscardFailed removes exhausted jobs instead of
	// dead-lettering them.
	KeepCompleted bool
	DiscardFailed bool

	// Payload is the kind-specific body of jobs that do not carry a
	// message (webhook, analytics).
	Payload json.RawMessage

	// Envelope of email jobs. The message itself is stored in the
	// ID.header and ID.body files next to the meta file.
	MsgMeta *module.MsgMetadata
	From    string
	Rcpt    string
}

// payloadSummary returns the JSON text mirrored into the dead_jobs table.
// Payload jobs store their payload as-is, email jobs store the envelope
// since the message itself stays in the dead/ files.
func (m *JobMeta) payloadSummary() string {
	if len(m.Payload) != 0 {
		return string(m.Payload)
	}
	if m.MsgMeta == nil {
		return ""
	}
	raw, err := json.Marshal(map[string]string{
		"message_id": m.MsgMeta.ID,
		"from":       m.From,
		"rcpt":       m.Rcpt,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

// JobOpts are the per-job scheduling options.
type JobOpts struct {
	// Priority orders jobs of the same tenant, lower number runs first.
	Priority int

	// Delay postpones the first attempt.
	Delay time.Duration

	// MaxAttempts overrides the queue default when non-zero.
	MaxAttempts int

	IdempotencyKey string

	KeepCompleted bool
	DiscardFailed bool
}

type jobSlot struct {
	ID       string
	TenantID int64
	Priority int

	// retry is set when the slot was scheduled by the backoff path, it
	// only affects the waiting/delayed accounting.
	retry bool

	// If nil, all values are re-read from disk before the attempt.
	Meta *JobMeta
	Hdr  *textproto.Header
	Body buffer.Buffer
}

// dontRecover controls the behavior of panic handlers, if it is set to true -
// they are disabled and so tests will panic to avoid masking bugs.
var dontRecover = false

// Options configures a single queue instance.
type Options struct {
	// Name is the queue identity: the kind of jobs it runs and the label
	// it carries in logs, metrics and the dead_jobs table.
	Name string

	// Location is the spool directory of this queue.
	Location string

	// Concurrency bounds the number of attempts running in parallel.
	Concurrency int

	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration

	// CleanupInterval bounds how often terminal job files are swept.
	// Zero disables the janitor.
	CleanupInterval time.Duration

	// DrainTimeout bounds how long Close waits for in-flight attempts
	// before cancelling their context. Zero waits indefinitely.
	DrainTimeout time.Duration
}

type Queue struct {
	name     string
	location string
	wheel    *TimeWheel

	// Retry delay is calculated using the following formula:
	// retryBase * 2 ^ (attempts - 1), with ±20% jitter, capped
	// at retryCap.
	retryBase time.Duration
	retryCap  time.Duration

	maxAttempts int

	// If any job is scheduled in less than postInitDelay
	// after start, its delay will be increased by postInitDelay.
	//
	// This way if the server is killed shortly after start-up
	// for whatever reason it will not affect the queue.
	postInitDelay time.Duration

	cleanupEvery time.Duration
	drainTimeout time.Duration

	handler Handler

	// st mirrors dead-lettered jobs into the dead_jobs table. Optional,
	// nil keeps dead letters on disk only.
	st *store.Store

	Log log.Logger

	ctx       context.Context
	ctxCancel context.CancelFunc

	workersWg sync.WaitGroup
	janitorWg sync.WaitGroup
	// Buffered channel used to restrict count of attempts running
	// in parallel.
	slots chan struct{}

	// Due jobs wait in per-tenant buckets until a slot frees up. rrOrder
	// holds the tenants with parked jobs in round-robin order.
	dispatchLck sync.Mutex
	closed      bool
	parked      map[int64][]jobSlot
	rrOrder     []int64
	rrNext      int
	nActivePer  map[int64]int
	activeSince map[string]time.Time

	// keysLive counts live jobs per idempotency key, including ones
	// waiting out a retry delay. Lets the reconciler tell a lost job from
	// one that is merely slow.
	keysLive map[string]int

	nWaiting   int
	nDelayed   int
	nActive    int
	nCompleted uint64
	nFailed    uint64
}

// New creates the queue, reads saved jobs from the spool directory and
// starts the workers.
func New(opts Options, handler Handler, st *store.Store, logger log.Logger) (*Queue, error) {
	if opts.Name == "" {
		return nil, errors.New("queue: name is required")
	}
	if opts.Location == "" {
		return nil, errors.New("queue: location is required")
	}
	if handler == nil {
		return nil, errors.New("queue: handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryCap == 0 {
		opts.RetryCap = 1 * time.Hour
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 30 * time.Second
	}

	q := &Queue{
		name:          opts.Name,
		location:      opts.Location,
		retryBase:     opts.RetryBase,
		retryCap:      opts.RetryCap,
		maxAttempts:   opts.MaxAttempts,
		postInitDelay: 10 * time.Second,
		cleanupEvery:  opts.CleanupInterval,
		drainTimeout:  opts.DrainTimeout,
		handler:       handler,
		st:            st,
		Log:           logger,
	}

	if err := q.start(opts.Concurrency); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) start(concurrency int) error {
	if err := os.MkdirAll(q.location, os.ModePerm); err != nil {
		return err
	}
	if err := os.MkdirAll(q.deadDir(), os.ModePerm); err != nil {
		return err
	}
	if err := os.MkdirAll(q.completedDir(), os.ModePerm); err != nil {
		return err
	}

	q.parked = map[int64][]jobSlot{}
	q.nActivePer = map[int64]int{}
	q.activeSince = map[string]time.Time{}
	q.keysLive = map[string]int{}
	q.slots = make(chan struct{}, concurrency)
	q.ctx, q.ctxCancel = context.WithCancel(context.Background())
	q.wheel = NewTimeWheel(q.dispatch)

	if err := q.readDiskQueue(); err != nil {
		return err
	}

	if q.cleanupEvery > 0 {
		q.janitorWg.Add(1)
		go q.janitor()
	}

	return nil
}

// Close stops scheduling and waits for in-flight attempts to finish. Jobs
// still parked or scheduled stay on disk and are recovered on the next
// start.
func (q *Queue) Close() error {
	q.wheel.Close()

	q.dispatchLck.Lock()
	q.closed = true
	q.dispatchLck.Unlock()

	done := make(chan struct{})
	go func() {
		q.workersWg.Wait()
		close(done)
	}()
	if q.drainTimeout > 0 {
		select {
		case <-done:
		case <-time.After(q.drainTimeout):
			q.Log.Printf("drain timeout, cancelling in-flight attempts")
			q.ctxCancel()
			<-done
		}
	} else {
		<-done
	}

	q.ctxCancel()
	q.janitorWg.Wait()
	return nil
}

func (q *Queue) Name() string {
	return "queue"
}

// InstanceName reports the queue name ("send-email", "send-webhook",
// "update-analytics").
func (q *Queue) InstanceName() string {
	return q.name
}

func (q *Queue) deadDir() string {
	return filepath.Join(q.location, "dead")
}

func (q *Queue) completedDir() string {
	return filepath.Join(q.location, "completed")
}

func (q *Queue) jobLogger(meta *JobMeta) log.Logger {
	fields := make(map[string]interface{}, len(q.Log.Fields)+3)
	for k, v := range q.Log.Fields {
		fields[k] = v
	}
	fields["job"] = meta.ID
	if meta.TenantID != 0 {
		fields["tenant"] = meta.TenantID
	}
	if meta.IdempotencyKey != "" {
		fields["key"] = meta.IdempotencyKey
	}
	l := q.Log
	l.Fields = fields
	return l
}

func (q *Queue) newJobMeta(tenantID int64, opts JobOpts) *JobMeta {
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttempts
	}
	meta := &JobMeta{
		ID:             uuid.New().String(),
		Kind:           q.name,
		TenantID:       tenantID,
		Priority:       opts.Priority,
		IdempotencyKey: opts.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		EnqueuedAt:     time.Now(),
		KeepCompleted:  opts.KeepCompleted,
		DiscardFailed:  opts.DiscardFailed,
	}
	if opts.Delay > 0 {
		meta.NotBefore = meta.EnqueuedAt.Add(opts.Delay)
	}
	return meta
}

// EnqueuePayload stores a payload-only job (webhook, analytics) and
// schedules it. The payload is marshalled to JSON and handed back to the
// Handler via JobMeta.Payload.
func (q *Queue) EnqueuePayload(tenantID int64, payload interface{}, opts JobOpts) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	meta := q.newJobMeta(tenantID, opts)
	meta.Payload = raw

	if err := q.updateJobOnDisk(meta); err != nil {
		return "", err
	}

	q.schedule(meta, jobSlot{
		ID:       meta.ID,
		TenantID: meta.TenantID,
		Priority: meta.Priority,
		Meta:     meta,
	})
	return meta.ID, nil
}

// EnqueueEmail stores a copy of the message on disk and schedules a
// delivery job for a single recipient. The body buffer may be invalidated
// by the caller once EnqueueEmail returns, attempts always read the stored
// copy.
func (q *Queue) EnqueueEmail(msgMeta *module.MsgMetadata, mailFrom, rcptTo string, header textproto.Header, body buffer.Buffer, opts JobOpts) (string, error) {
	if msgMeta == nil || msgMeta.ID == "" {
		return "", errors.New("queue: message without an ID")
	}

	meta := q.newJobMeta(msgMeta.TenantID, opts)
	if meta.IdempotencyKey == "" {
		meta.IdempotencyKey = msgMeta.ID
	}
	meta.MsgMeta = msgMeta
	meta.From = mailFrom
	meta.Rcpt = rcptTo

	storedBody, err := q.storeEmailJob(meta, header, body)
	if err != nil {
		return "", err
	}

	q.schedule(meta, jobSlot{
		ID:       meta.ID,
		TenantID: meta.TenantID,
		Priority: meta.Priority,
		Meta:     meta,
		Hdr:      &header,
		Body:     storedBody,
	})
	return meta.ID, nil
}

func (q *Queue) schedule(meta *JobMeta, slot jobSlot) {
	q.dispatchLck.Lock()
	q.nWaiting++
	q.trackKeyLocked(meta.IdempotencyKey, 1)
	q.updateGauges()
	q.dispatchLck.Unlock()

	// Zero NotBefore fires on the next wheel tick.
	q.wheel.Add(meta.NotBefore, slot)
}

func (q *Queue) trackKeyLocked(key string, delta int) {
	if key == "" {
		return
	}
	q.keysLive[key] += delta
	if q.keysLive[key] <= 0 {
		delete(q.keysLive, key)
	}
}

// HasJob reports whether any job carrying the idempotency key is still
// live: waiting, running or delayed for a retry. Dead-lettered and
// completed jobs do not count.
func (q *Queue) HasJob(key string) bool {
	q.dispatchLck.Lock()
	defer q.dispatchLck.Unlock()
	return q.keysLive[key] > 0
}

func (q *Queue) dispatch(value TimeSlot) {
	slot := value.Job

	q.Log.Debugln("job due", slot.ID)

	q.dispatchLck.Lock()
	if q.closed {
		q.dispatchLck.Unlock()
		return
	}
	q.parkLocked(slot)
	q.dispatchLck.Unlock()

	q.kick()
}

// parkLocked adds the slot to its tenant bucket, keeping the bucket
// ordered by priority and enqueue order within the same priority.
func (q *Queue) parkLocked(slot jobSlot) {
	bucket, ok := q.parked[slot.TenantID]
	if !ok {
		q.rrOrder = append(q.rrOrder, slot.TenantID)
	}

	idx := len(bucket)
	for i, s := range bucket {
		if slot.Priority < s.Priority {
			idx = i
			break
		}
	}
	bucket = append(bucket, jobSlot{})
	copy(bucket[idx+1:], bucket[idx:])
	bucket[idx] = slot
	q.parked[slot.TenantID] = bucket
}

// pickLocked returns the next parked job honoring the per-tenant fair
// share: tenants holding less than their share of the concurrency slots
// are preferred in round-robin order. When every tenant with parked jobs
// is at or over its share the round-robin continues anyway so slots never
// sit idle.
func (q *Queue) pickLocked() (jobSlot, bool) {
	n := len(q.rrOrder)
	if n == 0 || q.closed {
		return jobSlot{}, false
	}

	share := cap(q.slots) / n
	if share < 1 {
		share = 1
	}

	pick := -1
	for i := 0; i < n; i++ {
		ti := (q.rrNext + i) % n
		if q.nActivePer[q.rrOrder[ti]] < share {
			pick = ti
			break
		}
	}
	if pick == -1 {
		pick = q.rrNext % n
	}

	tenant := q.rrOrder[pick]
	bucket := q.parked[tenant]
	slot := bucket[0]
	bucket = bucket[1:]

	if len(bucket) == 0 {
		delete(q.parked, tenant)
		q.rrOrder = append(q.rrOrder[:pick], q.rrOrder[pick+1:]...)
		if q.rrNext > pick {
			q.rrNext--
		}
	} else {
		q.parked[tenant] = bucket
		q.rrNext = pick + 1
	}
	if len(q.rrOrder) != 0 {
		q.rrNext %= len(q.rrOrder)
	} else {
		q.rrNext = 0
	}

	return slot, true
}

// kick starts attempts for parked jobs while free slots and eligible jobs
// exist. It is called whenever either may have appeared: a job came due or
// an attempt finished.
func (q *Queue) kick() {
	for {
		select {
		case q.slots <- struct{}{}:
		default:
			return
		}

		q.dispatchLck.Lock()
		slot, ok := q.pickLocked()
		if !ok {
			q.dispatchLck.Unlock()
			<-q.slots
			return
		}
		if slot.retry {
			q.nDelayed--
		} else {
			q.nWaiting--
		}
		q.nActive++
		q.nActivePer[slot.TenantID]++
		q.activeSince[slot.ID] = time.Now()
		q.updateGauges()
		q.dispatchLck.Unlock()

		q.workersWg.Add(1)
		go q.run(slot)
	}
}

func (q *Queue) run(slot jobSlot) {
	defer func() {
		q.dispatchLck.Lock()
		q.nActive--
		q.nActivePer[slot.TenantID]--
		if q.nActivePer[slot.TenantID] <= 0 {
			delete(q.nActivePer, slot.TenantID)
		}
		delete(q.activeSince, slot.ID)
		q.updateGauges()
		q.dispatchLck.Unlock()
		<-q.slots
		q.workersWg.Done()

		if !dontRecover {
			if err := recover(); err != nil {
				stack := debug.Stack()
				log.Printf("panic during job %s: %v\n%s", slot.ID, err, stack)
				q.discardBroken(slot.ID)
			}
		}

		q.kick()
	}()

	var (
		meta *JobMeta
		hdr  *textproto.Header
		body buffer.Buffer
	)
	if slot.Meta == nil {
		var err error
		meta, hdr, body, err = q.openJob(slot.ID)
		if err != nil {
			q.Log.Error("read job", err, "job", slot.ID)
			return
		}
	} else {
		meta = slot.Meta
		hdr = slot.Hdr
		body = slot.Body
	}

	q.tryJob(meta, hdr, body)
}

func (q *Queue) tryJob(meta *JobMeta, hdr *textproto.Header, body buffer.Buffer) {
	dl := q.jobLogger(meta)

	meta.Attempts++
	now := time.Now()
	if meta.FirstAttempt.IsZero() {
		meta.FirstAttempt = now
	}
	meta.LastAttempt = now

	err := q.handler.Handle(q.ctx, &Job{Meta: meta, Header: hdr, Body: body})
	if err == nil {
		dl.Msg("job done", "attempt", meta.Attempts)
		q.finish(meta)
		return
	}

	meta.LastError = err.Error()

	if exterrors.IsTemporaryOrUnspec(err) && meta.Attempts < meta.MaxAttempts {
		if uerr := q.updateJobOnDisk(meta); uerr != nil {
			dl.Error("meta-data update", uerr)
		}

		delay := q.retryDelay(meta.Attempts)
		// Destinations asking for a specific pause (HTTP Retry-After,
		// SMTP rate hints) win over the computed backoff.
		if ra, ok := exterrors.Fields(err)["retry_after"].(time.Duration); ok && ra > delay {
			delay = ra
		}

		dl.Error("attempt failed, will retry", err,
			"attempt", meta.Attempts,
			"next_try_delay", delay)
		attemptsCnt.WithLabelValues(q.name, "retry").Inc()

		q.dispatchLck.Lock()
		q.nDelayed++
		q.updateGauges()
		q.dispatchLck.Unlock()

		// Do not keep (meta-)data in memory to reduce usage. At this
		// point it is safe on disk and next try will reread it.
		q.wheel.Add(time.Now().Add(delay), jobSlot{
			ID:       meta.ID,
			TenantID: meta.TenantID,
			Priority: meta.Priority,
			retry:    true,
		})
		return
	}

	dl.Error("job failed", err, "attempt", meta.Attempts)
	q.deadLetter(meta, err)
}

// retryDelay implements the backoff schedule: retryBase doubled per made
// attempt, ±20% jitter, capped at retryCap.
func (q *Queue) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := q.retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if q.retryCap > 0 && d >= q.retryCap {
			d = q.retryCap
			break
		}
	}

	d = time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if q.retryCap > 0 && d > q.retryCap {
		d = q.retryCap
	}
	return d
}

func (q *Queue) finish(meta *JobMeta) {
	q.dispatchLck.Lock()
	q.nCompleted++
	q.trackKeyLocked(meta.IdempotencyKey, -1)
	q.dispatchLck.Unlock()
	attemptsCnt.WithLabelValues(q.name, "completed").Inc()

	if meta.KeepCompleted {
		if err := q.updateJobOnDisk(meta); err != nil {
			q.Log.Error("meta-data update", err, "job", meta.ID)
		}
		if err := q.moveJobFiles(meta.ID, q.completedDir()); err != nil {
			q.Log.Error("completed job move", err, "job", meta.ID)
		}
		return
	}
	q.removeFromDisk(meta)
}

func (q *Queue) deadLetter(meta *JobMeta, cause error) {
	dl := q.jobLogger(meta)

	q.dispatchLck.Lock()
	q.nFailed++
	q.trackKeyLocked(meta.IdempotencyKey, -1)
	q.dispatchLck.Unlock()
	attemptsCnt.WithLabelValues(q.name, "dead").Inc()

	if meta.DiscardFailed {
		q.removeFromDisk(meta)
		return
	}

	if err := q.updateJobOnDisk(meta); err != nil {
		dl.Error("meta-data update", err)
	}
	if err := q.moveJobFiles(meta.ID, q.deadDir()); err != nil {
		dl.Error("dead letter move", err)
	}

	if q.st == nil {
		return
	}

	// The queue context may already be cancelled, the audit row is still
	// worth writing.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := q.st.RecordDeadJob(ctx, &store.DeadJob{
		Queue:     q.name,
		JobID:     meta.ID,
		TenantID:  meta.TenantID,
		Kind:      meta.Kind,
		Payload:   meta.payloadSummary(),
		Attempts:  meta.Attempts,
		LastError: meta.LastError,
	})
	if err != nil {
		dl.Error("dead job record", err)
	}
}

// RetryDead moves a dead-lettered job back into the queue and schedules it
// with a fresh attempts budget. The dead_jobs row, if any, is left to the
// caller.
func (q *Queue) RetryDead(id string) error {
	meta, err := readJobMetaFile(filepath.Join(q.deadDir(), id+".meta"))
	if err != nil {
		return err
	}

	meta.Attempts = 0
	meta.LastError = ""
	meta.NotBefore = time.Time{}

	// Message files go first so the meta file never refers to files that
	// are still under dead/.
	for _, suffix := range []string{".header", ".body"} {
		err := os.Rename(filepath.Join(q.deadDir(), id+suffix), filepath.Join(q.location, id+suffix))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := q.updateJobOnDisk(meta); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(q.deadDir(), id+".meta")); err != nil {
		return err
	}

	q.schedule(meta, jobSlot{
		ID:       meta.ID,
		TenantID: meta.TenantID,
		Priority: meta.Priority,
	})
	return nil
}

// RestoreDead moves a dead-lettered job in the spool at location back into
// the waiting set without running a queue instance. It is meant for
// command-line use against the spool of a stopped or concurrently running
// server: no scheduling happens here, the owning queue picks the job up
// during its next start-up scan.
func RestoreDead(location, id string) error {
	deadDir := filepath.Join(location, "dead")

	meta, err := readJobMetaFile(filepath.Join(deadDir, id+".meta"))
	if err != nil {
		return err
	}

	meta.Attempts = 0
	meta.LastError = ""
	meta.NotBefore = time.Time{}

	// Message files go first so the meta file never refers to files that
	// are still under dead/.
	for _, suffix := range []string{".header", ".body"} {
		err := os.Rename(filepath.Join(deadDir, id+suffix), filepath.Join(location, id+suffix))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := writeJobMetaFile(filepath.Join(location, id+".meta"), meta); err != nil {
		return err
	}
	return os.Remove(filepath.Join(deadDir, id+".meta"))
}

// Stats is a point-in-time snapshot of the queue used by the monitor.
type Stats struct {
	Waiting int
	Active  int
	Delayed int

	// Completed and Failed are cumulative counts since start-up.
	Completed uint64
	Failed    uint64

	// OldestActive is the age of the longest-running attempt, zero when
	// nothing is active.
	OldestActive time.Duration
}

func (q *Queue) Stats() Stats {
	q.dispatchLck.Lock()
	defer q.dispatchLck.Unlock()

	st := Stats{
		Waiting:   q.nWaiting,
		Active:    q.nActive,
		Delayed:   q.nDelayed,
		Completed: q.nCompleted,
		Failed:    q.nFailed,
	}
	now := time.Now()
	for _, started := range q.activeSince {
		if age := now.Sub(started); age > st.OldestActive {
			st.OldestActive = age
		}
	}
	return st
}

// discardBroken changes the name of metadata file to have .meta_broken
// extension.
//
// Further attempts to run it (due to a timewheel) will fail due to
// non-existent meta-data file.
//
// No error handling is done since this function is called from panic handler.
func (q *Queue) discardBroken(id string) {
	err := os.Rename(filepath.Join(q.location, id+".meta"), filepath.Join(q.location, id+".meta_broken"))
	if err != nil {
		// Note: Global logger is used in case there is something wrong with Queue.Log.
		log.Printf("can't mark the queue job as broken: %v", err)
	}
}

func (q *Queue) readDiskQueue() error {
	dirInfo, err := os.ReadDir(q.location)
	if err != nil {
		return err
	}

	loadedCount := 0
	for _, entry := range dirInfo {
		// Loading starts from meta-data files, then ID.header and
		// ID.body existence is checked for email jobs. This way dangling
		// message files are detected.
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".meta")

		meta, err := q.readJobMeta(id)
		if err != nil {
			q.Log.Printf("failed to read meta-data, skipping: %v (job ID = %s)", err, id)
			continue
		}

		if meta.MsgMeta != nil {
			if _, err := os.Stat(filepath.Join(q.location, id+".header")); err != nil {
				if os.IsNotExist(err) {
					q.Log.Printf("header file doesn't exist for job ID = %s", id)
					q.tryRemoveDanglingFile(id + ".meta")
					q.tryRemoveDanglingFile(id + ".body")
				} else {
					q.Log.Printf("skipping nonstat'able header file: %v (job ID = %s)", err, id)
				}
				continue
			}
			if _, err := os.Stat(filepath.Join(q.location, id+".body")); err != nil {
				if os.IsNotExist(err) {
					q.Log.Printf("body file doesn't exist for job ID = %s", id)
					q.tryRemoveDanglingFile(id + ".meta")
					q.tryRemoveDanglingFile(id + ".header")
				} else {
					q.Log.Printf("skipping nonstat'able body file: %v (job ID = %s)", err, id)
				}
				continue
			}
		}

		var nextTry time.Time
		if meta.Attempts == 0 {
			nextTry = meta.NotBefore
		} else {
			nextTry = meta.LastAttempt.Add(q.retryDelay(meta.Attempts))
		}
		if time.Until(nextTry) < q.postInitDelay {
			nextTry = time.Now().Add(q.postInitDelay)
		}

		q.dispatchLck.Lock()
		if meta.Attempts > 0 {
			q.nDelayed++
		} else {
			q.nWaiting++
		}
		q.trackKeyLocked(meta.IdempotencyKey, 1)
		q.updateGauges()
		q.dispatchLck.Unlock()

		q.Log.Debugf("will run job %s in %v (%v)", id, time.Until(nextTry), nextTry)
		q.wheel.Add(nextTry, jobSlot{
			ID:       id,
			TenantID: meta.TenantID,
			Priority: meta.Priority,
			retry:    meta.Attempts > 0,
		})
		loadedCount++
	}

	if loadedCount != 0 {
		q.Log.Printf("loaded %d saved queue entries", loadedCount)
	}

	return nil
}

func (q *Queue) storeEmailJob(meta *JobMeta, header textproto.Header, body buffer.Buffer) (buffer.Buffer, error) {
	id := meta.ID

	headerPath := filepath.Join(q.location, id+".header")
	headerFile, err := os.Create(headerPath)
	if err != nil {
		return nil, err
	}
	defer headerFile.Close()

	if err := textproto.WriteHeader(headerFile, header); err != nil {
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}

	bodyReader, err := body.Open()
	if err != nil {
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}
	defer bodyReader.Close()

	bodyPath := filepath.Join(q.location, id+".body")
	bodyFile, err := os.Create(bodyPath)
	if err != nil {
		return nil, err
	}
	defer bodyFile.Close()

	if _, err := io.Copy(bodyFile, bodyReader); err != nil {
		q.tryRemoveDanglingFile(id + ".body")
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}

	if err := q.updateJobOnDisk(meta); err != nil {
		q.tryRemoveDanglingFile(id + ".body")
		q.tryRemoveDanglingFile(id + ".header")
		return nil, err
	}

	if err := headerFile.Sync(); err != nil {
		return nil, err
	}

	if err := bodyFile.Sync(); err != nil {
		return nil, err
	}

	return buffer.FileBuffer{Path: bodyPath, LenHint: body.Len()}, nil
}

func (q *Queue) updateJobOnDisk(meta *JobMeta) error {
	return writeJobMetaFile(filepath.Join(q.location, meta.ID+".meta"), meta)
}

func writeJobMetaFile(metaPath string, meta *JobMeta) error {
	var file *os.File
	var err error
	if runtime.GOOS == "windows" {
		file, err = os.Create(metaPath)
		if err != nil {
			return err
		}
	} else {
		file, err = os.Create(metaPath + ".new")
		if err != nil {
			return err
		}
	}
	defer file.Close()

	metaCopy := *meta
	if meta.MsgMeta != nil {
		// ConnState is not serializable: future.Future values and
		// net.Addr concrete types do not survive a JSON roundtrip.
		metaCopy.MsgMeta = meta.MsgMeta.DeepCopy()
		metaCopy.MsgMeta.Conn = nil
	}

	if err := json.NewEncoder(file).Encode(metaCopy); err != nil {
		return err
	}

	if err := file.Sync(); err != nil {
		return err
	}

	if runtime.GOOS != "windows" {
		if err := os.Rename(metaPath+".new", metaPath); err != nil {
			return err
		}
	}

	return nil
}

func (q *Queue) readJobMeta(id string) (*JobMeta, error) {
	return readJobMetaFile(filepath.Join(q.location, id+".meta"))
}

func readJobMetaFile(path string) (*JobMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	meta := &JobMeta{}
	if err := json.NewDecoder(file).Decode(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (q *Queue) openJob(id string) (*JobMeta, *textproto.Header, buffer.Buffer, error) {
	meta, err := q.readJobMeta(id)
	if err != nil {
		return nil, nil, nil, err
	}

	if meta.MsgMeta == nil {
		return meta, nil, nil, nil
	}

	bodyPath := filepath.Join(q.location, id+".body")
	if _, err := os.Stat(bodyPath); err != nil {
		if os.IsNotExist(err) {
			q.tryRemoveDanglingFile(id + ".meta")
		}
		return nil, nil, nil, err
	}
	body := buffer.FileBuffer{Path: bodyPath}

	headerPath := filepath.Join(q.location, id+".header")
	headerFile, err := os.Open(headerPath)
	if err != nil {
		if os.IsNotExist(err) {
			q.tryRemoveDanglingFile(id + ".meta")
			q.tryRemoveDanglingFile(id + ".body")
		}
		return nil, nil, nil, err
	}
	defer headerFile.Close()

	header, err := textproto.ReadHeader(bufio.NewReader(headerFile))
	if err != nil {
		return nil, nil, nil, err
	}

	return meta, &header, body, nil
}

func (q *Queue) removeFromDisk(meta *JobMeta) {
	id := meta.ID
	dl := q.jobLogger(meta)

	// Order is important.
	// If header and body are removed but the meta file can't be removed
	// now - readDiskQueue will detect and report it.
	if meta.MsgMeta != nil {
		if err := os.Remove(filepath.Join(q.location, id+".header")); err != nil && !os.IsNotExist(err) {
			dl.Error("failed to remove header from disk", err)
		}
		if err := os.Remove(filepath.Join(q.location, id+".body")); err != nil && !os.IsNotExist(err) {
			dl.Error("failed to remove body from disk", err)
		}
	}
	if err := os.Remove(filepath.Join(q.location, id+".meta")); err != nil {
		dl.Error("failed to remove meta-data from disk", err)
	}
	dl.Debugf("removed job from disk")
}

// moveJobFiles relocates the job files to destDir, the meta file last so a
// crash mid-move leaves a job the startup scan still picks up.
func (q *Queue) moveJobFiles(id, destDir string) error {
	for _, suffix := range []string{".header", ".body"} {
		err := os.Rename(filepath.Join(q.location, id+suffix), filepath.Join(destDir, id+suffix))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(filepath.Join(q.location, id+".meta"), filepath.Join(destDir, id+".meta"))
}

func (q *Queue) tryRemoveDanglingFile(name string) {
	if err := os.Remove(filepath.Join(q.location, name)); err != nil {
		q.Log.Error("dangling file remove failed", err)
		return
	}
	q.Log.Printf("removed dangling file %s", name)
}

const (
	completedRetention = 24 * time.Hour
	brokenRetention    = 7 * 24 * time.Hour
)

func (q *Queue) janitor() {
	defer q.janitorWg.Done()

	t := time.NewTicker(q.cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-t.C:
			q.sweep()
		}
	}
}

// sweep drops terminal job files that outlived their retention: stored
// completed jobs and meta files set aside after a dispatch panic.
func (q *Queue) sweep() {
	now := time.Now()

	if entries, err := os.ReadDir(q.completedDir()); err == nil {
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < completedRetention {
				continue
			}
			if err := os.Remove(filepath.Join(q.completedDir(), e.Name())); err != nil {
				q.Log.Error("sweep", err, "name", e.Name())
			}
		}
	}

	entries, err := os.ReadDir(q.location)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta_broken") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < brokenRetention {
			continue
		}
		if err := os.Remove(filepath.Join(q.location, e.Name())); err != nil {
			q.Log.Error("sweep", err, "name", e.Name())
		}
	}
}
