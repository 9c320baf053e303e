package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"guildbell/internal/domain/schedule"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func at(y int, m time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, m, d, h, mi, s, 0, time.UTC)
}

type scheduledRun struct {
	Job     string
	Payload []byte
	Opts    ScheduleOptions
}

type fakeScheduler struct {
	mu   sync.Mutex
	runs map[string]scheduledRun
	err  error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{runs: make(map[string]scheduledRun)}
}

func (s *fakeScheduler) Schedule(_ context.Context, jobName string, payload []byte, opts ScheduleOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if _, exists := s.runs[opts.IdempotencyKey]; exists {
		return "", ErrAlreadyScheduled
	}
	s.runs[opts.IdempotencyKey] = scheduledRun{Job: jobName, Payload: payload, Opts: opts}
	return opts.IdempotencyKey, nil
}

func (s *fakeScheduler) get(key string) (scheduledRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[key]
	return r, ok
}

func (s *fakeScheduler) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for k := range s.runs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type metaCall struct {
	Provider string
	EventID  string
	Meta     MessageMeta
}

type fakeLedger struct {
	mu          sync.Mutex
	entries     map[string]*LedgerEntry
	recordCalls int
	metaCalls   []metaCall
	recordErr   error
	lookupErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]*LedgerEntry)}
}

func ledgerKey(provider, eventID string) string { return provider + "|" + eventID }

func (l *fakeLedger) RecordIfNew(_ context.Context, e LedgerEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordCalls++
	if l.recordErr != nil {
		return false, l.recordErr
	}
	k := ledgerKey(e.Provider, e.EventID)
	if _, ok := l.entries[k]; ok {
		return false, nil
	}
	l.entries[k] = &e
	return true, nil
}

func (l *fakeLedger) Has(_ context.Context, provider, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return false, l.lookupErr
	}
	_, ok := l.entries[ledgerKey(provider, eventID)]
	return ok, nil
}

func (l *fakeLedger) SetMessageMeta(_ context.Context, provider, eventID string, meta MessageMeta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metaCalls = append(l.metaCalls, metaCall{Provider: provider, EventID: eventID, Meta: meta})
	k := ledgerKey(provider, eventID)
	e, ok := l.entries[k]
	if !ok {
		e = &LedgerEntry{Provider: provider, EventID: eventID}
		l.entries[k] = e
	}
	e.GuildID = meta.GuildID
	e.ChannelID = meta.ChannelID
	e.MessageID = meta.MessageID
	e.Forced = meta.Forced
	return nil
}

func (l *fakeLedger) GetOne(_ context.Context, provider, eventID string) (*LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return nil, l.lookupErr
	}
	e, ok := l.entries[ledgerKey(provider, eventID)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (l *fakeLedger) entry(provider, eventID string) *LedgerEntry {
	e, _ := l.GetOne(context.Background(), provider, eventID)
	return e
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []RunEntry
}

func (h *fakeHistory) Record(_ context.Context, e RunEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, job string, limit int) ([]RunEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []RunEntry
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if h.entries[i].Job == job {
			out = append(out, h.entries[i])
		}
	}
	return out, nil
}

func (h *fakeHistory) last() RunEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[len(h.entries)-1]
}

type sentCall struct {
	ChannelID string
	UserID    string
	Message   Message
}

type fakeDelivery struct {
	mu    sync.Mutex
	sent  []sentCall
	err   error
	seq   int
	failN int
}

func (d *fakeDelivery) send(call sentCall) (*SentMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.failN > 0 {
		d.failN--
		return nil, errBoom
	}
	d.seq++
	d.sent = append(d.sent, call)
	channelID := call.ChannelID
	if channelID == "" {
		channelID = "dm-" + call.UserID
	}
	return &SentMessage{ID: fmt.Sprintf("msg-%d", d.seq), ChannelID: channelID}, nil
}

func (d *fakeDelivery) SendChannelMessage(_ context.Context, channelID string, msg Message) (*SentMessage, error) {
	return d.send(sentCall{ChannelID: channelID, Message: msg})
}

func (d *fakeDelivery) SendDirectMessage(_ context.Context, userID string, msg Message) (*SentMessage, error) {
	return d.send(sentCall{UserID: userID, Message: msg})
}

func (d *fakeDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeRenderer struct{}

func (fakeRenderer) Render(kind MessageKind, custom string, data map[string]any) (string, error) {
	if custom == "{{bad" {
		return "", errors.New("unclosed action")
	}
	if custom != "" {
		return custom, nil
	}
	return fmt.Sprintf("%s %v", kind, data["Title"]), nil
}

type fakeBirthdayStore struct {
	mu       sync.Mutex
	byDate   map[string][]Birthday
	notified map[string]time.Time
}

func newFakeBirthdayStore(bs ...Birthday) *fakeBirthdayStore {
	s := &fakeBirthdayStore{byDate: make(map[string][]Birthday), notified: make(map[string]time.Time)}
	for _, b := range bs {
		k := fmt.Sprintf("%02d-%02d", b.Month, b.Day)
		s.byDate[k] = append(s.byDate[k], b)
	}
	return s
}

func (s *fakeBirthdayStore) BirthdaysOn(_ context.Context, month, day int) ([]Birthday, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Birthday(nil), s.byDate[fmt.Sprintf("%02d-%02d", month, day)]...), nil
}

func (s *fakeBirthdayStore) GetBirthday(_ context.Context, guildID, userID string) (*Birthday, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bs := range s.byDate {
		for _, b := range bs {
			if b.GuildID == guildID && b.UserID == userID {
				return &b, nil
			}
		}
	}
	return nil, nil
}

func (s *fakeBirthdayStore) MarkBirthdayNotified(_ context.Context, guildID, userID string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified[guildID+":"+userID] = when
	return nil
}

type rescheduleCall struct {
	Attempts      int
	NextAttemptAt time.Time
}

type fakeReminderStore struct {
	reminders   []Reminder
	removed     []string
	rescheduled map[string]rescheduleCall
}

func (s *fakeReminderStore) DueReminders(_ context.Context, now time.Time) ([]Reminder, error) {
	var out []Reminder
	for _, r := range s.reminders {
		if !r.RemindAt.After(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeReminderStore) RemoveReminder(_ context.Context, id string) error {
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeReminderStore) RescheduleReminder(_ context.Context, id string, attempts int, next time.Time) error {
	if s.rescheduled == nil {
		s.rescheduled = make(map[string]rescheduleCall)
	}
	s.rescheduled[id] = rescheduleCall{Attempts: attempts, NextAttemptAt: next}
	return nil
}

type fakeStreamStore struct {
	watches []StreamWatch
	cursors map[string]StreamCursor
}

func (s *fakeStreamStore) StreamWatches(context.Context) ([]StreamWatch, error) {
	return s.watches, nil
}

func (s *fakeStreamStore) UpdateStreamCursor(_ context.Context, id string, c StreamCursor) error {
	if s.cursors == nil {
		s.cursors = make(map[string]StreamCursor)
	}
	s.cursors[id] = c
	return nil
}

type fakeStreamSource struct {
	mu      sync.Mutex
	live    map[string]LiveStream
	failFor string
	batches [][]string
}

func (s *fakeStreamSource) LiveStreams(_ context.Context, accounts []string) (map[string]LiveStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, accounts)
	out := make(map[string]LiveStream)
	for _, a := range accounts {
		if a == s.failFor {
			return nil, errBoom
		}
		if ls, ok := s.live[a]; ok {
			out[a] = ls
		}
	}
	return out, nil
}

type fakeYouTubeStore struct {
	watches []YouTubeWatch
	cursors map[string]VideoCursor
}

func (s *fakeYouTubeStore) YouTubeWatches(context.Context) ([]YouTubeWatch, error) {
	return s.watches, nil
}

func (s *fakeYouTubeStore) UpdateYouTubeCursor(_ context.Context, id string, c VideoCursor) error {
	if s.cursors == nil {
		s.cursors = make(map[string]VideoCursor)
	}
	s.cursors[id] = c
	return nil
}

type fakeVideoSource struct {
	videos map[string][]Video
	err    error
}

func (s *fakeVideoSource) LatestVideos(_ context.Context, channelID string) ([]Video, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.videos[channelID], nil
}

type fakePatchStore struct {
	subs    []PatchSubscription
	cursors map[string]PatchCursor
}

func (s *fakePatchStore) PatchSubscriptions(context.Context) ([]PatchSubscription, error) {
	return s.subs, nil
}

func (s *fakePatchStore) UpdatePatchCursor(_ context.Context, id string, c PatchCursor) error {
	if s.cursors == nil {
		s.cursors = make(map[string]PatchCursor)
	}
	s.cursors[id] = c
	return nil
}

type fakePatchSource struct {
	notes map[string][]PatchNote
}

func (s *fakePatchSource) LatestNotes(_ context.Context, game string) ([]PatchNote, error) {
	return s.notes[game], nil
}

// stubJob is a recurring job whose behavior is supplied by the test.
type stubJob struct {
	name    string
	cadence schedule.Cadence
	run     func(ctx context.Context, inv Invocation) (Result, error)

	mu   sync.Mutex
	invs []Invocation
}

func (j *stubJob) Name() string              { return j.name }
func (j *stubJob) Cadence() schedule.Cadence { return j.cadence }

func (j *stubJob) Run(ctx context.Context, inv Invocation) (Result, error) {
	j.mu.Lock()
	j.invs = append(j.invs, inv)
	j.mu.Unlock()
	if j.run == nil {
		return Result{Processed: 1, Sent: 1}, nil
	}
	return j.run(ctx, inv)
}

func (j *stubJob) invocations() []Invocation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Invocation(nil), j.invs...)
}

// oneShotJob is a non-recurring job.
type oneShotJob struct {
	name string
	got  []byte
}

func (j *oneShotJob) Name() string { return j.name }

func (j *oneShotJob) Run(_ context.Context, inv Invocation) (Result, error) {
	j.got = inv.Payload
	return Result{Processed: 1}, nil
}

func runPayload(t testing.TB, boundary time.Time, force bool) []byte {
	data, err := NewRunPayload(RunPayload{Boundary: boundary, Force: force})
	require.NoError(t, err)
	return data
}

type harness struct {
	clock     fixedClock
	scheduler *fakeScheduler
	history   *fakeHistory
	ledger    *fakeLedger
	delivery  *fakeDelivery
	announcer *Announcer
	runner    *Runner
}

// useLedger points h at a ledger from an earlier run.
func (h *harness) useLedger(l *fakeLedger) {
	h.ledger = l
	h.announcer = NewAnnouncer(l, h.delivery)
}

func newHarness(now time.Time) *harness {
	h := &harness{
		clock:     fixedClock{t: now},
		scheduler: newFakeScheduler(),
		history:   &fakeHistory{},
		ledger:    newFakeLedger(),
		delivery:  &fakeDelivery{},
	}
	h.announcer = NewAnnouncer(h.ledger, h.delivery)
	h.runner = NewRunner(RunnerDeps{
		Scheduler: h.scheduler,
		History:   h.history,
		Clock:     h.clock,
		Location:  time.UTC,
	})
	return h
}
