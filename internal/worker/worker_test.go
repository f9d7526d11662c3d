package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rivora/studio-backend/internal/merge"
	"github.com/rivora/studio-backend/internal/models"
	"github.com/rivora/studio-backend/internal/sessions"
	"github.com/rivora/studio-backend/pkg/mailer"
	"github.com/rivora/studio-backend/pkg/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	session  *models.SessionWithHost // nil means not found
	writes   int
	lastSeen sessions.MergeResult
}

func (s *fakeStore) CompleteMerge(_ context.Context, id string, res sessions.MergeResult) (*models.SessionWithHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.ID != id {
		return nil, sessions.ErrSessionNotFound
	}
	s.writes++
	s.lastSeen = res
	s.session.MergedVideo = models.MergedVideo{Host: res.HostURL, Guest: res.GuestURL, FinalMerged: res.MergedURL}
	s.session.IsLive = false
	cp := *s.session
	return &cp, nil
}

type fakeProcessor struct {
	res merge.Result
	err error
}

func (p *fakeProcessor) ProcessSession(context.Context, string) (merge.Result, error) {
	return p.res, p.err
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) messages() []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mailer.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

type fakeBroker struct {
	mu        sync.Mutex
	job       *queue.Job // handed out by the next Dequeue, once
	acked     int
	failed    int
	retried   int
	unclaimed int
	lastErr   error
}

func (b *fakeBroker) Dequeue(context.Context, string, time.Duration) (*queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := b.job
	b.job = nil
	return j, nil
}
func (b *fakeBroker) Heartbeat(context.Context, string) error { return nil }
func (b *fakeBroker) Ack(_ context.Context, _ string, _ *queue.Job, _ any) error {
	b.mu.Lock()
	b.acked++
	b.mu.Unlock()
	return nil
}
func (b *fakeBroker) Fail(_ context.Context, _ string, _ *queue.Job, err error) error {
	b.mu.Lock()
	b.failed++
	b.lastErr = err
	b.mu.Unlock()
	return nil
}
func (b *fakeBroker) Retry(_ context.Context, _ string, _ *queue.Job, err error) error {
	b.mu.Lock()
	b.retried++
	b.lastErr = err
	b.mu.Unlock()
	return nil
}
func (b *fakeBroker) Unclaim(context.Context, string, *queue.Job) error {
	b.mu.Lock()
	b.unclaimed++
	b.mu.Unlock()
	return nil
}
func (b *fakeBroker) ReclaimStalled(context.Context) (int, error) { return 0, nil }

type allowAll struct{}

func (allowAll) Allow(context.Context) (bool, time.Duration, error) { return true, 0, nil }

// denyAndCancel refuses every slot and cancels the worker context on the first
// request, simulating a shutdown that lands between claim and start.
type denyAndCancel struct{ cancel context.CancelFunc }

func (d denyAndCancel) Allow(context.Context) (bool, time.Duration, error) {
	d.cancel()
	return false, time.Millisecond, nil
}

func hostedSession(id string) *models.SessionWithHost {
	return &models.SessionWithHost{
		Session: models.Session{ID: id, IsLive: true},
		Host:    &models.User{Email: "a@b.com", Name: "Alice"},
	}
}

func mergeJob(t *testing.T, sessionID string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.MergePayload{SessionID: sessionID})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: "job-1", Type: queue.JobTypeMergeSession, Payload: payload, CreatedAt: time.Now()}
}

func newTestWorker(store SessionStore, proc merge.Processor, mail mailer.Mailer, broker Broker) *MergeWorker {
	return NewMergeWorker(store, proc, mail, broker, allowAll{}, Config{
		FrontendBaseURL: "https://app.example.com",
		PollInterval:    10 * time.Millisecond,
	}, zap.NewNop())
}

func TestProcessMergesSessionAndNotifiesHost(t *testing.T) {
	store := &fakeStore{session: hostedSession("S1")}
	proc := &fakeProcessor{res: merge.Result{HostURL: "h", GuestURL: "g", MergedURL: "m"}}
	mail := &fakeMailer{}
	w := newTestWorker(store, proc, mail, &fakeBroker{})

	res, err := w.Process(context.Background(), mergeJob(t, "S1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res != (merge.Result{HostURL: "h", GuestURL: "g", MergedURL: "m"}) {
		t.Fatalf("unexpected result %+v", res)
	}

	if store.session.MergedVideo != (models.MergedVideo{Host: "h", Guest: "g", FinalMerged: "m"}) {
		t.Fatalf("session merged video = %+v", store.session.MergedVideo)
	}
	if store.session.IsLive {
		t.Fatal("session still live after merge")
	}

	msgs := mail.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d mails, want 1", len(msgs))
	}
	if msgs[0].To != "a@b.com" {
		t.Fatalf("mail to %q, want a@b.com", msgs[0].To)
	}
	if !strings.Contains(msgs[0].HTML, "https://app.example.com/my-studios/S1") {
		t.Fatalf("mail body missing session link: %s", msgs[0].HTML)
	}
	if !strings.Contains(msgs[0].HTML, "Alice") {
		t.Fatal("mail body missing host name")
	}
}

func TestProcessSessionNotFoundFailsWithoutWrites(t *testing.T) {
	store := &fakeStore{} // no session at all
	proc := &fakeProcessor{res: merge.Result{HostURL: "h", GuestURL: "g", MergedURL: "m"}}
	mail := &fakeMailer{}
	w := newTestWorker(store, proc, mail, &fakeBroker{})

	_, err := w.Process(context.Background(), mergeJob(t, "missing"))
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("err = %v, want session not found", err)
	}
	if !terminal(err) {
		t.Fatal("session-not-found should be terminal")
	}
	if store.writes != 0 {
		t.Fatalf("store modified %d times, want 0", store.writes)
	}
	if len(mail.messages()) != 0 {
		t.Fatal("no mail should be sent for a missing session")
	}
}

func TestProcessHostMissingFails(t *testing.T) {
	s := hostedSession("S1")
	s.Host = nil
	store := &fakeStore{session: s}
	proc := &fakeProcessor{res: merge.Result{HostURL: "h", GuestURL: "g", MergedURL: "m"}}
	w := newTestWorker(store, proc, &fakeMailer{}, &fakeBroker{})

	_, err := w.Process(context.Background(), mergeJob(t, "S1"))
	if !errors.Is(err, sessions.ErrHostNotFound) {
		t.Fatalf("err = %v, want host user not found", err)
	}
	if !terminal(err) {
		t.Fatal("host-not-found should be terminal")
	}
}

func TestProcessIdempotentRerunConverges(t *testing.T) {
	store := &fakeStore{session: hostedSession("S1")}
	proc := &fakeProcessor{res: merge.Result{HostURL: "h", GuestURL: "g", MergedURL: "m"}}
	mail := &fakeMailer{}
	w := newTestWorker(store, proc, mail, &fakeBroker{})

	// Simulate broker redelivery: same job processed twice.
	for i := 0; i < 2; i++ {
		if _, err := w.Process(context.Background(), mergeJob(t, "S1")); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	if store.session.MergedVideo != (models.MergedVideo{Host: "h", Guest: "g", FinalMerged: "m"}) {
		t.Fatalf("final merged video = %+v", store.session.MergedVideo)
	}
	if store.session.IsLive {
		t.Fatal("session live after rerun")
	}
	// Notification is at-least-once by design; a duplicate is acceptable.
	if n := len(mail.messages()); n != 2 {
		t.Fatalf("sent %d mails across two runs, want 2", n)
	}
}

func TestRunJobRoutesTerminalAndTransientErrors(t *testing.T) {
	tests := []struct {
		name        string
		store       *fakeStore
		procErr     error
		wantFailed  int
		wantRetried int
	}{
		{
			name:       "missing session fails terminally",
			store:      &fakeStore{},
			wantFailed: 1,
		},
		{
			name:        "merge routine error is retried",
			store:       &fakeStore{session: hostedSession("S1")},
			procErr:     errors.New("ffmpeg exploded"),
			wantRetried: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &fakeBroker{}
			proc := &fakeProcessor{res: merge.Result{HostURL: "h"}, err: tt.procErr}
			w := newTestWorker(tt.store, proc, &fakeMailer{}, broker)
			w.cfg.HeartbeatEvery = time.Millisecond
			w.cfg.RetryPause = time.Millisecond

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			w.runJob(ctx, mergeJob(t, "S1"))

			if broker.failed != tt.wantFailed {
				t.Fatalf("failed = %d, want %d", broker.failed, tt.wantFailed)
			}
			if broker.retried != tt.wantRetried {
				t.Fatalf("retried = %d, want %d", broker.retried, tt.wantRetried)
			}
		})
	}
}

func TestRunHandsBackUnstartedJobOnShutdown(t *testing.T) {
	job := mergeJob(t, "S1")
	broker := &fakeBroker{job: job}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewMergeWorker(&fakeStore{session: hostedSession("S1")}, &fakeProcessor{}, &fakeMailer{}, broker,
		denyAndCancel{cancel}, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.unclaimed != 1 {
		t.Fatalf("unclaimed = %d, want 1", broker.unclaimed)
	}
	if broker.retried != 0 || broker.failed != 0 {
		t.Fatalf("requeue consumed an attempt: retried=%d failed=%d", broker.retried, broker.failed)
	}
	if job.Attempt != 0 {
		t.Fatalf("attempt = %d after shutdown requeue, want 0", job.Attempt)
	}
}

func TestNotificationBodyDefaultsHostName(t *testing.T) {
	body, err := notificationBody("", "https://app.example.com/my-studios/S9")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "Hi <strong>Host</strong>") {
		t.Fatalf("body missing default greeting: %s", body)
	}
	if !strings.Contains(body, "/my-studios/S9") {
		t.Fatal("body missing session link")
	}
}

func TestSessionLinkTrimsTrailingSlash(t *testing.T) {
	if got := sessionLink("https://app.example.com/", "S1"); got != "https://app.example.com/my-studios/S1" {
		t.Fatalf("link = %q", got)
	}
}
