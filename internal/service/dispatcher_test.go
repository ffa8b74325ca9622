package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/provider"
	"github.com/kursadbilgin/signal-notifier/internal/ratelimit"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	urlA = "https://api.client-a.example/notify"
	urlB = "https://api.client-b.example/notify"
)

func newTestDispatcher(
	t *testing.T,
	repo *memoryNotificationRepo,
	users *fakeUserRepo,
	client provider.DeliveryClient,
	limiter ratelimit.RateLimiter,
	cfg DispatcherConfig,
) *Dispatcher {
	t.Helper()

	if limiter == nil {
		limiter = &fakeRateLimiter{}
	}
	d, err := NewDispatcher(repo, users, client, limiter, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	d.now = func() time.Time { return testNow }
	d.randIntn = func(n int) int { return 0 }
	return d
}

func enabledConfig() DispatcherConfig {
	return DispatcherConfig{
		Enabled:          true,
		MaxRetries:       3,
		BatchSize:        50,
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffMax:  15 * time.Minute,
	}
}

func pendingNotification(id string, userID int64) domain.Notification {
	return domain.Notification{
		NotificationID: id,
		UserID:         userID,
		Type:           domain.TypeDailyReminder,
		Title:          "Daily",
		Body:           "gm",
		TargetURL:      "https://sigil.app/calls",
		ScheduledFor:   testNow.Add(-time.Minute),
		Status:         domain.StatusPending,
	}
}

func TestDispatcherRunDeliversWelcome(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	welcome := pendingNotification("welcome:42", 42)
	welcome.Type = domain.TypeWelcome
	repo.seed(welcome)

	users := newFakeUserRepo(deliverableRecipient(42, urlA))
	client := &fakeDeliveryClient{}
	attempts := &fakeAttemptRepo{}
	runs := &fakeDispatchRunRepo{}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.SetJournal(attempts, runs)

	if d.LastRunAt() != nil {
		t.Fatal("LastRunAt() should be nil before the first run")
	}

	d.Run(context.Background())

	got := repo.get("welcome:42")
	if got.Status != domain.StatusSent {
		t.Fatalf("status = %s, want SENT", got.Status)
	}
	if got.SentAt == nil || !got.SentAt.Equal(testNow) {
		t.Fatalf("sentAt = %v, want %v", got.SentAt, testNow)
	}

	if client.callCount() != 1 {
		t.Fatalf("delivery calls = %d, want 1", client.callCount())
	}
	call := client.calls[0]
	if call.destination != urlA {
		t.Fatalf("destination = %q, want %q", call.destination, urlA)
	}
	if len(call.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(call.messages))
	}
	msg := call.messages[0]
	if msg.NotificationID != "welcome:42" || msg.Token != "tok-"+urlA || msg.TargetURL != "https://sigil.app/calls" {
		t.Fatalf("message = %+v", msg)
	}

	if len(attempts.attempts) != 1 || attempts.attempts[0].Outcome != domain.StatusSent || attempts.attempts[0].AttemptNumber != 1 {
		t.Fatalf("attempts = %+v", attempts.attempts)
	}
	if len(runs.runs) != 1 || runs.runs[0].Selected != 1 || runs.runs[0].Sent != 1 {
		t.Fatalf("runs = %+v", runs.runs)
	}
	if last := d.LastRunAt(); last == nil || !last.Equal(testNow) {
		t.Fatalf("LastRunAt() = %v, want %v", last, testNow)
	}
}

func TestDispatcherRunTransportFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	for i := int64(1); i <= 3; i++ {
		repo.seed(pendingNotification(fmt.Sprintf("n-%d", i), i))
	}
	users := newFakeUserRepo(
		deliverableRecipient(1, urlA),
		deliverableRecipient(2, urlA),
		deliverableRecipient(3, urlA),
	)
	client := &fakeDeliveryClient{
		deliverFn: func(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error) {
			return nil, &provider.ProviderError{
				StatusCode: http.StatusInternalServerError,
				Message:    "HTTP 500: Internal Server Error",
				Transient:  true,
			}
		},
	}
	attempts := &fakeAttemptRepo{}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.SetJournal(attempts, nil)
	d.Run(context.Background())

	for i := 1; i <= 3; i++ {
		got := repo.get(fmt.Sprintf("n-%d", i))
		if got.Status != domain.StatusPending {
			t.Fatalf("n-%d status = %s, want PENDING", i, got.Status)
		}
		if got.RetryCount != 1 {
			t.Fatalf("n-%d retryCount = %d, want 1", i, got.RetryCount)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != "HTTP 500: Internal Server Error" {
			t.Fatalf("n-%d errorMessage = %v", i, got.ErrorMessage)
		}
		if want := testNow.Add(30 * time.Second); !got.ScheduledFor.Equal(want) {
			t.Fatalf("n-%d scheduledFor = %v, want %v", i, got.ScheduledFor, want)
		}
	}

	if len(attempts.attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts.attempts))
	}
	if code := attempts.attempts[0].StatusCode; code == nil || *code != http.StatusInternalServerError {
		t.Fatalf("attempt status code = %v, want 500", code)
	}
}

func TestDispatcherRunImmediateRetryWithoutBackoff(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	original := pendingNotification("n-1", 1)
	repo.seed(original)
	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	client := &fakeDeliveryClient{
		deliverFn: func(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error) {
			return domain.DeliveryResult{"n-1": domain.Failed("invalid token")}, nil
		},
	}

	cfg := enabledConfig()
	cfg.RetryBackoffBase = 0
	d := newTestDispatcher(t, repo, users, client, nil, cfg)
	d.Run(context.Background())

	got := repo.get("n-1")
	if got.RetryCount != 1 || got.Status != domain.StatusPending {
		t.Fatalf("got = %+v, want pending with retryCount 1", got)
	}
	if !got.ScheduledFor.Equal(original.ScheduledFor) {
		t.Fatalf("scheduledFor = %v, want unchanged %v", got.ScheduledFor, original.ScheduledFor)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "invalid token" {
		t.Fatalf("errorMessage = %v, want invalid token", got.ErrorMessage)
	}
}

func TestDispatcherRunRetryCap(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	last := pendingNotification("last-try", 1)
	last.RetryCount = 2
	repo.seed(last)
	exhausted := pendingNotification("exhausted", 1)
	exhausted.RetryCount = 3
	repo.seed(exhausted)

	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	client := &fakeDeliveryClient{
		deliverFn: func(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error) {
			for _, m := range messages {
				if m.NotificationID == "exhausted" {
					t.Errorf("entry at the retry cap must not be selected")
				}
			}
			return domain.DeliveryResult{"last-try": domain.Failed("invalid token")}, nil
		},
	}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.Run(context.Background())

	got := repo.get("last-try")
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", got.RetryCount)
	}
	if repo.get("exhausted").Status != domain.StatusPending {
		t.Fatal("entry at the cap must be left untouched")
	}
}

func TestDispatcherRunMissingResultIsFailure(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("reported", 1))
	repo.seed(pendingNotification("silent", 2))
	users := newFakeUserRepo(deliverableRecipient(1, urlA), deliverableRecipient(2, urlA))
	client := &fakeDeliveryClient{
		deliverFn: func(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error) {
			return domain.DeliveryResult{"reported": domain.Sent()}, nil
		},
	}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.Run(context.Background())

	if repo.get("reported").Status != domain.StatusSent {
		t.Fatal("reported entry should be SENT")
	}
	silent := repo.get("silent")
	if silent.Status != domain.StatusPending || silent.RetryCount != 1 {
		t.Fatalf("silent = %+v, want pending retry", silent)
	}
	if silent.ErrorMessage == nil || *silent.ErrorMessage != domain.ReasonNoResult {
		t.Fatalf("errorMessage = %v, want %q", silent.ErrorMessage, domain.ReasonNoResult)
	}
}

func TestDispatcherRunRateLimitIsAllOrNothing(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	var recipients []domain.Recipient
	for i := int64(1); i <= 10; i++ {
		repo.seed(pendingNotification(fmt.Sprintf("n-%d", i), i))
		recipients = append(recipients, deliverableRecipient(i, urlA))
	}
	users := newFakeUserRepo(recipients...)
	client := &fakeDeliveryClient{}

	limiter := ratelimit.NewSlidingWindow(100, time.Minute)
	admitted, err := limiter.TryAdmit(context.Background(), urlA, 95)
	if err != nil || !admitted {
		t.Fatalf("pre-fill TryAdmit() = %v, %v", admitted, err)
	}

	d := newTestDispatcher(t, repo, users, client, limiter, enabledConfig())
	d.Run(context.Background())

	if client.callCount() != 0 {
		t.Fatalf("delivery calls = %d, want 0", client.callCount())
	}
	for i := 1; i <= 10; i++ {
		got := repo.get(fmt.Sprintf("n-%d", i))
		if got.Status != domain.StatusSkipped {
			t.Fatalf("n-%d status = %s, want SKIPPED", i, got.Status)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != ReasonRateLimited {
			t.Fatalf("n-%d errorMessage = %v", i, got.ErrorMessage)
		}
	}
	if occ := limiter.Occupancy(urlA); occ != 95 {
		t.Fatalf("occupancy = %d, want 95", occ)
	}
}

func TestDispatcherRunRateLimitDefer(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("n-1", 1))
	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	limiter := &fakeRateLimiter{
		tryAdmitFn: func(ctx context.Context, key string, count int) (bool, error) {
			return false, nil
		},
	}

	cfg := enabledConfig()
	cfg.DeferOnRateLimit = true
	cfg.DeferWindow = time.Minute
	runs := &fakeDispatchRunRepo{}

	d := newTestDispatcher(t, repo, users, &fakeDeliveryClient{}, limiter, cfg)
	d.SetJournal(nil, runs)
	d.Run(context.Background())

	got := repo.get("n-1")
	if got.Status != domain.StatusPending || got.RetryCount != 0 {
		t.Fatalf("got = %+v, want pending without retry", got)
	}
	if want := testNow.Add(time.Minute); !got.ScheduledFor.Equal(want) {
		t.Fatalf("scheduledFor = %v, want %v", got.ScheduledFor, want)
	}
	if len(runs.runs) != 1 || runs.runs[0].Deferred != 1 {
		t.Fatalf("runs = %+v", runs.runs)
	}
}

func TestDispatcherRunLimiterErrorFailsGroup(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("n-1", 1))
	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	client := &fakeDeliveryClient{}
	limiter := &fakeRateLimiter{
		tryAdmitFn: func(ctx context.Context, key string, count int) (bool, error) {
			return false, errors.New("redis down")
		},
	}

	d := newTestDispatcher(t, repo, users, client, limiter, enabledConfig())
	d.Run(context.Background())

	if client.callCount() != 0 {
		t.Fatal("delivery must not run when the limiter errors")
	}
	got := repo.get("n-1")
	if got.Status != domain.StatusPending || got.RetryCount != 1 {
		t.Fatalf("got = %+v, want pending retry", got)
	}
}

func TestDispatcherRunGroupsByDestination(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	first := pendingNotification("a-1", 1)
	first.ScheduledFor = testNow.Add(-3 * time.Minute)
	second := pendingNotification("b-1", 2)
	second.ScheduledFor = testNow.Add(-2 * time.Minute)
	third := pendingNotification("a-2", 3)
	third.ScheduledFor = testNow.Add(-time.Minute)
	repo.seed(first)
	repo.seed(second)
	repo.seed(third)

	users := newFakeUserRepo(
		deliverableRecipient(1, urlA),
		deliverableRecipient(2, urlB),
		deliverableRecipient(3, urlA),
	)
	client := &fakeDeliveryClient{}
	admitted := map[string]int{}
	limiter := &fakeRateLimiter{
		tryAdmitFn: func(ctx context.Context, key string, count int) (bool, error) {
			admitted[key] += count
			return true, nil
		},
	}

	d := newTestDispatcher(t, repo, users, client, limiter, enabledConfig())
	d.Run(context.Background())

	if client.callCount() != 2 {
		t.Fatalf("delivery calls = %d, want 2", client.callCount())
	}
	if client.calls[0].destination != urlA || client.calls[1].destination != urlB {
		t.Fatalf("destinations = %q, %q", client.calls[0].destination, client.calls[1].destination)
	}

	gotA := client.calls[0].messages
	if len(gotA) != 2 || gotA[0].NotificationID != "a-1" || gotA[1].NotificationID != "a-2" {
		t.Fatalf("group A = %+v", gotA)
	}
	if gotA[1].Token != "tok-"+urlA {
		t.Fatalf("group A token = %q", gotA[1].Token)
	}
	gotB := client.calls[1].messages
	if len(gotB) != 1 || gotB[0].NotificationID != "b-1" {
		t.Fatalf("group B = %+v", gotB)
	}

	if admitted[urlA] != 2 || admitted[urlB] != 1 {
		t.Fatalf("admitted = %v", admitted)
	}
}

func TestDispatcherRunUndeliverableRecipients(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("missing-user", 1))
	repo.seed(pendingNotification("disabled-user", 2))
	retried := pendingNotification("no-url", 3)
	retried.RetryCount = 2
	repo.seed(retried)

	disabled := deliverableRecipient(2, urlA)
	disabled.NotificationsEnabled = false
	users := newFakeUserRepo(
		disabled,
		domain.Recipient{FID: 3, NotificationsEnabled: true, NotificationToken: strPtr("tok")},
	)
	client := &fakeDeliveryClient{}
	runs := &fakeDispatchRunRepo{}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.SetJournal(nil, runs)
	d.Run(context.Background())

	if client.callCount() != 0 {
		t.Fatalf("delivery calls = %d, want 0", client.callCount())
	}
	wantRetryCount := map[string]int{"missing-user": 0, "disabled-user": 0, "no-url": 2}
	for id, wantRetries := range wantRetryCount {
		got := repo.get(id)
		if got.Status != domain.StatusFailed {
			t.Fatalf("%s status = %s, want FAILED", id, got.Status)
		}
		if got.RetryCount != wantRetries {
			t.Fatalf("%s retryCount = %d, want unchanged %d", id, got.RetryCount, wantRetries)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage != ReasonUndeliverable {
			t.Fatalf("%s errorMessage = %v", id, got.ErrorMessage)
		}
	}
	if len(runs.runs) != 1 || runs.runs[0].Undeliverable != 3 {
		t.Fatalf("runs = %+v", runs.runs)
	}
}

func TestDispatcherRunDisabledDoesNothing(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("n-1", 1))
	repo.listDueErr = errors.New("store must not be queried")
	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	client := &fakeDeliveryClient{}

	cfg := enabledConfig()
	cfg.Enabled = false
	d := newTestDispatcher(t, repo, users, client, nil, cfg)
	d.Run(context.Background())

	if client.callCount() != 0 {
		t.Fatal("disabled dispatcher must not deliver")
	}
	if d.LastRunAt() != nil {
		t.Fatal("disabled dispatcher must not record a run")
	}
	if repo.get("n-1").Status != domain.StatusPending {
		t.Fatal("disabled dispatcher must not touch rows")
	}
}

func TestDispatcherRunIsNotReentrant(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("n-1", 1))
	users := newFakeUserRepo(deliverableRecipient(1, urlA))

	entered := make(chan struct{})
	release := make(chan struct{})
	client := &fakeDeliveryClient{
		deliverFn: func(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error) {
			close(entered)
			<-release
			return domain.DeliveryResult{"n-1": domain.Sent()}, nil
		},
	}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()
	<-entered

	// The overlapping call must return without selecting or delivering anything.
	d.Run(context.Background())
	if client.callCount() != 1 {
		t.Fatalf("delivery calls = %d, want 1", client.callCount())
	}

	close(release)
	<-done

	if repo.get("n-1").Status != domain.StatusSent {
		t.Fatal("first run should complete delivery")
	}
}

func TestDispatcherRunReleasesGuardAfterSelectionError(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("n-1", 1))
	repo.listDueErr = errors.New("connection reset")
	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	client := &fakeDeliveryClient{}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.Run(context.Background())

	if client.callCount() != 0 {
		t.Fatal("failed selection must abort the run")
	}

	repo.mu.Lock()
	repo.listDueErr = nil
	repo.mu.Unlock()

	d.Run(context.Background())
	if repo.get("n-1").Status != domain.StatusSent {
		t.Fatal("guard should be released after an aborted run")
	}
}

func TestDispatcherRunSharedGuard(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		acquire    func(ctx context.Context) (func(), bool, error)
		wantCalls  int
		wantStatus domain.Status
	}{
		{
			name: "held elsewhere",
			acquire: func(ctx context.Context) (func(), bool, error) {
				return nil, false, nil
			},
			wantCalls:  0,
			wantStatus: domain.StatusPending,
		},
		{
			name: "backend error",
			acquire: func(ctx context.Context) (func(), bool, error) {
				return nil, false, errors.New("redis down")
			},
			wantCalls:  0,
			wantStatus: domain.StatusPending,
		},
		{
			name: "acquired",
			acquire: func(ctx context.Context) (func(), bool, error) {
				return func() {}, true, nil
			},
			wantCalls:  1,
			wantStatus: domain.StatusSent,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := newMemoryNotificationRepo(func() time.Time { return testNow })
			repo.seed(pendingNotification("n-1", 1))
			users := newFakeUserRepo(deliverableRecipient(1, urlA))
			client := &fakeDeliveryClient{}

			d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
			d.SetSharedGuard(&fakeRunGuard{tryAcquireFn: tc.acquire})
			d.Run(context.Background())

			if client.callCount() != tc.wantCalls {
				t.Fatalf("delivery calls = %d, want %d", client.callCount(), tc.wantCalls)
			}
			if got := repo.get("n-1").Status; got != tc.wantStatus {
				t.Fatalf("status = %s, want %s", got, tc.wantStatus)
			}
		})
	}
}

func TestDispatcherComputeRetryDelay(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, newMemoryNotificationRepo(nil), newFakeUserRepo(), &fakeDeliveryClient{}, nil, DispatcherConfig{
		Enabled:          true,
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffMax:  2 * time.Minute,
	})

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 30 * time.Second},
		{attempt: 1, want: 30 * time.Second},
		{attempt: 2, want: time.Minute},
		{attempt: 3, want: 2 * time.Minute},
		{attempt: 10, want: 2 * time.Minute},
	}
	for _, tc := range testCases {
		if got := d.computeRetryDelay(tc.attempt); got != tc.want {
			t.Fatalf("computeRetryDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}

	d.randIntn = func(n int) int { return n - 1 }
	if got := d.computeRetryDelay(1); got != 30*time.Second+maxRetryJitterMillis*time.Millisecond {
		t.Fatalf("computeRetryDelay with jitter = %s", got)
	}

	d.cfg.RetryBackoffBase = 0
	if got := d.computeRetryDelay(3); got != 0 {
		t.Fatalf("computeRetryDelay without base = %s, want 0", got)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(nil)
	users := newFakeUserRepo()
	client := &fakeDeliveryClient{}
	limiter := &fakeRateLimiter{}

	if _, err := NewDispatcher(nil, users, client, limiter, DispatcherConfig{}, nil); err == nil {
		t.Fatal("expected error for nil notification repository")
	}
	if _, err := NewDispatcher(repo, nil, client, limiter, DispatcherConfig{}, nil); err == nil {
		t.Fatal("expected error for nil user repository")
	}
	if _, err := NewDispatcher(repo, users, nil, limiter, DispatcherConfig{}, nil); err == nil {
		t.Fatal("expected error for nil delivery client")
	}
	if _, err := NewDispatcher(repo, users, client, nil, DispatcherConfig{}, nil); err == nil {
		t.Fatal("expected error for nil rate limiter")
	}

	d, err := NewDispatcher(repo, users, client, limiter, DispatcherConfig{}, nil)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	if d.cfg.MaxRetries != defaultMaxRetries || d.cfg.BatchSize != defaultBatchSize {
		t.Fatalf("defaults = %+v", d.cfg)
	}
}

func TestDispatcherRunStopsWhenSharedLeaseIsLost(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		renewFn func(call int) (bool, error)
		wantA   domain.Status
	}{
		{
			name: "lease lost after first group",
			renewFn: func(call int) (bool, error) {
				return call == 1, nil
			},
			wantA: domain.StatusSent,
		},
		{
			name: "renew error before first group",
			renewFn: func(call int) (bool, error) {
				return false, errors.New("redis down")
			},
			wantA: domain.StatusPending,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := newMemoryNotificationRepo(func() time.Time { return testNow })
			first := pendingNotification("a-1", 1)
			first.ScheduledFor = testNow.Add(-2 * time.Minute)
			repo.seed(first)
			repo.seed(pendingNotification("b-1", 2))

			users := newFakeUserRepo(deliverableRecipient(1, urlA), deliverableRecipient(2, urlB))
			client := &fakeDeliveryClient{}
			guard := &fakeRenewableRunGuard{renewFn: tc.renewFn}

			d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
			d.SetSharedGuard(guard)
			d.Run(context.Background())

			if got := repo.get("a-1").Status; got != tc.wantA {
				t.Fatalf("a-1 status = %s, want %s", got, tc.wantA)
			}
			if got := repo.get("b-1"); got.Status != domain.StatusPending || got.RetryCount != 0 {
				t.Fatalf("b-1 = %s/%d, want untouched PENDING", got.Status, got.RetryCount)
			}
			for _, call := range client.calls {
				if call.destination == urlB {
					t.Fatal("group processed after the lease was lost")
				}
			}
			if !guard.released() {
				t.Fatal("shared guard should be released")
			}
		})
	}
}

func TestDispatcherRunRenewsSharedLeasePerGroup(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("a-1", 1))
	repo.seed(pendingNotification("b-1", 2))

	users := newFakeUserRepo(deliverableRecipient(1, urlA), deliverableRecipient(2, urlB))
	client := &fakeDeliveryClient{}
	guard := &fakeRenewableRunGuard{renewFn: func(call int) (bool, error) { return true, nil }}

	d := newTestDispatcher(t, repo, users, client, nil, enabledConfig())
	d.SetSharedGuard(guard)
	d.Run(context.Background())

	if client.callCount() != 2 {
		t.Fatalf("delivery calls = %d, want 2", client.callCount())
	}
	if got := guard.renewCount(); got != 2 {
		t.Fatalf("renew calls = %d, want 2", got)
	}
}

func TestDispatcherRunRecordsCompletionTime(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	repo.seed(pendingNotification("n-1", 1))
	users := newFakeUserRepo(deliverableRecipient(1, urlA))
	runs := &fakeDispatchRunRepo{}

	d := newTestDispatcher(t, repo, users, &fakeDeliveryClient{}, nil, enabledConfig())
	d.SetJournal(nil, runs)

	var (
		mu    sync.Mutex
		ticks int
		last  time.Time
	)
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		last = testNow.Add(time.Duration(ticks) * time.Second)
		return last
	}

	d.Run(context.Background())

	if len(runs.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs.runs))
	}
	lastRunAt := d.LastRunAt()
	if lastRunAt == nil {
		t.Fatal("LastRunAt() should be set after a run")
	}
	if !lastRunAt.Equal(last) {
		t.Fatalf("LastRunAt() = %v, want completion time %v", lastRunAt, last)
	}
	if !lastRunAt.After(runs.runs[0].StartedAt) {
		t.Fatalf("LastRunAt() = %v, want after run start %v", lastRunAt, runs.runs[0].StartedAt)
	}
}

func TestDispatcherRunReportsMetrics(t *testing.T) {
	t.Parallel()

	repo := newMemoryNotificationRepo(func() time.Time { return testNow })
	welcome := pendingNotification("welcome:1", 1)
	welcome.Type = domain.TypeWelcome
	repo.seed(welcome)
	repo.seed(pendingNotification("n-2", 2))
	users := newFakeUserRepo(deliverableRecipient(1, urlA))

	metrics := observability.NewMetrics()
	d := newTestDispatcher(t, repo, users, &fakeDeliveryClient{}, nil, enabledConfig())
	d.SetMetrics(metrics)
	d.Run(context.Background())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`signal_notifier_notifications_sent_total{type="welcome"} 1`,
		`signal_notifier_notifications_failed_total{reason="undeliverable",type="daily_reminder"} 1`,
		`signal_notifier_dispatch_runs_total{outcome="completed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
