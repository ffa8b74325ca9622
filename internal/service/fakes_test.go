package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/provider"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
)

// memoryNotificationRepo mirrors the PENDING-guarded semantics of the GORM repository.
type memoryNotificationRepo struct {
	mu     sync.Mutex
	rows   map[string]*domain.Notification
	nextID uint
	now    func() time.Time

	createErr  error
	listDueErr error
	existsErr  error
}

func newMemoryNotificationRepo(now func() time.Time) *memoryNotificationRepo {
	if now == nil {
		now = time.Now
	}
	return &memoryNotificationRepo{rows: make(map[string]*domain.Notification), now: now}
}

func (r *memoryNotificationRepo) seed(n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	n.ID = r.nextID
	if n.Status == "" {
		n.Status = domain.StatusPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	n.UpdatedAt = n.CreatedAt
	r.rows[n.NotificationID] = &n
}

func (r *memoryNotificationRepo) get(id string) domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return domain.Notification{}
	}
	return *n
}

func (r *memoryNotificationRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *memoryNotificationRepo) Create(_ context.Context, n *domain.Notification) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[n.NotificationID]; ok {
		return errors.New(`ERROR: duplicate key value violates unique constraint "idx_notification_queue_notification_id"`)
	}
	r.nextID++
	n.ID = r.nextID
	n.CreatedAt = r.now()
	n.UpdatedAt = n.CreatedAt
	copied := *n
	r.rows[n.NotificationID] = &copied
	return nil
}

func (r *memoryNotificationRepo) GetByNotificationID(_ context.Context, id string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *n
	return &copied, nil
}

func (r *memoryNotificationRepo) ExistsByNotificationID(_ context.Context, id string) (bool, error) {
	if r.existsErr != nil {
		return false, r.existsErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	return ok, nil
}

func (r *memoryNotificationRepo) ListDue(_ context.Context, now time.Time, maxRetries int, limit int) ([]domain.Notification, error) {
	if r.listDueErr != nil {
		return nil, r.listDueErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []domain.Notification
	for _, n := range r.rows {
		if n.Status == domain.StatusPending && !n.ScheduledFor.After(now) && n.RetryCount < maxRetries {
			due = append(due, *n)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memoryNotificationRepo) MarkSent(_ context.Context, id string, sentAt time.Time) error {
	return r.updatePending(id, func(n *domain.Notification) {
		n.Status = domain.StatusSent
		n.SentAt = &sentAt
	})
}

func (r *memoryNotificationRepo) MarkFailed(_ context.Context, id string, reason string) error {
	return r.updatePending(id, func(n *domain.Notification) {
		n.Status = domain.StatusFailed
		n.ErrorMessage = &reason
	})
}

func (r *memoryNotificationRepo) MarkSkipped(_ context.Context, id string, reason string) error {
	return r.updatePending(id, func(n *domain.Notification) {
		n.Status = domain.StatusSkipped
		n.ErrorMessage = &reason
	})
}

func (r *memoryNotificationRepo) RecordFailure(_ context.Context, id string, update repository.FailureUpdate) error {
	return r.updatePending(id, func(n *domain.Notification) {
		reason := update.ErrorMessage
		n.Status = update.Status
		n.RetryCount = update.RetryCount
		n.ErrorMessage = &reason
		if !update.ScheduledFor.IsZero() {
			n.ScheduledFor = update.ScheduledFor
		}
	})
}

func (r *memoryNotificationRepo) Reschedule(_ context.Context, id string, scheduledFor time.Time, reason string) error {
	return r.updatePending(id, func(n *domain.Notification) {
		n.ScheduledFor = scheduledFor
		n.ErrorMessage = &reason
	})
}

func (r *memoryNotificationRepo) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, n := range r.rows {
		if n.Status.IsTerminal() && n.CreatedAt.Before(cutoff) {
			delete(r.rows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memoryNotificationRepo) ExpirePendingBefore(_ context.Context, cutoff time.Time, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired int64
	for _, n := range r.rows {
		if n.Status == domain.StatusPending && n.CreatedAt.Before(cutoff) {
			msg := reason
			n.Status = domain.StatusFailed
			n.ErrorMessage = &msg
			expired++
		}
	}
	return expired, nil
}

func (r *memoryNotificationRepo) CountByStatus(_ context.Context) ([]repository.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[domain.Status]int64{}
	for _, n := range r.rows {
		counts[n.Status]++
	}
	out := make([]repository.StatusCount, 0, len(counts))
	for st, c := range counts {
		out = append(out, repository.StatusCount{Status: st, Count: c})
	}
	return out, nil
}

func (r *memoryNotificationRepo) updatePending(id string, mutate func(n *domain.Notification)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.Status != domain.StatusPending {
		return domain.ErrConflict
	}
	mutate(n)
	n.UpdatedAt = r.now()
	return nil
}

type settingsUpdate struct {
	fid     int64
	enabled bool
	token   *string
	url     *string
}

type fakeUserRepo struct {
	mu         sync.Mutex
	recipients map[int64]*domain.Recipient
	updates    []settingsUpdate

	getByFIDsFn      func(ctx context.Context, fids []int64) (map[int64]*domain.Recipient, error)
	listNotifiableFn func(ctx context.Context, afterFID int64, limit int) ([]domain.Recipient, error)
}

func newFakeUserRepo(recipients ...domain.Recipient) *fakeUserRepo {
	repo := &fakeUserRepo{recipients: make(map[int64]*domain.Recipient)}
	for i := range recipients {
		r := recipients[i]
		repo.recipients[r.FID] = &r
	}
	return repo
}

func (f *fakeUserRepo) GetByFID(_ context.Context, fid int64) (*domain.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[fid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (f *fakeUserRepo) GetByFIDs(ctx context.Context, fids []int64) (map[int64]*domain.Recipient, error) {
	if f.getByFIDsFn != nil {
		return f.getByFIDsFn(ctx, fids)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]*domain.Recipient, len(fids))
	for _, fid := range fids {
		if r, ok := f.recipients[fid]; ok {
			copied := *r
			out[fid] = &copied
		}
	}
	return out, nil
}

func (f *fakeUserRepo) UpdateNotificationSettings(_ context.Context, fid int64, enabled bool, token *string, url *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[fid]
	if !ok {
		return domain.ErrNotFound
	}
	r.NotificationsEnabled = enabled
	r.NotificationToken = token
	r.NotificationURL = url
	f.updates = append(f.updates, settingsUpdate{fid: fid, enabled: enabled, token: token, url: url})
	return nil
}

func (f *fakeUserRepo) ListNotifiable(ctx context.Context, afterFID int64, limit int) ([]domain.Recipient, error) {
	if f.listNotifiableFn != nil {
		return f.listNotifiableFn(ctx, afterFID, limit)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Recipient
	for _, r := range f.recipients {
		if r.FID > afterFID && r.Deliverable() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FID < out[j].FID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type deliveryCall struct {
	destination string
	messages    []provider.Message
}

type fakeDeliveryClient struct {
	mu        sync.Mutex
	calls     []deliveryCall
	deliverFn func(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error)
}

func (f *fakeDeliveryClient) Deliver(ctx context.Context, destination string, messages []provider.Message) (domain.DeliveryResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, deliveryCall{destination: destination, messages: append([]provider.Message(nil), messages...)})
	f.mu.Unlock()

	if f.deliverFn != nil {
		return f.deliverFn(ctx, destination, messages)
	}
	result := make(domain.DeliveryResult, len(messages))
	for _, m := range messages {
		result[m.NotificationID] = domain.Sent()
	}
	return result, nil
}

func (f *fakeDeliveryClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRateLimiter struct {
	tryAdmitFn func(ctx context.Context, key string, count int) (bool, error)
}

func (f *fakeRateLimiter) TryAdmit(ctx context.Context, key string, count int) (bool, error) {
	if f.tryAdmitFn != nil {
		return f.tryAdmitFn(ctx, key, count)
	}
	return true, nil
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
	createFn func(ctx context.Context, a *domain.DeliveryAttempt) error
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, a)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) GetByNotificationID(_ context.Context, id string) ([]domain.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range f.attempts {
		if a.NotificationID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeDispatchRunRepo struct {
	mu   sync.Mutex
	runs []domain.DispatchRun
}

func (f *fakeDispatchRunRepo) Create(_ context.Context, run *domain.DispatchRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeDispatchRunRepo) Latest(_ context.Context) (*domain.DispatchRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil, domain.ErrNotFound
	}
	latest := f.runs[len(f.runs)-1]
	return &latest, nil
}

type fakeRunGuard struct {
	tryAcquireFn func(ctx context.Context) (func(), bool, error)
}

func (f *fakeRunGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	return f.tryAcquireFn(ctx)
}

type fakeRenewableRunGuard struct {
	mu       sync.Mutex
	renewFn  func(call int) (bool, error)
	renews   int
	releases int
}

func (f *fakeRenewableRunGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.releases++
	}, true, nil
}

func (f *fakeRenewableRunGuard) Renew(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.renews++
	call := f.renews
	f.mu.Unlock()
	return f.renewFn(call)
}

func (f *fakeRenewableRunGuard) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

func (f *fakeRenewableRunGuard) released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases == 1
}

func strPtr(s string) *string { return &s }

func deliverableRecipient(fid int64, url string) domain.Recipient {
	return domain.Recipient{
		FID:                  fid,
		NotificationsEnabled: true,
		NotificationToken:    strPtr("tok-" + url),
		NotificationURL:      strPtr(url),
	}
}
