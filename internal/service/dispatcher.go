package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/provider"
	"github.com/kursadbilgin/signal-notifier/internal/ratelimit"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries    = 3
	defaultBatchSize     = 50
	defaultDeferWindow   = time.Minute
	maxRetryJitterMillis = 250

	ReasonUndeliverable = "user not found or missing notification URL"
	ReasonRateLimited   = "rate limit exceeded"
)

type DispatcherConfig struct {
	Enabled    bool
	MaxRetries int
	BatchSize  int
	// DeferOnRateLimit keeps rejected groups PENDING and pushes them one window ahead
	// instead of skipping them.
	DeferOnRateLimit bool
	DeferWindow      time.Duration
	// RetryBackoffBase of zero makes failed entries eligible again on the next tick.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// Dispatcher drains due notifications from the queue, one destination batch at a time.
type Dispatcher struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	attempts      repository.AttemptRepository
	runs          repository.DispatchRunRepository
	client        provider.DeliveryClient
	limiter       ratelimit.RateLimiter
	localGuard    *LocalRunGuard
	sharedGuard   RunGuard
	cfg           DispatcherConfig
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	randIntn      func(n int) int

	mu        sync.RWMutex
	lastRunAt *time.Time
}

type destinationGroup struct {
	destination string
	entries     []dueEntry
}

type dueEntry struct {
	notification domain.Notification
	recipient    *domain.Recipient
}

func NewDispatcher(
	notifications repository.NotificationRepository,
	users repository.UserRepository,
	client provider.DeliveryClient,
	limiter ratelimit.RateLimiter,
	cfg DispatcherConfig,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if notifications == nil {
		return nil, errors.New("notification repository is required")
	}
	if users == nil {
		return nil, errors.New("user repository is required")
	}
	if client == nil {
		return nil, errors.New("delivery client is required")
	}
	if limiter == nil {
		return nil, errors.New("rate limiter is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.DeferWindow <= 0 {
		cfg.DeferWindow = defaultDeferWindow
	}
	if cfg.RetryBackoffBase < 0 {
		cfg.RetryBackoffBase = 0
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoffBase {
		cfg.RetryBackoffMax = cfg.RetryBackoffBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		notifications: notifications,
		users:         users,
		client:        client,
		limiter:       limiter,
		localGuard:    NewLocalRunGuard(),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		randIntn:      rand.Intn,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// SetJournal enables the attempt audit trail and the per-tick run journal.
func (d *Dispatcher) SetJournal(attempts repository.AttemptRepository, runs repository.DispatchRunRepository) {
	if d == nil {
		return
	}
	d.attempts = attempts
	d.runs = runs
}

// SetSharedGuard adds a cross-process guard that is taken after the local one.
func (d *Dispatcher) SetSharedGuard(guard RunGuard) {
	if d == nil {
		return
	}
	d.sharedGuard = guard
}

func (d *Dispatcher) Enabled() bool {
	return d.cfg.Enabled
}

// LastRunAt returns the start time of the most recent tick that passed the guards.
func (d *Dispatcher) LastRunAt() *time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastRunAt == nil {
		return nil
	}
	value := *d.lastRunAt
	return &value
}

// Run processes one tick. Overlapping calls return immediately.
func (d *Dispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	releaseLocal, ok, _ := d.localGuard.TryAcquire(ctx)
	if !ok {
		d.logger.Debug("dispatch run already in progress")
		d.incRun("overlap")
		return
	}
	defer releaseLocal()

	if d.sharedGuard != nil {
		releaseShared, ok, err := d.sharedGuard.TryAcquire(ctx)
		if err != nil {
			d.logger.Error("failed to acquire dispatch lock", zap.Error(err))
			d.incRun("error")
			return
		}
		if !ok {
			d.logger.Debug("dispatch run held by another instance")
			d.incRun("overlap")
			return
		}
		defer releaseShared()
	}

	if !d.cfg.Enabled {
		d.incRun("disabled")
		return
	}

	defer func() { d.setLastRunAt(d.now().UTC()) }()

	startedAt := d.now().UTC()

	run := &domain.DispatchRun{
		ID:        uuid.NewString(),
		StartedAt: startedAt,
	}
	ctx = observability.WithRunID(ctx, run.ID)
	logger := observability.WithContextLogger(d.logger, ctx)

	due, err := d.notifications.ListDue(ctx, startedAt, d.cfg.MaxRetries, d.cfg.BatchSize)
	if err != nil {
		logger.Error("failed to select due notifications", zap.Error(err))
		d.incRun("error")
		return
	}
	if len(due) == 0 {
		d.incRun("idle")
		return
	}
	run.Selected = len(due)

	outcome := "completed"
	groups := d.resolveAndGroup(ctx, due, run, logger)
	for _, group := range groups {
		if ctx.Err() != nil {
			logger.Warn("dispatch run interrupted", zap.Error(ctx.Err()))
			break
		}
		if !d.renewSharedGuard(ctx, logger) {
			outcome = "lease_lost"
			break
		}
		d.processGroup(ctx, group, run, logger)
	}

	run.FinishedAt = d.now().UTC()
	d.recordRun(ctx, run, logger)
	d.incRun(outcome)

	logger.Info("dispatch run finished",
		zap.Int("selected", run.Selected),
		zap.Int("sent", run.Sent),
		zap.Int("retried", run.Retried),
		zap.Int("failed", run.Failed),
		zap.Int("skipped", run.Skipped),
		zap.Int("deferred", run.Deferred),
		zap.Int("undeliverable", run.Undeliverable),
		zap.Duration("duration", run.FinishedAt.Sub(run.StartedAt)),
	)
}

// resolveAndGroup fails undeliverable entries and groups the rest by destination in
// first-seen order.
func (d *Dispatcher) resolveAndGroup(
	ctx context.Context,
	due []domain.Notification,
	run *domain.DispatchRun,
	logger *zap.Logger,
) []*destinationGroup {
	fids := make([]int64, 0, len(due))
	seen := make(map[int64]struct{}, len(due))
	for i := range due {
		if _, ok := seen[due[i].UserID]; ok {
			continue
		}
		seen[due[i].UserID] = struct{}{}
		fids = append(fids, due[i].UserID)
	}

	recipients, err := d.users.GetByFIDs(ctx, fids)
	if err != nil {
		// Without recipients nothing is deliverable this tick; entries stay PENDING.
		logger.Error("failed to resolve recipients", zap.Error(err))
		return nil
	}

	var groups []*destinationGroup
	byDestination := make(map[string]*destinationGroup)
	for i := range due {
		n := due[i]
		recipient := recipients[n.UserID]
		if !recipient.Deliverable() {
			d.markUndeliverable(ctx, n, run, logger)
			continue
		}

		destination := recipient.Destination()
		group, ok := byDestination[destination]
		if !ok {
			group = &destinationGroup{destination: destination}
			byDestination[destination] = group
			groups = append(groups, group)
		}
		group.entries = append(group.entries, dueEntry{notification: n, recipient: recipient})
	}

	return groups
}

func (d *Dispatcher) processGroup(ctx context.Context, group *destinationGroup, run *domain.DispatchRun, logger *zap.Logger) {
	logger = logger.With(
		zap.String("destination", group.destination),
		zap.Int("batchSize", len(group.entries)),
	)

	admitted, err := d.limiter.TryAdmit(ctx, group.destination, len(group.entries))
	if err != nil {
		logger.Error("rate limiter unavailable", zap.Error(err))
		d.failGroup(ctx, group, "rate limiter unavailable: "+err.Error(), nil, run, logger)
		return
	}
	if !admitted {
		d.rejectGroup(ctx, group, run, logger)
		return
	}

	messages := make([]provider.Message, 0, len(group.entries))
	for _, entry := range group.entries {
		messages = append(messages, provider.Message{
			NotificationID: entry.notification.NotificationID,
			Title:          entry.notification.Title,
			Body:           entry.notification.Body,
			TargetURL:      entry.notification.TargetURL,
			Token:          entry.recipient.Token(),
		})
	}

	sendStart := d.now()
	result, sendErr := d.client.Deliver(ctx, group.destination, messages)
	elapsed := d.now().Sub(sendStart)

	if sendErr != nil {
		d.metrics.ObserveDeliveryBatch(group.destination, "transport_error", elapsed)
		logger.Warn("delivery batch failed",
			zap.Bool("transient", provider.IsTransient(sendErr)),
			zap.Error(sendErr),
		)
		d.failGroup(ctx, group, provider.FailureReason(sendErr), statusCodeOf(sendErr), run, logger)
		return
	}
	d.metrics.ObserveDeliveryBatch(group.destination, "ok", elapsed)

	for _, entry := range group.entries {
		outcome := result.Resolve(entry.notification.NotificationID)
		switch outcome.Kind {
		case domain.OutcomeSent:
			d.markSent(ctx, entry.notification, group.destination, run, logger)
		default:
			d.recordFailure(ctx, entry.notification, group.destination, outcome.Reason, nil, run, logger)
		}
	}
}

func (d *Dispatcher) rejectGroup(ctx context.Context, group *destinationGroup, run *domain.DispatchRun, logger *zap.Logger) {
	if d.cfg.DeferOnRateLimit {
		next := d.now().UTC().Add(d.cfg.DeferWindow)
		deferred := 0
		for _, entry := range group.entries {
			if err := d.notifications.Reschedule(ctx, entry.notification.NotificationID, next, ReasonRateLimited); err != nil {
				d.logStoreError(logger, "failed to defer notification", entry.notification, err)
				continue
			}
			deferred++
		}
		run.Deferred += deferred
		d.metrics.AddDeferred(deferred)
		logger.Warn("rate limit exceeded, batch deferred", zap.Time("scheduledFor", next))
		return
	}

	skipped := 0
	for _, entry := range group.entries {
		if err := d.notifications.MarkSkipped(ctx, entry.notification.NotificationID, ReasonRateLimited); err != nil {
			d.logStoreError(logger, "failed to mark notification skipped", entry.notification, err)
			continue
		}
		skipped++
	}
	run.Skipped += skipped
	d.metrics.AddSkipped("rate_limited", skipped)
	logger.Warn("rate limit exceeded, batch skipped")
}

func (d *Dispatcher) failGroup(
	ctx context.Context,
	group *destinationGroup,
	reason string,
	statusCode *int,
	run *domain.DispatchRun,
	logger *zap.Logger,
) {
	for _, entry := range group.entries {
		d.recordFailure(ctx, entry.notification, group.destination, reason, statusCode, run, logger)
	}
}

func (d *Dispatcher) markSent(ctx context.Context, n domain.Notification, destination string, run *domain.DispatchRun, logger *zap.Logger) {
	if err := d.notifications.MarkSent(ctx, n.NotificationID, d.now().UTC()); err != nil {
		d.logStoreError(logger, "failed to mark notification sent", n, err)
		return
	}
	run.Sent++
	d.metrics.IncSent(n.Type.String())
	d.recordAttempt(ctx, n, n.RetryCount+1, destination, domain.StatusSent, nil, nil, logger)
}

func (d *Dispatcher) recordFailure(
	ctx context.Context,
	n domain.Notification,
	destination string,
	reason string,
	statusCode *int,
	run *domain.DispatchRun,
	logger *zap.Logger,
) {
	attemptNumber := n.RetryCount + 1
	update := repository.FailureUpdate{
		RetryCount:   attemptNumber,
		Status:       domain.StatusPending,
		ErrorMessage: reason,
	}
	exhausted := attemptNumber >= d.cfg.MaxRetries
	if exhausted {
		update.Status = domain.StatusFailed
	} else if delay := d.computeRetryDelay(attemptNumber); delay > 0 {
		update.ScheduledFor = d.now().UTC().Add(delay)
	}

	if err := d.notifications.RecordFailure(ctx, n.NotificationID, update); err != nil {
		d.logStoreError(logger, "failed to record delivery failure", n, err)
		return
	}

	if exhausted {
		run.Failed++
		d.metrics.IncFailed(n.Type.String(), "retry_exhausted")
	} else {
		run.Retried++
		d.metrics.IncRetried(n.Type.String())
	}

	reasonCopy := reason
	d.recordAttempt(ctx, n, attemptNumber, destination, domain.StatusFailed, statusCode, &reasonCopy, logger)
}

func (d *Dispatcher) markUndeliverable(ctx context.Context, n domain.Notification, run *domain.DispatchRun, logger *zap.Logger) {
	if err := d.notifications.MarkFailed(ctx, n.NotificationID, ReasonUndeliverable); err != nil {
		d.logStoreError(logger, "failed to mark notification undeliverable", n, err)
		return
	}
	run.Undeliverable++
	d.metrics.IncFailed(n.Type.String(), "undeliverable")
	logger.Info("notification undeliverable",
		zap.String("notificationId", n.NotificationID),
		zap.Int64("userId", n.UserID),
	)
}

func (d *Dispatcher) computeRetryDelay(attemptNumber int) time.Duration {
	base := d.cfg.RetryBackoffBase
	if base <= 0 {
		return 0
	}
	if attemptNumber < 1 {
		attemptNumber = 1
	}

	maxDelay := d.cfg.RetryBackoffMax
	delay := base
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	jitterMillis := 0
	if d.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = d.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
}

func (d *Dispatcher) recordAttempt(
	ctx context.Context,
	n domain.Notification,
	attemptNumber int,
	destination string,
	outcome domain.Status,
	statusCode *int,
	attemptErr *string,
	logger *zap.Logger,
) {
	if d.attempts == nil {
		return
	}

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: n.NotificationID,
		AttemptNumber:  attemptNumber,
		Destination:    destination,
		Outcome:        outcome,
		StatusCode:     statusCode,
		Error:          attemptErr,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt",
			zap.String("notificationId", n.NotificationID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) recordRun(ctx context.Context, run *domain.DispatchRun, logger *zap.Logger) {
	if d.runs == nil {
		return
	}
	if err := d.runs.Create(ctx, run); err != nil {
		logger.Warn("failed to record dispatch run", zap.Error(err))
	}
}

func (d *Dispatcher) logStoreError(logger *zap.Logger, msg string, n domain.Notification, err error) {
	if errors.Is(err, domain.ErrConflict) {
		logger.Info("notification no longer pending",
			zap.String("notificationId", n.NotificationID),
		)
		return
	}
	logger.Error(msg,
		zap.String("notificationId", n.NotificationID),
		zap.Error(err),
	)
}

// renewSharedGuard extends a renewable shared guard before the next group. A lost
// or unrenewable lease ends the run so rows left PENDING are not delivered twice.
func (d *Dispatcher) renewSharedGuard(ctx context.Context, logger *zap.Logger) bool {
	renewer, ok := d.sharedGuard.(RenewableRunGuard)
	if !ok {
		return true
	}

	held, err := renewer.Renew(ctx)
	if err != nil {
		logger.Error("failed to renew dispatch lock, stopping run", zap.Error(err))
		return false
	}
	if !held {
		logger.Warn("dispatch lock lost, stopping run")
		return false
	}
	return true
}

func (d *Dispatcher) setLastRunAt(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastRunAt = &at
}

func (d *Dispatcher) incRun(outcome string) {
	d.metrics.IncDispatchRun(outcome)
}

func statusCodeOf(err error) *int {
	var providerErr *provider.ProviderError
	if errors.As(err, &providerErr) && providerErr.StatusCode > 0 {
		value := providerErr.StatusCode
		return &value
	}
	return nil
}
