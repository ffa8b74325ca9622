package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"go.uber.org/zap"
)

const defaultReminderPageSize = 500

type reminderCopy struct {
	title string
	body  string
}

var reminderTexts = map[domain.Type]reminderCopy{
	domain.TypeDailyReminder: {
		title: "☀️ Daily signal check",
		body:  "See which calls are moving today.",
	},
	domain.TypeEveningReminder: {
		title: "🌙 Evening recap",
		body:  "Check how today's calls performed.",
	},
}

// ReminderService fans a reminder out to every recipient with notifications enabled.
// Keys are derived per day, so repeated runs on the same day queue nothing new.
type ReminderService struct {
	users    repository.UserRepository
	writer   *QueueWriter
	pageSize int
	logger   *zap.Logger
	now      func() time.Time
}

func NewReminderService(users repository.UserRepository, writer *QueueWriter, logger *zap.Logger) (*ReminderService, error) {
	if users == nil {
		return nil, errors.New("user repository is required")
	}
	if writer == nil {
		return nil, errors.New("queue writer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ReminderService{
		users:    users,
		writer:   writer,
		pageSize: defaultReminderPageSize,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// EnqueueDaily queues one reminder of the given type per notifiable recipient and
// returns how many were newly created.
func (s *ReminderService) EnqueueDaily(ctx context.Context, reminderType domain.Type) (int, error) {
	text, ok := reminderTexts[reminderType]
	if !ok {
		return 0, fmt.Errorf("%w: %s is not a reminder type", domain.ErrValidation, reminderType)
	}

	scheduledFor := s.now().UTC()
	created := 0
	var afterFID int64
	for {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		recipients, err := s.users.ListNotifiable(ctx, afterFID, s.pageSize)
		if err != nil {
			return created, fmt.Errorf("failed to list notifiable users: %w", err)
		}

		for _, r := range recipients {
			if s.writer.Enqueue(ctx, EnqueueRequest{
				UserID:       r.FID,
				Type:         reminderType,
				Title:        text.title,
				Body:         text.body,
				ScheduledFor: scheduledFor,
			}) {
				created++
			}
			afterFID = r.FID
		}

		if len(recipients) < s.pageSize {
			break
		}
	}

	s.logger.Info("reminders queued",
		zap.String("type", reminderType.String()),
		zap.Int("created", created),
	)
	return created, nil
}
