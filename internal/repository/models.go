package repository

import (
	"time"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
)

// NotificationModel is the persistence model for the notification_queue table.
type NotificationModel struct {
	ID             uint          `gorm:"primaryKey;autoIncrement"`
	NotificationID string        `gorm:"column:notification_id;type:varchar(128);not null;uniqueIndex:idx_notification_queue_notification_id"`
	UserID         int64         `gorm:"column:user_id;not null;index:idx_notification_queue_user_id"`
	Type           domain.Type   `gorm:"type:varchar(32);not null"`
	Title          string        `gorm:"type:varchar(255);not null"`
	Body           string        `gorm:"type:text;not null"`
	TargetURL      string        `gorm:"column:target_url;type:varchar(1024);not null"`
	ScheduledFor   time.Time     `gorm:"column:scheduled_for;type:timestamptz;not null"`
	Status         domain.Status `gorm:"type:varchar(16);not null"`
	RetryCount     int           `gorm:"column:retry_count;not null;default:0"`
	ErrorMessage   *string       `gorm:"column:error_message;type:text"`
	SentAt         *time.Time    `gorm:"column:sent_at;type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (NotificationModel) TableName() string {
	return "notification_queue"
}

// UserModel maps the notification-related columns of the users table.
type UserModel struct {
	FID                  int64   `gorm:"column:fid;primaryKey;autoIncrement:false"`
	Username             string  `gorm:"column:username;type:varchar(255);not null"`
	NotificationsEnabled bool    `gorm:"column:notifications_enabled;not null;default:false"`
	NotificationToken    *string `gorm:"column:notification_token;type:varchar(255)"`
	NotificationURL      *string `gorm:"column:notification_url;type:varchar(1024)"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (UserModel) TableName() string {
	return "users"
}

// NotificationAttemptModel is the persistence model for notification_attempts.
type NotificationAttemptModel struct {
	ID             string        `gorm:"type:uuid;primaryKey"`
	NotificationID string        `gorm:"column:notification_id;type:varchar(128);not null"`
	AttemptNumber  int           `gorm:"not null"`
	Destination    string        `gorm:"type:varchar(1024);not null"`
	Outcome        domain.Status `gorm:"type:varchar(16);not null"`
	StatusCode     *int          `gorm:"type:int"`
	Error          *string       `gorm:"type:text"`
	CreatedAt      time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

// DispatchRunModel is the persistence model for dispatch_runs.
type DispatchRunModel struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	Selected      int       `gorm:"not null"`
	Sent          int       `gorm:"not null"`
	Retried       int       `gorm:"not null"`
	Failed        int       `gorm:"not null"`
	Skipped       int       `gorm:"not null"`
	Deferred      int       `gorm:"not null"`
	Undeliverable int       `gorm:"not null"`
	StartedAt     time.Time `gorm:"type:timestamptz;not null"`
	FinishedAt    time.Time `gorm:"type:timestamptz;not null"`
}

func (DispatchRunModel) TableName() string {
	return "dispatch_runs"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:             n.ID,
		NotificationID: n.NotificationID,
		UserID:         n.UserID,
		Type:           n.Type,
		Title:          n.Title,
		Body:           n.Body,
		TargetURL:      n.TargetURL,
		ScheduledFor:   n.ScheduledFor,
		Status:         n.Status,
		RetryCount:     n.RetryCount,
		ErrorMessage:   n.ErrorMessage,
		SentAt:         n.SentAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		UserID:         m.UserID,
		Type:           m.Type,
		Title:          m.Title,
		Body:           m.Body,
		TargetURL:      m.TargetURL,
		ScheduledFor:   m.ScheduledFor,
		Status:         m.Status,
		RetryCount:     m.RetryCount,
		ErrorMessage:   m.ErrorMessage,
		SentAt:         m.SentAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func userModelToRecipient(m *UserModel) *domain.Recipient {
	if m == nil {
		return nil
	}

	return &domain.Recipient{
		FID:                  m.FID,
		Username:             m.Username,
		NotificationsEnabled: m.NotificationsEnabled,
		NotificationToken:    m.NotificationToken,
		NotificationURL:      m.NotificationURL,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *NotificationAttemptModel {
	if a == nil {
		return nil
	}

	return &NotificationAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Destination:    a.Destination,
		Outcome:        a.Outcome,
		StatusCode:     a.StatusCode,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *NotificationAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		Destination:    m.Destination,
		Outcome:        m.Outcome,
		StatusCode:     m.StatusCode,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}

func dispatchRunModelFromDomain(r *domain.DispatchRun) *DispatchRunModel {
	if r == nil {
		return nil
	}

	return &DispatchRunModel{
		ID:            r.ID,
		Selected:      r.Selected,
		Sent:          r.Sent,
		Retried:       r.Retried,
		Failed:        r.Failed,
		Skipped:       r.Skipped,
		Deferred:      r.Deferred,
		Undeliverable: r.Undeliverable,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

func dispatchRunModelToDomain(m *DispatchRunModel) *domain.DispatchRun {
	if m == nil {
		return nil
	}

	return &domain.DispatchRun{
		ID:            m.ID,
		Selected:      m.Selected,
		Sent:          m.Sent,
		Retried:       m.Retried,
		Failed:        m.Failed,
		Skipped:       m.Skipped,
		Deferred:      m.Deferred,
		Undeliverable: m.Undeliverable,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}
}
