package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queued notification.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// TerminalStatuses lists every status a row can never leave.
func TerminalStatuses() []Status {
	return []Status{StatusSent, StatusFailed, StatusSkipped}
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Type classifies a notification for idempotency-key derivation and logging.
type Type string

const (
	TypeWelcome         Type = "WELCOME"
	TypeDailyReminder   Type = "DAILY_REMINDER"
	TypeEveningReminder Type = "EVENING_REMINDER"
)

func (t Type) String() string { return string(t) }

func (t Type) IsValid() bool {
	switch t {
	case TypeWelcome, TypeDailyReminder, TypeEveningReminder:
		return true
	}
	return false
}

func ParseTypeFromString(s string) (Type, error) {
	tp := Type(strings.ToUpper(strings.TrimSpace(s)))
	if !tp.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return tp, nil
}

// MaxIDLength is the longest notification id accepted by delivery endpoints.
const MaxIDLength = 128

// Notification is a single entry of the outbound notification queue.
type Notification struct {
	ID             uint
	NotificationID string
	UserID         int64
	Type           Type
	Title          string
	Body           string
	TargetURL      string
	ScheduledFor   time.Time
	Status         Status
	RetryCount     int
	ErrorMessage   *string
	SentAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.NotificationID) == "" {
		return fmt.Errorf("%w: notification id is required", ErrValidation)
	}
	if len(n.NotificationID) > MaxIDLength {
		return fmt.Errorf("%w: notification id exceeds %d characters", ErrValidation, MaxIDLength)
	}
	if n.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrValidation)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if strings.TrimSpace(n.TargetURL) == "" {
		return fmt.Errorf("%w: target url is required", ErrValidation)
	}
	return nil
}

// DefaultIdempotencyKey derives the per-type, per-recipient, per-day key.
func DefaultIdempotencyKey(t Type, userID int64, scheduledFor time.Time) string {
	return fmt.Sprintf("%s:%d:%s", t, userID, scheduledFor.UTC().Format(time.DateOnly))
}

// WelcomeIdempotencyKey is the lifetime key of the one-time welcome message.
func WelcomeIdempotencyKey(userID int64) string {
	return fmt.Sprintf("welcome:%d", userID)
}
