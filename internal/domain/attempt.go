package domain

import "time"

// DeliveryAttempt records one reconciled delivery outcome for a notification.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Destination    string
	Outcome        Status
	StatusCode     *int
	Error          *string
	CreatedAt      time.Time
}
