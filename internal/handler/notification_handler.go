package handler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/signal-notifier/internal/domain"
)

type NotificationLookup interface {
	GetByNotificationID(ctx context.Context, notificationID string) (*domain.Notification, error)
}

type AttemptHistory interface {
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.DeliveryAttempt, error)
}

type ReminderTrigger interface {
	EnqueueDaily(ctx context.Context, reminderType domain.Type) (int, error)
}

type NotificationHandler struct {
	notifications NotificationLookup
	attempts      AttemptHistory
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Destination   string    `json:"destination"`
	Outcome       string    `json:"outcome"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type notificationResponse struct {
	NotificationID string            `json:"notificationId"`
	UserID         int64             `json:"userId"`
	Type           string            `json:"type"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	TargetURL      string            `json:"targetUrl"`
	ScheduledFor   time.Time         `json:"scheduledFor"`
	Status         string            `json:"status"`
	RetryCount     int               `json:"retryCount"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	Attempts       []attemptResponse `json:"attempts,omitempty"`
}

// RegisterNotificationRoutes mounts the queue entry lookup. attempts is optional.
func RegisterNotificationRoutes(app fiber.Router, notifications NotificationLookup, attempts AttemptHistory) error {
	if notifications == nil {
		return errors.New("notification lookup is required")
	}

	h := &NotificationHandler{notifications: notifications, attempts: attempts}
	app.Get("/v1/notifications/:notificationId", h.GetByNotificationID)
	return nil
}

func (h *NotificationHandler) GetByNotificationID(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("notificationId"))
	if id == "" {
		return fiber.NewError(fiber.StatusBadRequest, "notificationId is required")
	}

	ctx := c.UserContext()
	n, err := h.notifications.GetByNotificationID(ctx, id)
	if err != nil {
		return toHTTPError(err)
	}

	resp := notificationResponse{
		NotificationID: n.NotificationID,
		UserID:         n.UserID,
		Type:           n.Type.String(),
		Title:          n.Title,
		Body:           n.Body,
		TargetURL:      n.TargetURL,
		ScheduledFor:   n.ScheduledFor,
		Status:         n.Status.String(),
		RetryCount:     n.RetryCount,
		ErrorMessage:   n.ErrorMessage,
		SentAt:         n.SentAt,
		CreatedAt:      n.CreatedAt,
	}

	if h.attempts != nil {
		attempts, err := h.attempts.GetByNotificationID(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			resp.Attempts = append(resp.Attempts, attemptResponse{
				AttemptNumber: a.AttemptNumber,
				Destination:   a.Destination,
				Outcome:       a.Outcome.String(),
				StatusCode:    a.StatusCode,
				Error:         a.Error,
				CreatedAt:     a.CreatedAt,
			})
		}
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// RegisterReminderRoutes mounts the manual reminder trigger. Reminder keys are per
// day, so triggering twice on the same day queues nothing new.
func RegisterReminderRoutes(app fiber.Router, reminders ReminderTrigger) error {
	if reminders == nil {
		return errors.New("reminder trigger is required")
	}

	app.Post("/v1/reminders/:type", func(c *fiber.Ctx) error {
		reminderType, err := domain.ParseTypeFromString(c.Params("type"))
		if err != nil {
			return toHTTPError(err)
		}

		queued, err := reminders.EnqueueDaily(c.UserContext(), reminderType)
		if err != nil {
			return toHTTPError(err)
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"type":   reminderType.String(),
			"queued": queued,
		})
	})
	return nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "notification not found")
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
