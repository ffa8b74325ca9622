package provider

import (
	"context"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
)

// Message is a single notification as sent to a delivery endpoint.
type Message struct {
	NotificationID string `json:"notificationId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	TargetURL      string `json:"targetUrl"`
	Token          string `json:"token"`
}

// DeliveryClient performs one network call per destination batch.
//
// A returned error means the whole batch failed at the transport level; otherwise
// the result carries the per-notification outcomes reported by the endpoint.
type DeliveryClient interface {
	Deliver(ctx context.Context, destination string, messages []Message) (domain.DeliveryResult, error)
}
