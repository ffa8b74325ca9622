package webhook

import (
	"errors"
	"strings"

	"github.com/kursadbilgin/signal-notifier/internal/domain"
)

var (
	ErrMalformed = errors.New("malformed webhook envelope")
	ErrSignature = errors.New("invalid webhook signature")
)

// Envelope is the signed body a mini app client posts to the webhook route.
type Envelope struct {
	Header    string `json:"header"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type EventKind string

const (
	EventFrameAdded            EventKind = "frame_added"
	EventFrameRemoved          EventKind = "frame_removed"
	EventNotificationsEnabled  EventKind = "notifications_enabled"
	EventNotificationsDisabled EventKind = "notifications_disabled"
)

var eventAliases = map[string]EventKind{
	"frame_added":            EventFrameAdded,
	"miniapp_added":          EventFrameAdded,
	"frame_removed":          EventFrameRemoved,
	"miniapp_removed":        EventFrameRemoved,
	"notifications_enabled":  EventNotificationsEnabled,
	"notifications_disabled": EventNotificationsDisabled,
}

func ParseEventKind(s string) (EventKind, bool) {
	kind, ok := eventAliases[strings.ToLower(strings.TrimSpace(s))]
	return kind, ok
}

// Event is a decoded and verified webhook event.
type Event struct {
	Kind                EventKind
	FID                 int64
	Key                 string
	NotificationDetails *domain.NotificationDetails
}

type header struct {
	FID  int64  `json:"fid"`
	Type string `json:"type"`
	Key  string `json:"key"`
}

type payload struct {
	Event               string                      `json:"event"`
	Type                string                      `json:"type"`
	NotificationDetails *domain.NotificationDetails `json:"notificationDetails"`
	Data                *struct {
		FID int64 `json:"fid"`
	} `json:"data"`
}

func (p payload) kind() string {
	if p.Event != "" {
		return p.Event
	}
	return p.Type
}
