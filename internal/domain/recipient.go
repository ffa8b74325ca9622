package domain

import "strings"

// Recipient is the read model of a user's notification settings.
type Recipient struct {
	FID                  int64
	Username             string
	NotificationsEnabled bool
	NotificationToken    *string
	NotificationURL      *string
}

// NotificationDetails carries the token/url pair issued by a client app.
type NotificationDetails struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Deliverable reports whether the recipient can receive pushes at all.
func (r *Recipient) Deliverable() bool {
	if r == nil || !r.NotificationsEnabled {
		return false
	}
	return r.Destination() != ""
}

// Destination returns the trimmed delivery endpoint or "".
func (r *Recipient) Destination() string {
	if r == nil || r.NotificationURL == nil {
		return ""
	}
	return strings.TrimSpace(*r.NotificationURL)
}

// Token returns the delivery token or "".
func (r *Recipient) Token() string {
	if r == nil || r.NotificationToken == nil {
		return ""
	}
	return *r.NotificationToken
}
