package domain

import "time"

// DispatchRun summarises a single dispatcher tick that selected work.
type DispatchRun struct {
	ID            string
	Selected      int
	Sent          int
	Retried       int
	Failed        int
	Skipped       int
	Deferred      int
	Undeliverable int
	StartedAt     time.Time
	FinishedAt    time.Time
}
