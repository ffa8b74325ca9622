package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
)

type DispatcherStatus interface {
	Enabled() bool
	LastRunAt() *time.Time
}

type QueueStats interface {
	CountByStatus(ctx context.Context) ([]repository.StatusCount, error)
}

type RunHistory interface {
	Latest(ctx context.Context) (*domain.DispatchRun, error)
}

type DispatcherHandler struct {
	status DispatcherStatus
	queue  QueueStats
	runs   RunHistory
}

type dispatchRunResponse struct {
	ID            string    `json:"id"`
	Selected      int       `json:"selected"`
	Sent          int       `json:"sent"`
	Retried       int       `json:"retried"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Deferred      int       `json:"deferred"`
	Undeliverable int       `json:"undeliverable"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

type dispatcherStatusResponse struct {
	Enabled   bool                 `json:"enabled"`
	LastRunAt *time.Time           `json:"lastRunAt"`
	Queue     map[string]int64     `json:"queue,omitempty"`
	LastRun   *dispatchRunResponse `json:"lastRun,omitempty"`
}

// RegisterDispatcherRoutes mounts the dispatcher status route. queue and runs
// are optional and only enrich the response.
func RegisterDispatcherRoutes(app fiber.Router, status DispatcherStatus, queue QueueStats, runs RunHistory) error {
	if status == nil {
		return errors.New("dispatcher status is required")
	}

	h := &DispatcherHandler{status: status, queue: queue, runs: runs}
	app.Get("/v1/dispatcher/status", h.Status)
	return nil
}

// Status reports the dispatcher state. An optional ?status= narrows the queue
// counts to one lifecycle state.
func (h *DispatcherHandler) Status(c *fiber.Ctx) error {
	var only domain.Status
	if raw := c.Query("status"); raw != "" {
		st, err := domain.ParseStatusFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		only = st
	}

	resp := dispatcherStatusResponse{
		Enabled:   h.status.Enabled(),
		LastRunAt: h.status.LastRunAt(),
	}

	ctx := c.UserContext()
	if h.queue != nil {
		counts, err := h.queue.CountByStatus(ctx)
		if err != nil {
			return err
		}
		resp.Queue = make(map[string]int64, len(counts))
		if only != "" {
			resp.Queue[only.String()] = 0
		}
		for _, sc := range counts {
			if only != "" && sc.Status != only {
				continue
			}
			resp.Queue[sc.Status.String()] = sc.Count
		}
	}

	if h.runs != nil {
		run, err := h.runs.Latest(ctx)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return err
		default:
			resp.LastRun = &dispatchRunResponse{
				ID:            run.ID,
				Selected:      run.Selected,
				Sent:          run.Sent,
				Retried:       run.Retried,
				Failed:        run.Failed,
				Skipped:       run.Skipped,
				Deferred:      run.Deferred,
				Undeliverable: run.Undeliverable,
				StartedAt:     run.StartedAt,
				FinishedAt:    run.FinishedAt,
			}
		}
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}
