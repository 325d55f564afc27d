package controllers

import (
	"context"
	"log/slog"
	"strconv"

	"pixel-relay-backend/database"
	"pixel-relay-backend/pipeline"

	"github.com/gofiber/fiber/v2"
)

// OpsController exposes the operator surface: queue visibility, dead-letter
// recovery, and manual batch triggering.
type OpsController struct {
	Jobs     *database.JobStore
	RunBatch func(ctx context.Context) (pipeline.Summary, error)
	Log      *slog.Logger
}

// JobSummary handles GET /ops/jobs/summary.
func (oc *OpsController) JobSummary(c *fiber.Ctx) error {
	counts, err := oc.Jobs.StatusCounts(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"counts": counts})
}

// DeadLetters handles GET /ops/jobs/dead.
func (oc *OpsController) DeadLetters(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	jobs, err := oc.Jobs.DeadLetters(c.Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"jobs": jobs})
}

// Requeue handles POST /ops/jobs/:id/requeue. Only dead-lettered jobs can
// come back; anything else is a 409.
func (oc *OpsController) Requeue(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid job id")
	}
	ok, err := oc.Jobs.Requeue(c.Context(), uint(id))
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusConflict, "job is not dead-lettered")
	}
	oc.Log.Info("job requeued by operator",
		"job_id", id, "operator", c.Locals("operator"))
	return c.JSON(fiber.Map{"status": "queued"})
}

// RunPass handles POST /ops/pipeline/run: one synchronous batch pass.
func (oc *OpsController) RunPass(c *fiber.Ctx) error {
	sum, err := oc.RunBatch(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"claimed":       sum.Claimed,
		"completed":     sum.Completed,
		"failed":        sum.Failed,
		"dead_lettered": sum.DeadLettered,
		"requeued":      sum.Requeued,
	})
}
