package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/internal/pkg/jobqueue"
)

// JobsController is the operator API over the job queue.
type JobsController struct {
	queue *jobqueue.Queue
}

func NewJobsController(queue *jobqueue.Queue) *JobsController {
	return &JobsController{queue: queue}
}

// HandleAdminJobs returns queue sizes and status counters
func (jc *JobsController) HandleAdminJobs(c *fiber.Ctx) error {
	ctx := c.UserContext()

	stats, err := jc.queue.GetJobStats(ctx)
	if err != nil {
		return internalError(c, "Failed to read job stats", err)
	}
	sizes := fiber.Map{}
	for name, fn := range map[string]func() (int64, error){
		"pending":    func() (int64, error) { return jc.queue.GetQueueSize(ctx) },
		"processing": func() (int64, error) { return jc.queue.GetProcessingSize(ctx) },
		"delayed":    func() (int64, error) { return jc.queue.GetDelayedSize(ctx) },
		"dead":       func() (int64, error) { return jc.queue.GetDeadSize(ctx) },
	} {
		n, err := fn()
		if err != nil {
			return internalError(c, "Failed to read queue size", err)
		}
		sizes[name] = n
	}

	return c.JSON(fiber.Map{
		"stats":   stats,
		"queues":  sizes,
		"running": jc.queue.IsRunning(),
	})
}

// HandleAdminDeadJobs lists dead-lettered jobs
func (jc *JobsController) HandleAdminDeadJobs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	jobs, err := jc.queue.ListDead(c.UserContext(), int64(limit))
	if err != nil {
		return internalError(c, "Failed to list dead jobs", err)
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}

// HandleAdminRequeueJob puts a dead-lettered job back on the queue
func (jc *JobsController) HandleAdminRequeueJob(c *fiber.Ctx) error {
	id := c.Params("id")
	job, err := jc.queue.RequeueDead(c.UserContext(), id)
	switch {
	case errors.Is(err, jobqueue.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Job not found"})
	case errors.Is(err, jobqueue.ErrJobNotDead):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
	case err != nil:
		return internalError(c, "Failed to requeue job", err)
	}
	log.Infof("[JobQueue] Operator requeued job %s", id)
	return c.JSON(job)
}

func internalError(c *fiber.Ctx, msg string, err error) error {
	log.Errorf("[Admin] %s: %v", msg, err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": msg})
}
