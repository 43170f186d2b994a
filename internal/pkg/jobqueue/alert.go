package jobqueue

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
)

// LogAlerter reports to the error log only.
type LogAlerter struct{}

func (LogAlerter) JobExhausted(_ context.Context, job *Job) {
	if job.Critical {
		log.Errorf("[JobQueue] CRITICAL: job %s (%s) exhausted %d retries, payload=%v: %s",
			job.ID, job.Type, job.RetryCount, job.Payload, job.ErrorMsg)
		return
	}
	log.Errorf("[JobQueue] Job %s (%s) exhausted %d retries: %s", job.ID, job.Type, job.RetryCount, job.ErrorMsg)
}

func (LogAlerter) DeadLettersPending(_ context.Context, count int64) {
	log.Errorf("[JobQueue] %d dead-lettered jobs waiting for an operator", count)
}

// MultiAlerter fans an alert out to several channels.
type MultiAlerter []Alerter

func (m MultiAlerter) JobExhausted(ctx context.Context, job *Job) {
	for _, a := range m {
		a.JobExhausted(ctx, job)
	}
}

func (m MultiAlerter) DeadLettersPending(ctx context.Context, count int64) {
	for _, a := range m {
		a.DeadLettersPending(ctx, count)
	}
}
