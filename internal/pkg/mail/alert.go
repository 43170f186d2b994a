package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/internal/pkg/jobqueue"
)

// Alerter emails the operator about jobs that need manual attention.
type Alerter struct {
	mailer  Mailer
	to      string
	appName string
}

func NewAlerter(mailer Mailer, operatorEmail, appName string) *Alerter {
	return &Alerter{mailer: mailer, to: operatorEmail, appName: appName}
}

func (a *Alerter) JobExhausted(ctx context.Context, job *jobqueue.Job) {
	severity := "WARNING"
	if job.Critical {
		severity = "CRITICAL"
	}
	payload, _ := json.MarshalIndent(job.Payload, "", "  ")
	a.send(ctx, Message{
		To:      a.to,
		Subject: fmt.Sprintf("[%s] %s: %s job %s failed permanently", a.appName, severity, job.Type, job.ID),
		Text: fmt.Sprintf("Job %s (%s) exhausted %d attempts.\n\nLast error: %s\n\nPayload:\n%s\n\nRequeue it from the admin API or with `pledged requeue %s` once the cause is fixed.\n",
			job.ID, job.Type, job.RetryCount, job.ErrorMsg, payload, job.ID),
	})
}

func (a *Alerter) DeadLettersPending(ctx context.Context, count int64) {
	a.send(ctx, Message{
		To:      a.to,
		Subject: fmt.Sprintf("[%s] %d dead-lettered jobs pending", a.appName, count),
		Text:    fmt.Sprintf("%d jobs are in the dead-letter list. List them with `pledged dead-letters`.\n", count),
	})
}

func (a *Alerter) send(ctx context.Context, msg Message) {
	if a.to == "" {
		return
	}
	if err := a.mailer.Send(ctx, msg); err != nil {
		log.Errorf("[Mail] Failed to send operator alert %q: %v", msg.Subject, err)
	}
}
