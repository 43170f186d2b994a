package pledge

import (
	"context"
	"fmt"

	"github.com/mayone/pledges/internal/pkg/jobqueue"
	"github.com/mayone/pledges/internal/pkg/mail"
	"github.com/mayone/pledges/internal/pkg/metrics/counter"
)

// ReceiptSender delivers thank-you emails. *mail.Receipts satisfies it.
type ReceiptSender interface {
	SendReceipt(ctx context.Context, t mail.ThankYou) error
}

// RegisterJobHandlers wires the pledge side effects into the queue. Each
// handler records a done marker per pledge so a redelivered job does not
// repeat its effect.
func RegisterJobHandlers(q *jobqueue.Queue, c counter.Store, receipts ReceiptSender) {
	q.Handle(jobqueue.JobTypeIncrementTotal, func(ctx context.Context, job *jobqueue.Job) error {
		p, err := jobqueue.IncrementTotalJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode increment payload: %w", err)
		}
		return q.RunOnce(ctx, "increment:"+p.PledgeToken, func() error {
			return c.Increment(ctx, p.Counter, p.AmountCents)
		})
	})

	q.Handle(jobqueue.JobTypeSendReceipt, func(ctx context.Context, job *jobqueue.Job) error {
		p, err := jobqueue.ReceiptJobPayloadFromMap(job.Payload)
		if err != nil {
			return fmt.Errorf("decode receipt payload: %w", err)
		}
		return q.RunOnce(ctx, "receipt:"+p.PledgeToken, func() error {
			return receipts.SendReceipt(ctx, mail.ThankYou{
				Email:       p.Email,
				Name:        p.Name,
				URLNonce:    p.URLNonce,
				AmountCents: p.AmountCents,
			})
		})
	})
}
