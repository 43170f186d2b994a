// Package ledger is the durable record of pledges. A pledge is keyed by its
// idempotency token and written at most once; every retry of the same
// payment resolves to the stored record.
package ledger

import (
	"context"
	"errors"

	"github.com/mayone/pledges/app/models"
)

var ErrNotFound = errors.New("pledge not found")

// Outcome tells the caller whether InsertIfAbsent wrote the pledge.
type Outcome int

const (
	Created Outcome = iota + 1
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	}
	return "unknown"
}

type Store interface {
	// InsertIfAbsent atomically writes p unless a pledge with the same
	// idempotency token exists. It always returns the stored pledge.
	InsertIfAbsent(ctx context.Context, p *models.Pledge) (Outcome, *models.Pledge, error)
	Lookup(ctx context.Context, token string) (*models.Pledge, error)
	FindByNonce(ctx context.Context, nonce string) (*models.Pledge, error)
	// UpdateMetadata replaces the donor metadata of the pledge identified by
	// nonce. Nothing else about the pledge can change.
	UpdateMetadata(ctx context.Context, nonce string, m models.DonorMetadata) (*models.Pledge, error)
}
