package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mayone/pledges/app/models"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) InsertIfAbsent(ctx context.Context, p *models.Pledge) (Outcome, *models.Pledge, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_token"}},
		DoNothing: true,
	}).Create(p)
	if tx.Error != nil {
		return 0, nil, fmt.Errorf("insert pledge %s: %w", p.IdempotencyToken, tx.Error)
	}

	outcome := AlreadyExists
	if tx.RowsAffected > 0 {
		outcome = Created
	}
	stored, err := s.Lookup(ctx, p.IdempotencyToken)
	if err != nil {
		return 0, nil, err
	}
	return outcome, stored, nil
}

func (s *GormStore) Lookup(ctx context.Context, token string) (*models.Pledge, error) {
	return s.first(ctx, "idempotency_token = ?", token)
}

func (s *GormStore) FindByNonce(ctx context.Context, nonce string) (*models.Pledge, error) {
	return s.first(ctx, "url_nonce = ?", nonce)
}

func (s *GormStore) UpdateMetadata(ctx context.Context, nonce string, m models.DonorMetadata) (*models.Pledge, error) {
	p, err := s.FindByNonce(ctx, nonce)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).
		Model(&models.Pledge{}).
		Where("idempotency_token = ?", p.IdempotencyToken).
		Updates(map[string]interface{}{
			"occupation": m.Occupation,
			"employer":   m.Employer,
			"phone":      m.Phone,
			"target":     m.Target,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("update pledge metadata: %w", err)
	}
	return s.Lookup(ctx, p.IdempotencyToken)
}

func (s *GormStore) first(ctx context.Context, query string, arg string) (*models.Pledge, error) {
	var p models.Pledge
	err := s.db.WithContext(ctx).Where(query, arg).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read pledge: %w", err)
	}
	return &p, nil
}
