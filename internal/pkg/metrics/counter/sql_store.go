package counter

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mayone/pledges/app/models"
)

// SQLStore keeps shards as rows of counter_shards. An increment is a single
// upsert, so the first write to a shard creates it.
type SQLStore struct {
	db     *gorm.DB
	shards int
	pick   ShardPicker
}

func NewSQLStore(db *gorm.DB, shards int, pick ShardPicker) *SQLStore {
	if pick == nil {
		pick = RandomShard
	}
	return &SQLStore{db: db, shards: normalizeShards(shards), pick: pick}
}

func (s *SQLStore) Increment(ctx context.Context, name string, delta int64) error {
	if err := validate(name, delta); err != nil {
		return err
	}
	shard := models.CounterShard{
		Name:    name,
		ShardID: s.pick(s.shards),
		Value:   delta,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}, {Name: "shard_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      gorm.Expr("value + ?", delta),
			"updated_at": time.Now(),
		}),
	}).Create(&shard).Error
	if err != nil {
		return fmt.Errorf("increment shard %d of %s: %w", shard.ShardID, name, err)
	}
	return nil
}

func (s *SQLStore) Sum(ctx context.Context, name string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&models.CounterShard{}).
		Select("COALESCE(SUM(value), 0)").
		Where("name = ?", name).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum shards of %s: %w", name, err)
	}
	return total, nil
}
