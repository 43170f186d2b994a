package models

import "time"

// CounterShard is one of N independent accumulators for a named counter.
// The sum over all shards of a name is the counter's value.
type CounterShard struct {
	Name      string    `gorm:"primaryKey;type:varchar(64)" json:"name"`
	ShardID   int       `gorm:"primaryKey;autoIncrement:false" json:"shard_id"`
	Value     int64     `gorm:"not null;default:0" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CounterShard) TableName() string { return "counter_shards" }
