package models

import "time"

// Counter is a single increment (or decrement) event. Many rows share a key.
type Counter struct {
	ID       int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Key      string     `gorm:"column:key;size:100;not null;index" json:"key"`
	Value    int64      `gorm:"not null" json:"value"`
	ExpireAt *time.Time `gorm:"index" json:"expire_at"`
}

// AggregatedCounter is the compacted total of all folded Counter rows for a key.
type AggregatedCounter struct {
	ID       int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Key      string     `gorm:"column:key;size:100;not null;uniqueIndex" json:"key"`
	Value    int64      `gorm:"not null" json:"value"`
	ExpireAt *time.Time `gorm:"index" json:"expire_at"`
}

func (Counter) TableName() string           { return "counter" }
func (AggregatedCounter) TableName() string { return "aggregated_counter" }
