package models

import "time"

// DistributedLock is a named mutual-exclusion row shared by every process
// using the same database. AcquiredAt comes from the database clock.
type DistributedLock struct {
	Resource   string    `gorm:"primaryKey;size:100" json:"resource"`
	Owner      string    `gorm:"size:36;not null" json:"owner"`
	AcquiredAt time.Time `gorm:"not null;index" json:"acquired_at"`
}

func (DistributedLock) TableName() string { return "distributed_lock" }
