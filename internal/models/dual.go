package models

// Dual holds exactly one row; it proves the schema is reachable.
type Dual struct {
	ID int `gorm:"primaryKey;autoIncrement:false" json:"id"`
}

func (Dual) TableName() string { return "dual" }
