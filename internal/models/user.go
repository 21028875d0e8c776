package models

import (
	"time"
)

// User represents an application user that owns images, analyses and weekly reports
type User struct {
	ID           string `gorm:"primaryKey;type:varchar(36)"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string `gorm:"not null;default:''"`
	Timezone     string `gorm:"not null;default:'UTC'"`
	IsActive     bool   `gorm:"not null;index"` // only active users receive weekly reports
	LastLoginAt  *time.Time
	LastReportAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// Associations
	Images        []SourceImage     `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE;"`
	WeeklyReports []WeeklyReportJob `gorm:"foreignKey:OwnerID;constraint:OnDelete:CASCADE;"`
}
