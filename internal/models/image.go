package models

import (
	"time"
)

// SourceImage is an uploaded food photograph. Blob storage lives elsewhere; StorageRef is a
// local path or URL the analysis provider can read.
type SourceImage struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID    string `gorm:"type:varchar(36);not null;index"`
	StorageRef string `gorm:"type:text;not null"`

	// Set while an analysis job owns the image. Flipped only with a conditional update.
	CurrentlyUnderProcessing bool    `gorm:"not null;default:false"`
	ProcessingJobID          *string `gorm:"type:varchar(36)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
