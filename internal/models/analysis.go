package models

import (
	"time"

	"gorm.io/datatypes"
)

// MealRecommendations are the next-meal suggestion blocks attached to one analysis
type MealRecommendations struct {
	Nutritional         []string `json:"nutritional_recommendations" yaml:"nutritional_recommendations"`
	BalanceImprovements []string `json:"balance_improvements" yaml:"balance_improvements"`
	Timing              []string `json:"timing_recommendations" yaml:"timing_recommendations"`
}

// AnalysisJob is one run of the vision provider over a source image.
// At most one pending/processing job may exist per image (partial unique index).
type AnalysisJob struct {
	ID            string    `gorm:"primaryKey;type:varchar(36)"`
	OwnerID       string    `gorm:"type:varchar(36);not null;index"`
	ImageID       string    `gorm:"type:varchar(36);not null;index;uniqueIndex:idx_analysis_jobs_image_in_flight,where:status = 'pending' OR status = 'processing'"`
	Status        JobStatus `gorm:"type:varchar(20);not null;default:'pending';index"`
	RequestedMock bool      `gorm:"not null;default:false"`

	MealType        string                                   `gorm:"type:varchar(32);not null;default:''"`
	BalanceScore    float64                                  `gorm:"not null;default:0"`
	Recommendations datatypes.JSONType[MealRecommendations] `gorm:"column:recommendations"`
	IsFallbackData  bool                                     `gorm:"not null;default:false"`
	ErrorMessage    *string                                  `gorm:"column:error_message;type:text"`

	EventSent   bool `gorm:"not null;default:false"`
	EventSentAt *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time

	Items []DetectedFoodItem `gorm:"foreignKey:AnalysisID;constraint:OnDelete:CASCADE;"`
}

// DetectedFoodItem is a single food recognized in an analysis. Items are replaced wholesale
// whenever their job completes.
type DetectedFoodItem struct {
	ID              uint   `gorm:"primaryKey"`
	AnalysisID      string `gorm:"type:varchar(36);not null;index"`
	Position        int    `gorm:"not null;default:0"`
	Name            string `gorm:"not null"`
	Confidence      float64
	PortionEstimate string
	FoodGroup       string

	// grams, except Calories (kcal)
	Calories  float64
	Protein   float64
	Carbs     float64
	Fat       float64
	Dairy     float64
	Vegetable float64
	Fruit     float64

	Micronutrients datatypes.JSONMap `gorm:"column:micronutrients"`
}

// AnalysisOutcome is everything written atomically when an analysis job completes
type AnalysisOutcome struct {
	MealType        string
	BalanceScore    float64
	Recommendations MealRecommendations
	IsFallbackData  bool
	Items           []DetectedFoodItem
}
