package models

import (
	"time"

	"gorm.io/datatypes"
)

// HealthReport is the narrative part of a weekly report
type HealthReport struct {
	Summary             string   `json:"summary" yaml:"summary"`
	Strengths           []string `json:"strengths" yaml:"strengths"`
	AreasForImprovement []string `json:"areas_for_improvement" yaml:"areas_for_improvement"`
	BalanceAssessment   string   `json:"balance_assessment" yaml:"balance_assessment"`
}

// RecommendationBlocks are the structured sections of a weekly report
type RecommendationBlocks struct {
	Nutrition       []string `json:"nutrition"`
	MealTiming      []string `json:"meal_timing"`
	Micronutrients  []string `json:"micronutrients"`
	WeeklyMealPlan  []string `json:"weekly_meal_plan"`
	Lifestyle       []string `json:"lifestyle"`
	PriorityActions []string `json:"priority_actions"`
	WeeklyGoals     []string `json:"weekly_goals"`
}

// WeeklyReportJob is the personalized report for one owner and one Monday..Sunday week.
// (owner, week_start) is unique; a completed week is never regenerated.
type WeeklyReportJob struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)"`
	OwnerID   string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_weekly_reports_owner_week"`
	WeekStart string    `gorm:"type:varchar(10);not null;uniqueIndex:idx_weekly_reports_owner_week"` // YYYY-MM-DD
	WeekEnd   string    `gorm:"type:varchar(10);not null"`
	Status    JobStatus `gorm:"type:varchar(20);not null;default:'pending';index"`

	// Aggregation output frozen at generation time
	InputSnapshot datatypes.JSON `gorm:"column:input_snapshot"`

	ReportText           string                                    `gorm:"type:text;not null;default:''"`
	HealthReport         datatypes.JSONType[HealthReport]         `gorm:"column:health_report"`
	RecommendationBlocks datatypes.JSONType[RecommendationBlocks] `gorm:"column:recommendation_blocks"`
	IsFallbackData       bool                                      `gorm:"not null;default:false"`
	ErrorMessage         *string                                   `gorm:"column:error_message;type:text"`

	IsRead             bool `gorm:"not null;default:false"`
	ReadAt             *time.Time
	NotificationSent   bool `gorm:"not null;default:false"`
	NotificationSentAt *time.Time

	Attempts    int `gorm:"not null;default:0"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReportOutcome is everything written atomically when a weekly report completes
type ReportOutcome struct {
	ReportText     string
	HealthReport   HealthReport
	Blocks         RecommendationBlocks
	IsFallbackData bool
}

// All lists the persisted models in dependency order, for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&User{},
		&SourceImage{},
		&AnalysisJob{},
		&DetectedFoodItem{},
		&WeeklyReportJob{},
	}
}
