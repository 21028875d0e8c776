// Package events delivers per-user notifications to live connections.
package events

import (
	"time"

	"github.com/jimdaga/balanced-plate/internal/models"
)

// Type is the closed set of event names sent to clients.
type Type string

// Event types
const (
	AnalysisCompleted     Type = "analysis_completed"
	AnalysisFailed        Type = "analysis_failed"
	RecommendationReady   Type = "recommendation_ready"
	RecommendationRead    Type = "recommendation_read"
	ConnectionEstablished Type = "connection_established"
	Pong                  Type = "pong"
	Error                 Type = "error"
)

// Valid reports whether t belongs to the closed set.
func (t Type) Valid() bool {
	switch t {
	case AnalysisCompleted, AnalysisFailed, RecommendationReady, RecommendationRead,
		ConnectionEstablished, Pong, Error:
		return true
	}
	return false
}

// Event is the {type, data} envelope written to clients.
type Event struct {
	Type Type                   `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Analysis builds the completed/failed event for a terminal analysis job.
func Analysis(job *models.AnalysisJob) Event {
	typ := AnalysisCompleted
	if job.Status == models.StatusFailed {
		typ = AnalysisFailed
	}
	data := map[string]interface{}{
		"analysis_id":      job.ID,
		"image_id":         job.ImageID,
		"status":           string(job.Status),
		"meal_type":        job.MealType,
		"balance_score":    job.BalanceScore,
		"is_fallback_data": job.IsFallbackData,
		"error_message":    nil,
	}
	if job.ErrorMessage != nil {
		data["error_message"] = *job.ErrorMessage
	}
	return Event{Type: typ, Data: data}
}

// Report builds the ready/read event for a weekly report.
func Report(typ Type, job *models.WeeklyReportJob) Event {
	data := map[string]interface{}{
		"recommendation_id": job.ID,
		"week_start":        job.WeekStart,
		"week_end":          job.WeekEnd,
		"is_fallback_data":  job.IsFallbackData,
		"read_at":           nil,
	}
	if job.ReadAt != nil {
		data["read_at"] = job.ReadAt.UTC().Format(time.RFC3339)
	}
	return Event{Type: typ, Data: data}
}

// ErrorEvent builds an error event carrying message.
func ErrorEvent(message string) Event {
	return Event{Type: Error, Data: map[string]interface{}{"message": message}}
}
