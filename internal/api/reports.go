package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/worker"
)

type triggerReportRequest struct {
	WeekStart string `json:"week_start"`
}

type reportResponse struct {
	ID                   string                      `json:"id"`
	WeekStart            string                      `json:"week_start"`
	WeekEnd              string                      `json:"week_end"`
	Status               models.JobStatus            `json:"status"`
	ReportText           string                      `json:"report_text"`
	HealthReport         models.HealthReport         `json:"health_report"`
	RecommendationBlocks models.RecommendationBlocks `json:"recommendations"`
	IsFallbackData       bool                        `json:"is_fallback_data"`
	ErrorMessage         *string                     `json:"error_message"`
	IsRead               bool                        `json:"is_read"`
	ReadAt               *time.Time                  `json:"read_at"`
	CompletedAt          *time.Time                  `json:"completed_at"`
}

func newReportResponse(job *models.WeeklyReportJob) reportResponse {
	resp := reportResponse{
		ID:             job.ID,
		WeekStart:      job.WeekStart,
		WeekEnd:        job.WeekEnd,
		Status:         job.Status,
		ReportText:     job.ReportText,
		IsFallbackData: job.IsFallbackData,
		ErrorMessage:   job.ErrorMessage,
		IsRead:         job.IsRead,
		ReadAt:         job.ReadAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status == models.StatusCompleted {
		resp.HealthReport = job.HealthReport.Data()
		resp.RecommendationBlocks = job.RecommendationBlocks.Data()
	}
	return resp
}

// TriggerWeeklyReportHandler queues the caller's report for a week, by default the previous one
func TriggerWeeklyReportHandler(orch Orchestrator, now func() time.Time, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerReportRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "invalid request body")
				return
			}
		}

		start, end := worker.PreviousWeek(now())
		if req.WeekStart != "" {
			parsed, err := time.Parse(aggregate.DateLayout, req.WeekStart)
			if err != nil {
				badRequest(c, "week_start must be YYYY-MM-DD")
				return
			}
			start, end = parsed, parsed.AddDate(0, 0, 6)
		}

		reportID, err := orch.TriggerWeeklyReport(c.Request.Context(), ownerID(c), start, end)
		if err != nil {
			logger.Error("Trigger weekly report failed", "user_id", ownerID(c), "error", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"recommendation_id": reportID,
			"week_start":        start.Format(aggregate.DateLayout),
			"week_end":          end.Format(aggregate.DateLayout),
		})
	}
}

// GetReportHandler returns one of the caller's weekly reports
func GetReportHandler(orch Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := orch.Report(c.Request.Context(), ownerID(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newReportResponse(job))
	}
}

// MarkReportReadHandler marks a completed report read. Repeating the call is harmless.
func MarkReportReadHandler(orch Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := orch.MarkReportRead(c.Request.Context(), ownerID(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newReportResponse(job))
	}
}
