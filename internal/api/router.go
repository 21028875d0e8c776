// Package api exposes the thin HTTP surface: triggers, reads and the notification socket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/balanced-plate/internal/aggregate"
	"github.com/jimdaga/balanced-plate/internal/health"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/pipeline"
	"github.com/jimdaga/balanced-plate/internal/store"
)

// Orchestrator is the pipeline entrypoint set the handlers call.
type Orchestrator interface {
	TriggerAnalysis(ctx context.Context, imageID string, useMock bool) (string, bool, error)
	Analysis(ctx context.Context, ownerID, jobID string) (*models.AnalysisJob, error)
	TriggerWeeklyReport(ctx context.Context, ownerID string, weekStart, weekEnd time.Time) (string, error)
	Report(ctx context.Context, ownerID, reportID string) (*models.WeeklyReportJob, error)
	MarkReportRead(ctx context.Context, ownerID, reportID string) (*models.WeeklyReportJob, error)
}

// Images records and looks up source images.
type Images interface {
	CreateImage(ctx context.Context, image *models.SourceImage) error
	GetImage(ctx context.Context, imageID string) (*models.SourceImage, error)
}

// History pages through an owner's past analyses and reports.
type History interface {
	ListAnalyses(ctx context.Context, ownerID string, limit, offset int) ([]models.AnalysisJob, int64, error)
	ListReports(ctx context.Context, ownerID string, limit, offset int) ([]models.WeeklyReportJob, int64, error)
}

// Analytics serves dashboard aggregates.
type Analytics interface {
	Aggregate(ctx context.Context, ownerID string, start, end time.Time) (*aggregate.WindowAggregate, error)
	HourlyCalories(ctx context.Context, ownerID string, day time.Time) ([]aggregate.HourBucket, error)
	DailyMicronutrients(ctx context.Context, ownerID string, day time.Time) ([]aggregate.MicronutrientShare, error)
}

// Notifier serves a notification socket for one owner.
type Notifier interface {
	Serve(w http.ResponseWriter, r *http.Request, ownerID string)
}

// Deps wires the router.
type Deps struct {
	Orchestrator Orchestrator
	Images       Images
	History      History
	Analytics    Analytics
	Notifier     Notifier
	Logger       *slog.Logger
	Now          func() time.Time
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", gin.WrapF(health.Handler))

	protected := r.Group("/")
	protected.Use(RequireOwner())
	{
		protected.POST("/api/images", CreateImageHandler(d.Images))
		protected.GET("/api/analyses", ListAnalysesHandler(d.History))
		protected.POST("/api/analyses", TriggerAnalysisHandler(d.Orchestrator, d.Images, d.Logger))
		protected.GET("/api/analyses/:id", GetAnalysisHandler(d.Orchestrator))
		protected.GET("/api/reports", ListReportsHandler(d.History))
		protected.POST("/api/reports/weekly", TriggerWeeklyReportHandler(d.Orchestrator, d.Now, d.Logger))
		protected.GET("/api/reports/:id", GetReportHandler(d.Orchestrator))
		protected.POST("/api/reports/:id/read", MarkReportReadHandler(d.Orchestrator))
		protected.GET("/api/analytics/window", WindowHandler(d.Analytics))
		protected.GET("/api/analytics/timing", TimingHandler(d.Analytics))
		if d.Notifier != nil {
			protected.GET("/ws", func(c *gin.Context) {
				d.Notifier.Serve(c.Writer, c.Request, ownerID(c))
			})
		}
	}

	return r
}

// respondError maps pipeline errors to status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, pipeline.ErrConflict):
		status, message = http.StatusConflict, "analysis already in progress"
	case errors.Is(err, pipeline.ErrNotCompleted):
		status, message = http.StatusConflict, "report not completed"
	}
	c.JSON(status, gin.H{"error": message})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
