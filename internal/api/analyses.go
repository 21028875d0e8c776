package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jimdaga/balanced-plate/internal/models"
)

type createImageRequest struct {
	StorageRef string `json:"storage_ref" binding:"required"`
}

type triggerAnalysisRequest struct {
	ImageID string `json:"image_id" binding:"required"`
	UseMock bool   `json:"use_mock"`
}

type foodItemResponse struct {
	Name            string                 `json:"name"`
	Confidence      float64                `json:"confidence"`
	PortionEstimate string                 `json:"portion_estimate"`
	FoodGroup       string                 `json:"food_group"`
	Calories        float64                `json:"calories"`
	Protein         float64                `json:"protein"`
	Carbs           float64                `json:"carbs"`
	Fat             float64                `json:"fat"`
	Dairy           float64                `json:"dairy"`
	Vegetable       float64                `json:"vegetable"`
	Fruit           float64                `json:"fruit"`
	Micronutrients  map[string]interface{} `json:"micronutrients"`
}

type analysisResponse struct {
	ID              string                     `json:"id"`
	ImageID         string                     `json:"image_id"`
	Status          models.JobStatus           `json:"status"`
	MealType        string                     `json:"meal_type"`
	BalanceScore    float64                    `json:"balance_score"`
	Recommendations models.MealRecommendations `json:"recommendations"`
	IsFallbackData  bool                       `json:"is_fallback_data"`
	ErrorMessage    *string                    `json:"error_message"`
	Items           []foodItemResponse         `json:"detected_foods"`
	CreatedAt       time.Time                  `json:"created_at"`
	CompletedAt     *time.Time                 `json:"completed_at"`
}

func newAnalysisResponse(job *models.AnalysisJob) analysisResponse {
	resp := analysisResponse{
		ID:             job.ID,
		ImageID:        job.ImageID,
		Status:         job.Status,
		MealType:       job.MealType,
		BalanceScore:   job.BalanceScore,
		IsFallbackData: job.IsFallbackData,
		ErrorMessage:   job.ErrorMessage,
		Items:          make([]foodItemResponse, 0, len(job.Items)),
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status == models.StatusCompleted {
		resp.Recommendations = job.Recommendations.Data()
	}
	for _, item := range job.Items {
		resp.Items = append(resp.Items, foodItemResponse{
			Name:            item.Name,
			Confidence:      item.Confidence,
			PortionEstimate: item.PortionEstimate,
			FoodGroup:       item.FoodGroup,
			Calories:        item.Calories,
			Protein:         item.Protein,
			Carbs:           item.Carbs,
			Fat:             item.Fat,
			Dairy:           item.Dairy,
			Vegetable:       item.Vegetable,
			Fruit:           item.Fruit,
			Micronutrients:  item.Micronutrients,
		})
	}
	return resp
}

// CreateImageHandler records an uploaded image for the caller
func CreateImageHandler(images Images) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createImageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "storage_ref is required")
			return
		}

		image := &models.SourceImage{
			ID:         uuid.NewString(),
			OwnerID:    ownerID(c),
			StorageRef: req.StorageRef,
		}
		if err := images.CreateImage(c.Request.Context(), image); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"image_id": image.ID})
	}
}

// TriggerAnalysisHandler accepts an analysis of one of the caller's images and returns at once
func TriggerAnalysisHandler(orch Orchestrator, images Images, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerAnalysisRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "image_id is required")
			return
		}

		ctx := c.Request.Context()
		image, err := images.GetImage(ctx, req.ImageID)
		if err != nil {
			respondError(c, err)
			return
		}
		if image.OwnerID != ownerID(c) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		jobID, accepted, err := orch.TriggerAnalysis(ctx, req.ImageID, req.UseMock)
		if err != nil {
			logger.Warn("Trigger analysis rejected", "image_id", req.ImageID, "error", err)
			respondError(c, err)
			return
		}
		if !accepted {
			job, err := orch.Analysis(ctx, ownerID(c), jobID)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, newAnalysisResponse(job))
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"analysis_id": jobID,
			"status":      models.StatusProcessing,
		})
	}
}

// GetAnalysisHandler returns the current state of an analysis
func GetAnalysisHandler(orch Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := orch.Analysis(c.Request.Context(), ownerID(c), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, newAnalysisResponse(job))
	}
}
