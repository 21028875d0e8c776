package database

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jimdaga/balanced-plate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DevUserEmail identifies the seeded development user.
const DevUserEmail = "dev@balancedplate.local"

// SeedDevData populates the database with development test data.
// Idempotent: skips if data already exists.
func SeedDevData(db *gorm.DB) error {
	var existingUser models.User
	result := db.Where("email = ?", DevUserEmail).First(&existingUser)
	if result.Error == nil {
		slog.Info("Seed data already exists, skipping")
		return nil
	}

	return db.Transaction(func(tx *gorm.DB) error {
		user := models.User{
			ID:       uuid.NewString(),
			Email:    DevUserEmail,
			Name:     "Dev User",
			Timezone: "UTC",
			IsActive: true,
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("seed user: %w", err)
		}

		image := models.SourceImage{
			ID:         uuid.NewString(),
			OwnerID:    user.ID,
			StorageRef: "samples/jollof-rice.jpg",
		}
		if err := tx.Create(&image).Error; err != nil {
			return fmt.Errorf("seed image: %w", err)
		}

		now := time.Now().UTC()
		analysis := models.AnalysisJob{
			ID:           uuid.NewString(),
			OwnerID:      user.ID,
			ImageID:      image.ID,
			Status:       models.StatusCompleted,
			MealType:     "Dinner",
			BalanceScore: 0.65,
			Recommendations: datatypes.NewJSONType(models.MealRecommendations{
				Nutritional:         []string{"Add leafy greens to the next meal"},
				BalanceImprovements: []string{"Swap fried plantain for a grilled portion"},
				Timing:              []string{"Keep dinner at least two hours before bed"},
			}),
			IsFallbackData: true,
			EventSent:      true,
			EventSentAt:    &now,
			StartedAt:      &now,
			CompletedAt:    &now,
			Items: []models.DetectedFoodItem{
				{Position: 0, Name: "Jollof Rice", Confidence: 0.9, PortionEstimate: "1 cup", FoodGroup: "grains",
					Calories: 320, Protein: 6, Carbs: 58, Fat: 7, Vegetable: 20,
					Micronutrients: datatypes.JSONMap{"iron": 1.8, "magnesium": 40}},
				{Position: 1, Name: "Grilled Chicken", Confidence: 0.85, PortionEstimate: "120 g", FoodGroup: "protein",
					Calories: 200, Protein: 30, Fat: 8,
					Micronutrients: datatypes.JSONMap{"vitamin_b12": 0.4, "zinc": 2.1}},
			},
		}
		if err := tx.Create(&analysis).Error; err != nil {
			return fmt.Errorf("seed analysis: %w", err)
		}

		slog.Info("Seeded dev data: 1 user, 1 image, 1 completed analysis", "user_id", user.ID)
		return nil
	})
}
