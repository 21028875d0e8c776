// Package storetest opens throwaway in-memory databases for tests.
package storetest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

// Open returns a migrated SQLite database private to t.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	// A named shared-cache memory database keeps every pooled connection on the same data.
	dsn := fmt.Sprintf("file:storetest%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.All()...))

	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// User inserts an active user with the given ID.
func User(t testing.TB, db *gorm.DB, id string) *models.User {
	t.Helper()
	user := &models.User{ID: id, Email: id + "@example.test", Name: id, Timezone: "UTC", IsActive: true}
	require.NoError(t, db.Create(user).Error)
	return user
}

// Image inserts an idle image owned by ownerID.
func Image(t testing.TB, db *gorm.DB, id, ownerID string) *models.SourceImage {
	t.Helper()
	image := &models.SourceImage{ID: id, OwnerID: ownerID, StorageRef: "images/" + id + ".jpg"}
	require.NoError(t, db.Create(image).Error)
	return image
}

// CompletedAnalysis inserts a completed job created at createdAt with the given items.
func CompletedAnalysis(t testing.TB, db *gorm.DB, ownerID, mealType string, score float64, createdAt time.Time, items ...models.DetectedFoodItem) *models.AnalysisJob {
	t.Helper()
	imageID := uuid.NewString()
	Image(t, db, imageID, ownerID)

	job := &models.AnalysisJob{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ImageID:      imageID,
		Status:       models.StatusCompleted,
		MealType:     mealType,
		BalanceScore: score,
		EventSent:    true,
		CreatedAt:    createdAt.UTC(),
		Items:        items,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}
