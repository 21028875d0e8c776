package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/balanced-plate/internal/aggregate"
)

func parseDate(c *gin.Context, key string) (time.Time, bool) {
	value := c.Query(key)
	if value == "" {
		badRequest(c, key+" is required")
		return time.Time{}, false
	}
	t, err := time.Parse(aggregate.DateLayout, value)
	if err != nil {
		badRequest(c, key+" must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

// WindowHandler returns the aggregate for ?start=..&end=.. (inclusive dates)
func WindowHandler(analytics Analytics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start, ok := parseDate(c, "start")
		if !ok {
			return
		}
		end, ok := parseDate(c, "end")
		if !ok {
			return
		}
		if end.Before(start) {
			badRequest(c, "end must not be before start")
			return
		}

		agg, err := analytics.Aggregate(c.Request.Context(), ownerID(c), start, end)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, agg)
	}
}

// TimingHandler returns hourly calories and micronutrient shares for ?date=..
func TimingHandler(analytics Analytics) gin.HandlerFunc {
	return func(c *gin.Context) {
		day, ok := parseDate(c, "date")
		if !ok {
			return
		}

		ctx := c.Request.Context()
		hourly, err := analytics.HourlyCalories(ctx, ownerID(c), day)
		if err != nil {
			respondError(c, err)
			return
		}
		micros, err := analytics.DailyMicronutrients(ctx, ownerID(c), day)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"date":           day.Format(aggregate.DateLayout),
			"hourly":         hourly,
			"micronutrients": micros,
		})
	}
}
