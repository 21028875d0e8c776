package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type page struct {
	limit  int
	offset int
}

type listResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// parsePage reads limit and offset from the query string. A missing limit defaults to
// defaultPageLimit; larger limits are capped at maxPageLimit.
func parsePage(c *gin.Context) (page, bool) {
	p := page{limit: defaultPageLimit}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return p, false
		}
		p.limit = min(n, maxPageLimit)
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return p, false
		}
		p.offset = n
	}
	return p, true
}

// ListAnalysesHandler returns the caller's analyses, newest first
func ListAnalysesHandler(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := parsePage(c)
		if !ok {
			return
		}
		jobs, total, err := history.ListAnalyses(c.Request.Context(), ownerID(c), p.limit, p.offset)
		if err != nil {
			respondError(c, err)
			return
		}

		items := make([]analysisResponse, 0, len(jobs))
		for i := range jobs {
			items = append(items, newAnalysisResponse(&jobs[i]))
		}
		c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Limit: p.limit, Offset: p.offset})
	}
}

// ListReportsHandler returns the caller's weekly reports, latest week first
func ListReportsHandler(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := parsePage(c)
		if !ok {
			return
		}
		jobs, total, err := history.ListReports(c.Request.Context(), ownerID(c), p.limit, p.offset)
		if err != nil {
			respondError(c, err)
			return
		}

		items := make([]reportResponse, 0, len(jobs))
		for i := range jobs {
			items = append(items, newReportResponse(&jobs[i]))
		}
		c.JSON(http.StatusOK, listResponse{Items: items, Total: total, Limit: p.limit, Offset: p.offset})
	}
}
