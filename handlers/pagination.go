package handlers

import (
	"fmt"
	"strconv"
	"time"

	"cityflow/forecaster/models"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// PaginationParams select one page of stored forecasts. Before is an
// exclusive upper bound on prediction_for_ts.
type PaginationParams struct {
	Limit  int
	Before *time.Time
}

// PredictionPage is one page of GET /api/predictions. NextCursor is the
// prediction_for_ts of the last row and is only set when HasMore is true.
type PredictionPage struct {
	Data       []models.DataPrediction `json:"data"`
	NextCursor string                  `json:"next_cursor,omitempty"`
	HasMore    bool                    `json:"has_more"`
}

// ParsePagination reads limit and before from the query. A missing or
// non-positive limit falls back to DefaultLimit and is capped at MaxLimit.
// A before value that is not RFC 3339 is an error.
func ParsePagination(c *gin.Context) (PaginationParams, error) {
	p := PaginationParams{Limit: DefaultLimit}

	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			p.Limit = min(l, MaxLimit)
		}
	}

	if beforeStr := c.Query("before"); beforeStr != "" {
		t, err := time.Parse(time.RFC3339Nano, beforeStr)
		if err != nil {
			return p, fmt.Errorf("invalid before cursor %q: expected RFC 3339 timestamp", beforeStr)
		}
		t = t.UTC()
		p.Before = &t
	}

	return p, nil
}

// cacheKey identifies a page in Redis.
func (p PaginationParams) cacheKey(prefix, sensorCode, modelCode string) string {
	before := ""
	if p.Before != nil {
		before = p.Before.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s%s:%s:%d:%s", prefix, sensorCode, modelCode, p.Limit, before)
}

// newPredictionPage builds a page from rows fetched with limit+1, newest
// target first. The extra row only signals that more rows exist.
func newPredictionPage(rows []models.DataPrediction, limit int) PredictionPage {
	page := PredictionPage{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = trimPartialTimestamp(rows[:limit], rows[limit].PredictionForTS)
	}
	if rows == nil {
		rows = []models.DataPrediction{}
	}
	page.Data = rows
	if page.HasMore && len(rows) > 0 {
		page.NextCursor = rows[len(rows)-1].PredictionForTS.UTC().Format(time.RFC3339Nano)
	}
	return page
}

// trimPartialTimestamp ends a page on a whole target timestamp so the
// exclusive cursor does not skip other sensors' rows for that timestamp. A
// page made of a single timestamp is returned unchanged.
func trimPartialTimestamp(rows []models.DataPrediction, next time.Time) []models.DataPrediction {
	i := len(rows)
	for i > 0 && rows[i-1].PredictionForTS.Equal(next) {
		i--
	}
	if i == 0 {
		return rows
	}
	return rows[:i]
}
