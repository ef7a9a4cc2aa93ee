package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/jobstore/internal/store"
)

// HealthHandler reports whether the storage database is reachable.
type HealthHandler struct {
	store *store.Store
}

func NewHealthHandler(s *store.Store) *HealthHandler {
	return &HealthHandler{store: s}
}

// CheckHealth pings the database and reads its clock, which every lease and
// lock decision depends on.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	ctx := c.Request.Context()
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.store.DB().DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "error: " + err.Error()
	}

	components := gin.H{
		"database": dbStatus,
		"dialect":  h.store.DB().Dialector.Name(),
	}

	if now, err := h.store.UtcNow(ctx); err != nil {
		components["clock"] = "error: " + err.Error()
		overall = "unhealthy"
	} else {
		components["clock"] = now
	}
	if dbStatus != "ok" {
		overall = "unhealthy"
	}
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "jobstore",
		"components": components,
	})
}
