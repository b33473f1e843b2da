package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

const serviceName = "community-service"

// ConnectionChecker reports message bus connectivity
type ConnectionChecker interface {
	IsConnected() bool
}

// Pinger reports cache connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db    *gorm.DB
	nats  ConnectionChecker
	redis Pinger
}

// NewHealthHandler creates a new health handler. nats and redis may be nil when disabled.
func NewHealthHandler(db *gorm.DB, nats ConnectionChecker, redis Pinger) *HealthHandler {
	return &HealthHandler{
		db:    db,
		nats:  nats,
		redis: redis,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents a health check result
type Check struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemInfo represents system runtime information
type SystemInfo struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc_mb"`
	NumCPU      int    `json:"num_cpu"`
	GoVersion   string `json:"go_version"`
}

// Health returns liveness, with dependency checks when ?detailed=true
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Service:   serviceName,
		Version:   "1.0.0",
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if c.Query("detailed") == "true" {
		response.Checks = map[string]Check{
			"database": h.checkDatabase(),
			"nats":     h.checkNATS(),
			"redis":    h.checkRedis(c.Request.Context()),
		}
		response.System = getSystemInfo()
	}

	c.JSON(http.StatusOK, response)
}

// Ready fails only when the database is unreachable.
// NATS and Redis are optional: events are dropped and rate limiting falls back to memory.
func (h *HealthHandler) Ready(c *gin.Context) {
	response := HealthResponse{
		Service:   serviceName,
		Version:   "1.0.0",
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks: map[string]Check{
			"database": h.checkDatabase(),
			"nats":     h.checkNATS(),
			"redis":    h.checkRedis(c.Request.Context()),
		},
	}

	if response.Checks["database"].Status != "healthy" {
		response.Status = "not ready"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Status = "ready"
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkDatabase() Check {
	sqlDB, err := h.db.DB()
	if err != nil {
		return Check{Status: "unhealthy", Message: "Failed to get database instance"}
	}
	if err := sqlDB.Ping(); err != nil {
		return Check{Status: "unhealthy", Message: "Database ping failed"}
	}

	stats := sqlDB.Stats()
	return Check{
		Status:  "healthy",
		Message: "Database connected",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
}

func (h *HealthHandler) checkNATS() Check {
	if h.nats == nil {
		return Check{Status: "disabled", Message: "NATS client not initialized"}
	}
	if !h.nats.IsConnected() {
		return Check{Status: "unhealthy", Message: "NATS disconnected"}
	}
	return Check{Status: "healthy", Message: "NATS connected"}
}

func (h *HealthHandler) checkRedis(ctx context.Context) Check {
	if h.redis == nil {
		return Check{Status: "disabled", Message: "Redis client not initialized"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx); err != nil {
		return Check{Status: "unhealthy", Message: "Redis ping failed"}
	}
	return Check{Status: "healthy", Message: "Redis connected"}
}

func getSystemInfo() *SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &SystemInfo{
		Goroutines:  runtime.NumGoroutine(),
		MemoryAlloc: mem.Alloc / 1024 / 1024,
		NumCPU:      runtime.NumCPU(),
		GoVersion:   runtime.Version(),
	}
}
