package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pomelo/internal/pkg/cache"
	"pomelo/internal/pkg/mongodb"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	mongo *mongodb.Client
	redis *cache.RedisCache
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(mongo *mongodb.Client, redis *cache.RedisCache) *HealthHandler {
	return &HealthHandler{mongo: mongo, redis: redis}
}

// Health 健康检查
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Ready 就绪检查（探测已配置的依赖）
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true

	if h.mongo != nil {
		if err := h.mongo.Client().Ping(ctx, nil); err != nil {
			checks["mongo"] = err.Error()
			ready = false
		} else {
			checks["mongo"] = "ok"
		}
	}
	if h.redis != nil {
		if err := h.redis.Client().Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}
