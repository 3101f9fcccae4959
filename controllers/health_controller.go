package controllers

import (
	"encoding/json"
	"net/http"

	"animochat_server/services"
)

// HealthController reports process and store health.
type HealthController struct {
	Redis *services.RedisService
}

func NewHealthController(redis *services.RedisService) *HealthController {
	return &HealthController{Redis: redis}
}

// GetHealth answers 200 while the shared store is reachable, 503 otherwise.
func (c *HealthController) GetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := c.Redis.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
