package controllers

import (
	"encoding/json"
	"net/http"

	"animochat_server/services"
)

// StatsController exposes pool occupancy and online counts for debugging
// and dashboards.
type StatsController struct {
	Pool  *services.PoolService
	Users *services.UserService
}

func NewStatsController(pool *services.PoolService, users *services.UserService) *StatsController {
	return &StatsController{Pool: pool, Users: users}
}

// GetStats returns the online user count and every queue partition's size.
func (c *StatsController) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	online, err := c.Users.OnlineCount(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	queues, err := c.Pool.Sizes(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"online": online,
		"queues": queues,
	})
}
