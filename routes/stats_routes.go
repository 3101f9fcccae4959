package routes

import (
	"animochat_server/controllers"
	"animochat_server/services"

	"github.com/gorilla/mux"
)

// RegisterStatsRoutes wires the queue/occupancy stats endpoint.
func RegisterStatsRoutes(r *mux.Router, pool *services.PoolService, users *services.UserService) {
	controller := controllers.NewStatsController(pool, users)
	r.HandleFunc("/stats", controller.GetStats).Methods("GET")
}
