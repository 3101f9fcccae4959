package routes

import (
	"animochat_server/controllers"
	"animochat_server/services"

	"github.com/gorilla/mux"
)

// RegisterHealthRoutes wires the health-check endpoint.
func RegisterHealthRoutes(r *mux.Router, redis *services.RedisService) {
	controller := controllers.NewHealthController(redis)
	r.HandleFunc("/health", controller.GetHealth).Methods("GET")
}
