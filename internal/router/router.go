package router

import (
	"net/http"

	"github.com/senyabanana/harvest-negotiation/internal/handlers"
)

func InitRoutes(ping http.HandlerFunc, requestHandler *handlers.RequestHandler, maintenanceHandler *handlers.MaintenanceHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/ping", ping)
	mux.HandleFunc("POST /api/requests/new", requestHandler.CreateRequest)
	mux.HandleFunc("GET /api/requests/my", requestHandler.GetUserRequests)
	mux.HandleFunc("GET /api/requests/{requestId}", requestHandler.GetRequest)
	mux.HandleFunc("PUT /api/requests/{requestId}/view", requestHandler.ViewRequest)
	mux.HandleFunc("PUT /api/requests/{requestId}/respond", requestHandler.RespondRequest)
	mux.HandleFunc("PUT /api/requests/{requestId}/counter_decision", requestHandler.SubmitCounterDecision)
	mux.HandleFunc("PUT /api/requests/{requestId}/confirm", requestHandler.ConfirmRequest)
	mux.HandleFunc("PUT /api/requests/{requestId}/cancel", requestHandler.CancelRequest)
	mux.HandleFunc("PUT /api/requests/{requestId}/delivery", requestHandler.UpdateDelivery)
	mux.HandleFunc("POST /api/requests/{requestId}/payments", requestHandler.RecordPayment)
	mux.HandleFunc("PUT /api/requests/{requestId}/expiry", requestHandler.ExtendExpiry)
	mux.HandleFunc("POST /api/requests/{requestId}/tick", requestHandler.TickRequest)

	mux.HandleFunc("/api/notifications/outcome", maintenanceHandler.RecordOutcome)
	mux.HandleFunc("/api/sweep", maintenanceHandler.RunSweep)

	return mux
}
