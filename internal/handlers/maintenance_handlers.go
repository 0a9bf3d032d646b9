package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/services"
	"github.com/senyabanana/harvest-negotiation/internal/sweep"
	"github.com/senyabanana/harvest-negotiation/internal/utils"

	"github.com/sirupsen/logrus"
)

// MaintenanceHandler принимает обратные вызовы транспорта и внешний запуск обхода.
type MaintenanceHandler struct {
	Service *services.RequestService
	Sweeper *sweep.Sweeper
	Logger  *logrus.Logger
	Timeout time.Duration
}

// NewMaintenanceHandler создаёт новый экземпляр MaintenanceHandler.
func NewMaintenanceHandler(service *services.RequestService, sweeper *sweep.Sweeper, logger *logrus.Logger, timeout time.Duration) *MaintenanceHandler {
	return &MaintenanceHandler{
		Service: service,
		Sweeper: sweeper,
		Logger:  logger,
		Timeout: timeout,
	}
}

// RecordOutcome обрабатывает отчёт транспорта о доставке уведомления.
func (h *MaintenanceHandler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only POST is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	var report models.OutcomeReport
	if err := decodeBody(r, &report, false); err != nil {
		h.fail(w, "RecordOutcome", nil, err)
		return
	}

	rec, err := h.Service.RecordOutcome(ctx, report)
	if err != nil {
		h.fail(w, "RecordOutcome", report, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, rec)
}

// RunSweep выполняет один проход обслуживания по просроченным заявкам.
func (h *MaintenanceHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only POST is allowed")
		return
	}

	actor, err := actorFromRequest(r)
	if err != nil {
		h.fail(w, "RunSweep", nil, err)
		return
	}
	if actor.Role != models.SystemRole && actor.Role != models.AdminRole {
		h.fail(w, "RunSweep", actor.ID, models.ErrForbidden)
		return
	}

	result, err := h.Sweeper.RunOnce(r.Context())
	if err != nil {
		h.fail(w, "RunSweep", nil, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, result)
}

func (h *MaintenanceHandler) fail(w http.ResponseWriter, funcName string, data any, err error) {
	errorResponse := toErrorResponse(err)
	h.Logger.WithFields(logrus.Fields{
		"module":   "handlers",
		"funcName": funcName,
		"data":     data,
		"status":   errorResponse.StatusCode,
	}).Warn(err.Error())
	utils.SendErrorResponse(w, errorResponse.StatusCode, errorResponse.Message)
}
