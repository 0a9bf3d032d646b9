package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/router/config"
	"github.com/senyabanana/harvest-negotiation/internal/services"
	"github.com/senyabanana/harvest-negotiation/internal/utils"

	"github.com/sirupsen/logrus"
)

// RequestHandler - структура для обработки HTTP-запросов по заявкам покупателей.
type RequestHandler struct {
	Service *services.RequestService
	Logger  *logrus.Logger
	Timeout time.Duration
}

// NewRequestHandler создаёт новый экземпляр RequestHandler.
func NewRequestHandler(service *services.RequestService, logger *logrus.Logger, timeout time.Duration) *RequestHandler {
	return &RequestHandler{
		Service: service,
		Logger:  logger,
		Timeout: timeout,
	}
}

type counterDecisionBody struct {
	Response models.BuyerResponse `json:"response"`
	Note     string               `json:"note"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// sendError логирует ошибку и отправляет ответ с подходящим кодом.
func (h *RequestHandler) sendError(w http.ResponseWriter, funcName string, data any, err error) {
	errorResponse := toErrorResponse(err)
	if errorResponse.StatusCode >= http.StatusInternalServerError {
		config.LogError(h.Logger, "handlers", funcName, "request failed", data, err)
	} else {
		h.Logger.WithFields(logrus.Fields{
			"module":   "handlers",
			"funcName": funcName,
			"data":     data,
			"status":   errorResponse.StatusCode,
		}).Info(err.Error())
	}
	utils.SendErrorResponse(w, errorResponse.StatusCode, errorResponse.Message)
}

// CreateRequest обрабатывает запросы для создания заявки.
func (h *RequestHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only POST is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	actor, err := actorFromRequest(r)
	if err != nil {
		h.sendError(w, "CreateRequest", nil, err)
		return
	}
	var in models.CreateRequestInput
	if err := decodeBody(r, &in, false); err != nil {
		h.sendError(w, "CreateRequest", actor.ID, err)
		return
	}

	rec, err := h.Service.CreateRequest(ctx, actor, in)
	if err != nil {
		h.sendError(w, "CreateRequest", in, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, rec)
}

// GetUserRequests обрабатывает запросы для получения заявок пользователя.
func (h *RequestHandler) GetUserRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only GET is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	actor, err := actorFromRequest(r)
	if err != nil {
		h.sendError(w, "GetUserRequests", nil, err)
		return
	}
	limit, offset, err := utils.ParseLimitOffset(r.URL.Query().Get("limit"), r.URL.Query().Get("offset"))
	if err != nil {
		utils.SendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	requests, err := h.Service.ListMine(ctx, actor, limit, offset)
	if err != nil {
		h.sendError(w, "GetUserRequests", actor.ID, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, requests)
}

// GetRequest обрабатывает запросы для получения заявки.
func (h *RequestHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only GET is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	actor, err := actorFromRequest(r)
	if err != nil {
		h.sendError(w, "GetRequest", nil, err)
		return
	}
	requestId := r.PathValue("requestId")

	rec, err := h.Service.Get(ctx, actor, requestId)
	if err != nil {
		h.sendError(w, "GetRequest", requestId, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, rec)
}

// ViewRequest отмечает заявку просмотренной фермером.
func (h *RequestHandler) ViewRequest(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "ViewRequest", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		return h.Service.MarkViewed(ctx, actor, requestId)
	})
}

// RespondRequest обрабатывает ответ фермера.
func (h *RequestHandler) RespondRequest(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "RespondRequest", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var in models.FarmerResponseInput
		if err := decodeBody(r, &in, false); err != nil {
			return nil, err
		}
		return h.Service.FarmerRespond(ctx, actor, requestId, in)
	})
}

// SubmitCounterDecision обрабатывает решение покупателя по встречному предложению.
func (h *RequestHandler) SubmitCounterDecision(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "SubmitCounterDecision", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var body counterDecisionBody
		if err := decodeBody(r, &body, false); err != nil {
			return nil, err
		}
		return h.Service.BuyerRespondToCounter(ctx, actor, requestId, body.Response, body.Note)
	})
}

// ConfirmRequest обрабатывает подтверждение сделки.
func (h *RequestHandler) ConfirmRequest(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "ConfirmRequest", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var in models.ConfirmInput
		if err := decodeBody(r, &in, true); err != nil {
			return nil, err
		}
		return h.Service.Confirm(ctx, actor, requestId, in)
	})
}

// CancelRequest обрабатывает отмену заявки.
func (h *RequestHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "CancelRequest", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var body cancelBody
		if err := decodeBody(r, &body, true); err != nil {
			return nil, err
		}
		return h.Service.Cancel(ctx, actor, requestId, body.Reason)
	})
}

// UpdateDelivery обрабатывает изменение статуса доставки.
func (h *RequestHandler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "UpdateDelivery", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var in models.DeliveryUpdateInput
		if err := decodeBody(r, &in, false); err != nil {
			return nil, err
		}
		return h.Service.UpdateDelivery(ctx, actor, requestId, in)
	})
}

// RecordPayment обрабатывает поступление оплаты.
func (h *RequestHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "RecordPayment", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var in models.PaymentInput
		if err := decodeBody(r, &in, false); err != nil {
			return nil, err
		}
		return h.Service.RecordPayment(ctx, actor, requestId, in)
	})
}

// ExtendExpiry обрабатывает продление срока действия заявки.
func (h *RequestHandler) ExtendExpiry(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "ExtendExpiry", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		var in models.ExpiryExtensionInput
		if err := decodeBody(r, &in, false); err != nil {
			return nil, err
		}
		return h.Service.ExtendExpiry(ctx, actor, requestId, in)
	})
}

// TickRequest запускает обслуживание одной заявки.
func (h *RequestHandler) TickRequest(w http.ResponseWriter, r *http.Request) {
	h.handleUpdate(w, r, "TickRequest", func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
		if actor.Role != models.SystemRole && actor.Role != models.AdminRole {
			return nil, models.ErrForbidden
		}
		return h.Service.TickNow(ctx, requestId)
	})
}

type updateFunc func(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error)

// handleUpdate - общий обработчик изменяющих операций над заявкой.
func (h *RequestHandler) handleUpdate(w http.ResponseWriter, r *http.Request, funcName string, fn updateFunc) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		utils.SendErrorResponse(w, http.StatusBadRequest, "invalid method, only PUT or POST is allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()

	actor, err := actorFromRequest(r)
	if err != nil {
		h.sendError(w, funcName, nil, err)
		return
	}
	requestId := r.PathValue("requestId")

	rec, err := fn(ctx, actor, requestId)
	if err != nil {
		h.sendError(w, funcName, requestId, err)
		return
	}
	utils.SendJSON(w, http.StatusOK, rec)
}
