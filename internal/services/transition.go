package services

import (
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/utils"
)

// allowedStatusTransition - граф допустимых переходов статуса запроса.
var allowedStatusTransition = map[models.RequestStatus][]models.RequestStatus{
	models.PendingRequest: {
		models.ViewedRequest,
		models.FarmerAcceptedRequest,
		models.FarmerRejectedRequest,
		models.FarmerCounteredRequest,
		models.CancelledRequest,
		models.ExpiredRequest,
	},
	models.ViewedRequest: {
		models.FarmerAcceptedRequest,
		models.FarmerRejectedRequest,
		models.FarmerCounteredRequest,
		models.CancelledRequest,
		models.ExpiredRequest,
	},
	models.FarmerCounteredRequest: {
		models.BuyerAcceptedRequest,
		models.BuyerRejectedRequest,
		models.CancelledRequest,
		models.ExpiredRequest,
	},
	models.BuyerAcceptedRequest:  {models.ConfirmedRequest},
	models.FarmerAcceptedRequest: {models.ConfirmedRequest},
	models.ConfirmedRequest:      {models.InTransitRequest, models.CancelledRequest},
	models.InTransitRequest:      {models.CompletedRequest, models.CancelledRequest},
	models.FarmerRejectedRequest: {},
	models.BuyerRejectedRequest:  {},
	models.CompletedRequest:      {},
	models.CancelledRequest:      {},
	models.ExpiredRequest:        {},
}

// TransitionEngine - единственная точка изменения статуса запроса.
// Методы не меняют входную запись и возвращают обновлённую копию.
type TransitionEngine struct{}

// NewTransitionEngine создает новый экземпляр TransitionEngine.
func NewTransitionEngine() *TransitionEngine {
	return &TransitionEngine{}
}

// CanTransition проверяет наличие ребра from -> to в графе переходов.
func (e *TransitionEngine) CanTransition(from, to models.RequestStatus) bool {
	return utils.Contains(allowedStatusTransition[from], to)
}

// ApplyTransition переводит запрос в новый статус и дописывает историю.
func (e *TransitionEngine) ApplyTransition(rec models.Request, target models.RequestStatus, note, actor string, at time.Time) (models.Request, error) {
	if err := e.check(rec.Status, target); err != nil {
		return rec, err
	}
	return e.apply(rec, target, note, actor, at), nil
}

// Cancel отменяет запрос из любого нетерминального статуса.
func (e *TransitionEngine) Cancel(rec models.Request, note, actor string, at time.Time) (models.Request, error) {
	target := models.CancelledRequest
	switch {
	case rec.Status == target:
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrAlreadyInState}
	case !rec.Status.IsKnown():
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrUnknownStatus}
	case rec.Status.IsTerminal():
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrTerminalStateViolation}
	}
	return e.apply(rec, target, note, actor, at), nil
}

// Expire переводит открытый запрос в статус expired.
func (e *TransitionEngine) Expire(rec models.Request, note string, at time.Time) (models.Request, error) {
	target := models.ExpiredRequest
	switch {
	case rec.Status == target:
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrAlreadyInState}
	case !rec.Status.IsKnown():
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrUnknownStatus}
	case rec.Status.IsTerminal():
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrTerminalStateViolation}
	case !rec.Status.IsOpen():
		return rec, &models.TransitionError{From: rec.Status, To: target, Err: models.ErrInvalidTransition}
	}
	return e.apply(rec, target, note, string(models.SystemRole), at), nil
}

func (e *TransitionEngine) check(from, to models.RequestStatus) error {
	switch {
	case !from.IsKnown() || !to.IsKnown():
		return &models.TransitionError{From: from, To: to, Err: models.ErrUnknownStatus}
	case from == to:
		return &models.TransitionError{From: from, To: to, Err: models.ErrAlreadyInState}
	case from.IsTerminal():
		return &models.TransitionError{From: from, To: to, Err: models.ErrTerminalStateViolation}
	case !e.CanTransition(from, to):
		return &models.TransitionError{From: from, To: to, Err: models.ErrInvalidTransition}
	}
	return nil
}

func (e *TransitionEngine) apply(rec models.Request, target models.RequestStatus, note, actor string, at time.Time) models.Request {
	out := rec.Clone()
	out.Status = target
	out.StatusHistory = append(out.StatusHistory, models.StatusEntry{
		Status: target,
		At:     at.UTC(),
		Note:   note,
		Actor:  actor,
	})
	// IVR-звонки нужны только пока фермер не ответил.
	if !target.AwaitingFarmer() {
		out.Contact.NextIVRCallScheduled = nil
	}
	return out
}
