package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/utils"

	"github.com/go-playground/validator/v10"
)

const (
	actorIdHeader   = "X-Actor-Id"
	actorRoleHeader = "X-Actor-Role"
)

// actorFromRequest берёт участника из заголовков, которые выставляет слой авторизации.
func actorFromRequest(r *http.Request) (models.Actor, error) {
	actor := models.Actor{
		ID:   strings.TrimSpace(r.Header.Get(actorIdHeader)),
		Role: models.Role(strings.TrimSpace(r.Header.Get(actorRoleHeader))),
	}
	if actor.ID == "" {
		return actor, models.NewErrorResponse(http.StatusUnauthorized, "missing actor identity")
	}
	switch actor.Role {
	case models.BuyerRole, models.FarmerRole, models.AdminRole, models.SystemRole:
		return actor, nil
	}
	return actor, models.NewErrorResponse(http.StatusUnauthorized, "unknown actor role")
}

// decodeBody разбирает JSON-тело; пустое тело допустимо, если optional.
func decodeBody(r *http.Request, dst any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return models.NewErrorResponse(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// toErrorResponse переводит ошибки сервиса в HTTP-ответ.
func toErrorResponse(err error) *models.ErrorResponse {
	var errorResponse *models.ErrorResponse
	if errors.As(err, &errorResponse) {
		return errorResponse
	}

	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		return models.NewErrorResponse(http.StatusBadRequest, "invalid input: "+formatFields(utils.ProcessValidationErrors(validationErrors)))
	case errors.Is(err, models.ErrInvalidInput):
		return models.NewErrorResponse(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrForbidden):
		return models.NewErrorResponse(http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrNotFound):
		return models.NewErrorResponse(http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrExpiredRecord):
		return models.NewErrorResponse(http.StatusGone, err.Error())
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrTerminalStateViolation),
		errors.Is(err, models.ErrConflictRetryExhausted),
		errors.Is(err, models.ErrVersionConflict):
		return models.NewErrorResponse(http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidQuantity),
		errors.Is(err, models.ErrInvalidPrice),
		errors.Is(err, models.ErrInvalidCounterTerms),
		errors.Is(err, models.ErrListingUnavailable):
		return models.NewErrorResponse(http.StatusUnprocessableEntity, err.Error())
	}
	return models.NewErrorResponse(http.StatusInternalServerError, "internal server error")
}

func formatFields(fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for field, tag := range fields {
		parts = append(parts, fmt.Sprintf("%s failed %s", field, tag))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
