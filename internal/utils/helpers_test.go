package utils

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLimitOffset(t *testing.T) {
	limit, offset, err := ParseLimitOffset("", "")
	require.NoError(t, err)
	assert.Equal(t, 5, limit)
	assert.Equal(t, 0, offset)

	limit, offset, err = ParseLimitOffset("50", "10")
	require.NoError(t, err)
	assert.Equal(t, 50, limit)
	assert.Equal(t, 10, offset)

	for _, tc := range [][2]string{{"0", ""}, {"51", ""}, {"abc", ""}, {"", "-1"}, {"", "x"}} {
		_, _, err = ParseLimitOffset(tc[0], tc[1])
		assert.Error(t, err, "limit=%q offset=%q", tc[0], tc[1])
	}
}

func TestNormalizePhone(t *testing.T) {
	phone, err := NormalizePhone("+91 98123 45678", "IN")
	require.NoError(t, err)
	assert.Equal(t, "+919812345678", phone)

	phone, err = NormalizePhone("650-253-0000", "US")
	require.NoError(t, err)
	assert.Equal(t, "+16502530000", phone)

	_, err = NormalizePhone("", "IN")
	assert.Error(t, err)
	_, err = NormalizePhone("12345", "IN")
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	assert.True(t, Contains([]string{"web", "sms"}, "sms"))
	assert.False(t, Contains([]int{1, 2}, 3))
	assert.False(t, Contains(nil, "x"))
}

func TestProcessValidationErrors(t *testing.T) {
	type input struct {
		CropID string `validate:"required"`
		Unit   string `validate:"max=3"`
	}
	err := validator.New().Struct(input{Unit: "bushel"})
	require.Error(t, err)

	fields := ProcessValidationErrors(fmt.Errorf("wrapped: %w", err))
	assert.Equal(t, map[string]string{"CropID": "required", "Unit": "max"}, fields)

	assert.Empty(t, ProcessValidationErrors(fmt.Errorf("plain")))
}

func TestSendErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	SendErrorResponse(rec, http.StatusConflict, "request is in a terminal status")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"reason":"request is in a terminal status"}`, rec.Body.String())
}
