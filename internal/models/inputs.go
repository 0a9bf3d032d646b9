package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type (
	FarmerResponse string // Ответ фермера
	BuyerResponse  string // Ответ покупателя на встречное предложение
)

const (
	FarmerAccept  FarmerResponse = "accept"
	FarmerReject  FarmerResponse = "reject"
	FarmerCounter FarmerResponse = "counter"

	BuyerAccept BuyerResponse = "accept"
	BuyerReject BuyerResponse = "reject"
)

// Actor - участник, от имени которого выполняется операция.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor - фоновый процесс обслуживания.
var SystemActor = Actor{ID: "system", Role: SystemRole}

// CreateRequestInput - запрос на создание заявки покупателя.
type CreateRequestInput struct {
	CropID   string          `json:"cropId" validate:"required"`
	FarmerID string          `json:"farmerId" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Unit     string          `json:"unit" validate:"required,max=16"`
	Price    decimal.Decimal `json:"price"`
	Note     string          `json:"note" validate:"max=500"`
}

// CounterTerms - условия встречного предложения.
type CounterTerms struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Note     string          `json:"note" validate:"max=500"`
}

// FarmerResponseInput - ответ фермера на запрос.
type FarmerResponseInput struct {
	Response FarmerResponse `json:"response" validate:"required,oneof=accept reject counter"`
	Counter  *CounterTerms  `json:"counter"`
	Note     string         `json:"note" validate:"max=500"`
}

// ConfirmInput - параметры подтверждения сделки.
type ConfirmInput struct {
	DeliveryMethod string `json:"deliveryMethod" validate:"max=64"`
	PaymentTerms   string `json:"paymentTerms" validate:"max=255"`
}

// DeliveryUpdateInput - обновление статуса доставки.
type DeliveryUpdateInput struct {
	Status DeliveryStatus `json:"status" validate:"required,oneof=picked_up in_transit delivered failed"`
	Note   string         `json:"note" validate:"max=500"`
	Rating *RatingInput   `json:"rating"`
}

// RatingInput - оценка покупателя при получении товара.
type RatingInput struct {
	Score   int    `json:"score" validate:"min=1,max=5"`
	Comment string `json:"comment" validate:"max=500"`
}

// PaymentInput - поступление или возврат оплаты.
type PaymentInput struct {
	Amount decimal.Decimal `json:"amount"`
	Refund bool            `json:"refund"`
}

// ExpiryExtensionInput - продление срока действия запроса администратором.
type ExpiryExtensionInput struct {
	ExpiresAt time.Time `json:"expiresAt" validate:"required"`
}
