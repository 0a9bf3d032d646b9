package models

import "github.com/shopspring/decimal"

// Listing - объявление фермера о продаже урожая (только чтение).
type Listing struct {
	ID                string          `json:"id"`
	FarmerID          string          `json:"farmerId"`
	CropName          string          `json:"cropName"`
	AvailableQuantity decimal.Decimal `json:"availableQuantity"`
	QuantityUnit      string          `json:"quantityUnit"`
	PricePerUnit      decimal.Decimal `json:"pricePerUnit"`
	Active            bool            `json:"active"`
}
