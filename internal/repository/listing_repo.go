package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ListingReader - чтение объявлений фермеров. Объявлениями владеет отдельный сервис.
type ListingReader interface {
	GetListing(ctx context.Context, cropId string) (*models.Listing, error)
}

// PostgresListingRepository читает объявления из общей базы.
type PostgresListingRepository struct {
	DB *pgxpool.Pool
}

// NewPostgresListingRepository создает новый экземпляр PostgresListingRepository.
func NewPostgresListingRepository(db *pgxpool.Pool) *PostgresListingRepository {
	return &PostgresListingRepository{DB: db}
}

// GetListing получает объявление по ID культуры.
func (r *PostgresListingRepository) GetListing(ctx context.Context, cropId string) (*models.Listing, error) {
	var (
		listing   models.Listing
		available string
		price     string
	)
	query := `SELECT id, farmer_id, crop_name, available_quantity::text, quantity_unit, price_per_unit::text, active
	          FROM crop_listing WHERE id = $1`
	err := r.DB.QueryRow(ctx, query, cropId).Scan(
		&listing.ID,
		&listing.FarmerID,
		&listing.CropName,
		&available,
		&listing.QuantityUnit,
		&price,
		&listing.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrListingUnavailable
		}
		return nil, err
	}
	if listing.AvailableQuantity, err = decimal.NewFromString(available); err != nil {
		return nil, fmt.Errorf("invalid available quantity for listing %s: %w", cropId, err)
	}
	if listing.PricePerUnit, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price for listing %s: %w", cropId, err)
	}
	return &listing, nil
}
