package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// RequestRepository - интерфейс для работы с запросами покупателей.
// UpdateRequest пишет запись только если версия в хранилище совпадает с rec.Version.
type RequestRepository interface {
	CreateRequest(ctx context.Context, rec models.Request) (*models.Request, error)
	GetRequest(ctx context.Context, requestId string) (*models.Request, error)
	UpdateRequest(ctx context.Context, rec models.Request) (*models.Request, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListByParticipant(ctx context.Context, userId string, limit, offset int) ([]models.Request, error)
}

// PostgresRequestRepository - реализация RequestRepository для базы данных.
// Запрос хранится одним JSONB-документом, индексируемые поля вынесены в колонки.
type PostgresRequestRepository struct {
	DB *pgxpool.Pool
}

// NewPostgresRequestRepository создает новый экземпляр PostgresRequestRepository.
func NewPostgresRequestRepository(db *pgxpool.Pool) *PostgresRequestRepository {
	return &PostgresRequestRepository{DB: db}
}

// CreateRequest сохраняет новый запрос.
func (r *PostgresRequestRepository) CreateRequest(ctx context.Context, rec models.Request) (*models.Request, error) {
	if rec.Version <= 0 {
		rec.Version = 1
	}
	document, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	insertQuery := `INSERT INTO negotiation_request (id, buyer_id, farmer_id, crop_id, status, expires_at, next_ivr_call_scheduled, created_at, updated_at, version, document)
                   VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, $10)`
	_, err = r.DB.Exec(
		ctx,
		insertQuery,
		rec.ID,
		rec.BuyerID,
		rec.FarmerID,
		rec.CropID,
		rec.Status,
		rec.ExpiresAt,
		rec.Contact.NextIVRCallScheduled,
		rec.CreatedAt,
		rec.Version,
		document)
	if err != nil {
		return nil, fmt.Errorf("failed to insert request: %w", err)
	}
	return &rec, nil
}

// GetRequest возвращает запрос по ID.
func (r *PostgresRequestRepository) GetRequest(ctx context.Context, requestId string) (*models.Request, error) {
	query := `SELECT version, document FROM negotiation_request WHERE id = $1`
	var (
		version  int
		document []byte
	)
	err := r.DB.QueryRow(ctx, query, requestId).Scan(&version, &document)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return decodeRequest(version, document)
}

// UpdateRequest сохраняет запрос с проверкой версии.
func (r *PostgresRequestRepository) UpdateRequest(ctx context.Context, rec models.Request) (*models.Request, error) {
	expected := rec.Version
	rec.Version = expected + 1
	document, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	updateQuery := `
		UPDATE negotiation_request
		SET status = $1, expires_at = $2, next_ivr_call_scheduled = $3, updated_at = $4, version = version + 1, document = $5
		WHERE id = $6 AND version = $7`
	tag, err := r.DB.Exec(
		ctx,
		updateQuery,
		rec.Status,
		rec.ExpiresAt,
		rec.Contact.NextIVRCallScheduled,
		time.Now().UTC(),
		document,
		rec.ID,
		expected)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		existsQuery := `SELECT EXISTS(SELECT 1 FROM negotiation_request WHERE id = $1)`
		if err := r.DB.QueryRow(ctx, existsQuery, rec.ID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, models.ErrNotFound
		}
		return nil, models.ErrVersionConflict
	}
	return &rec, nil
}

// ListDue возвращает ID открытых запросов, у которых наступил срок звонка или истечения.
func (r *PostgresRequestRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	statuses := make([]string, 0, len(models.OpenStatuses))
	for _, status := range models.OpenStatuses {
		statuses = append(statuses, string(status))
	}
	query := `
		SELECT id FROM negotiation_request
		WHERE status = ANY($1)
		AND (next_ivr_call_scheduled <= $2 OR expires_at <= $2)
		ORDER BY LEAST(COALESCE(next_ivr_call_scheduled, expires_at), expires_at)
		LIMIT $3`
	rows, err := r.DB.Query(ctx, query, pq.Array(statuses), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListByParticipant возвращает запросы, где пользователь покупатель или фермер.
func (r *PostgresRequestRepository) ListByParticipant(ctx context.Context, userId string, limit, offset int) ([]models.Request, error) {
	query := `
		SELECT version, document FROM negotiation_request
		WHERE buyer_id = $1 OR farmer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.DB.Query(ctx, query, userId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []models.Request
	for rows.Next() {
		var (
			version  int
			document []byte
		)
		if err := rows.Scan(&version, &document); err != nil {
			return nil, err
		}
		rec, err := decodeRequest(version, document)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *rec)
	}
	return requests, rows.Err()
}

func decodeRequest(version int, document []byte) (*models.Request, error) {
	var rec models.Request
	if err := json.Unmarshal(document, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	rec.Version = version
	return &rec, nil
}
