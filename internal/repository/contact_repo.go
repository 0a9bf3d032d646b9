package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/utils"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ContactDirectory - контакты и настройки уведомлений пользователей.
type ContactDirectory interface {
	GetContact(ctx context.Context, userId string, role models.Role) (*models.Contact, error)
}

// PostgresContactRepository читает контакты из справочника пользователей.
type PostgresContactRepository struct {
	DB     *pgxpool.Pool
	Region string
	Logger *logrus.Logger
}

// NewPostgresContactRepository создает новый экземпляр PostgresContactRepository.
func NewPostgresContactRepository(db *pgxpool.Pool, region string, logger *logrus.Logger) *PostgresContactRepository {
	return &PostgresContactRepository{DB: db, Region: region, Logger: logger}
}

// GetContact получает контакт пользователя. Номер приводится к E.164;
// невалидный номер отбрасывается, и SMS/IVR для пользователя не выбираются.
func (r *PostgresContactRepository) GetContact(ctx context.Context, userId string, role models.Role) (*models.Contact, error) {
	var (
		contact    models.Contact
		phone      string
		categories []string
	)
	query := `SELECT user_id, COALESCE(phone, ''), COALESCE(language, ''), sms_enabled, COALESCE(sms_categories, '{}')
	          FROM user_contact WHERE user_id = $1`
	err := r.DB.QueryRow(ctx, query, userId).Scan(
		&contact.UserID,
		&phone,
		&contact.Language,
		&contact.Preferences.SMSEnabled,
		&categories,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.Contact{UserID: userId, Role: role}, nil
		}
		return nil, err
	}
	contact.Role = role

	if phone != "" {
		normalized, err := utils.NormalizePhone(phone, r.Region)
		if err != nil {
			r.Logger.WithFields(logrus.Fields{
				"module":   "repository",
				"funcName": "GetContact",
				"user_id":  userId,
			}).Warn("dropping invalid phone number: " + err.Error())
		} else {
			contact.Phone = normalized
		}
	}
	if len(categories) > 0 {
		contact.Preferences.SMSCategories = make(map[models.EventCategory]bool, len(categories))
		for _, category := range categories {
			contact.Preferences.SMSCategories[models.EventCategory(category)] = true
		}
	}
	return &contact, nil
}

// CachedContactDirectory кэширует контакты в Redis. Без клиента Redis работает как прокси.
type CachedContactDirectory struct {
	next   ContactDirectory
	rdb    *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCachedContactDirectory создает новый экземпляр CachedContactDirectory.
func NewCachedContactDirectory(next ContactDirectory, rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedContactDirectory {
	return &CachedContactDirectory{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func contactKey(userId string) string {
	return fmt.Sprintf("contact:%s", userId)
}

// GetContact возвращает контакт из кэша или из справочника.
// Ошибки Redis не прерывают операцию.
func (c *CachedContactDirectory) GetContact(ctx context.Context, userId string, role models.Role) (*models.Contact, error) {
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, contactKey(userId)).Result()
		switch {
		case err == nil:
			var contact models.Contact
			if err := json.Unmarshal([]byte(val), &contact); err == nil {
				contact.Role = role
				return &contact, nil
			}
		case !errors.Is(err, redis.Nil):
			c.logger.WithFields(logrus.Fields{
				"module":   "repository",
				"funcName": "CachedContactDirectory.GetContact",
				"user_id":  userId,
			}).Warn("contact cache read failed: " + err.Error())
		}
	}

	contact, err := c.next.GetContact(ctx, userId, role)
	if err != nil {
		return nil, err
	}
	if c.rdb != nil {
		if data, err := json.Marshal(contact); err == nil {
			if err := c.rdb.Set(ctx, contactKey(userId), data, c.ttl).Err(); err != nil {
				c.logger.WithFields(logrus.Fields{
					"module":   "repository",
					"funcName": "CachedContactDirectory.GetContact",
					"user_id":  userId,
				}).Warn("contact cache write failed: " + err.Error())
			}
		}
	}
	return contact, nil
}
