package services

import (
	"fmt"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
)

const (
	// DefaultRequestTTL - срок действия запроса с момента создания.
	DefaultRequestTTL = 48 * time.Hour

	AutoExpiredNote = "auto-expired"
)

// ExpiryPolicy определяет, можно ли ещё действовать по запросу.
type ExpiryPolicy struct {
	ttl    time.Duration
	engine *TransitionEngine
}

// NewExpiryPolicy создает новый экземпляр ExpiryPolicy.
func NewExpiryPolicy(ttl time.Duration, engine *TransitionEngine) *ExpiryPolicy {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &ExpiryPolicy{ttl: ttl, engine: engine}
}

// ComputeDefaultExpiry возвращает срок истечения для нового запроса.
func (p *ExpiryPolicy) ComputeDefaultExpiry(createdAt time.Time) time.Time {
	return createdAt.UTC().Add(p.ttl)
}

// IsValid - запрос открыт и срок ещё не наступил.
func (p *ExpiryPolicy) IsValid(rec models.Request, now time.Time) bool {
	return rec.Status.IsOpen() && now.Before(rec.ExpiresAt)
}

// NeedsExpiry - запрос открыт, но срок уже наступил.
func (p *ExpiryPolicy) NeedsExpiry(rec models.Request, now time.Time) bool {
	return rec.Status.IsOpen() && !now.Before(rec.ExpiresAt)
}

// ExpireIfLapsed лениво переводит просроченный запрос в expired.
func (p *ExpiryPolicy) ExpireIfLapsed(rec models.Request, now time.Time) (models.Request, bool, error) {
	if !p.NeedsExpiry(rec, now) {
		return rec, false, nil
	}
	out, err := p.engine.Expire(rec, AutoExpiredNote, now)
	if err != nil {
		return rec, false, err
	}
	return out, true, nil
}

// Extend продлевает срок действия открытого запроса.
func (p *ExpiryPolicy) Extend(rec models.Request, expiresAt, now time.Time) (models.Request, error) {
	if rec.Status.IsTerminal() {
		return rec, &models.TransitionError{From: rec.Status, To: rec.Status, Err: models.ErrTerminalStateViolation}
	}
	if !rec.Status.IsOpen() {
		return rec, fmt.Errorf("%w: %s requests do not expire", models.ErrInvalidInput, rec.Status)
	}
	if p.NeedsExpiry(rec, now) {
		return rec, models.ErrExpiredRecord
	}
	if !expiresAt.After(rec.ExpiresAt) {
		return rec, fmt.Errorf("%w: new expiry must be later than %s", models.ErrInvalidInput, rec.ExpiresAt.Format(time.RFC3339))
	}
	out := rec.Clone()
	out.ExpiresAt = expiresAt.UTC()
	return out, nil
}
