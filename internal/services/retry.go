package services

import (
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
)

const (
	DefaultFirstRetryDelay = 2 * time.Hour
	DefaultRetryDelay      = 12 * time.Hour
	DefaultMaxIVRAttempts  = 5

	ExhaustedNote = "IVR contact attempts exhausted"
)

// RetryPolicy - параметры повторных IVR-звонков.
type RetryPolicy struct {
	FirstRetryDelay time.Duration
	RetryDelay      time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy возвращает политику по умолчанию: 2ч, затем каждые 12ч, не более 5 звонков.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		FirstRetryDelay: DefaultFirstRetryDelay,
		RetryDelay:      DefaultRetryDelay,
		MaxAttempts:     DefaultMaxIVRAttempts,
	}
}

// RetryScheduler решает, когда снова звонить фермеру.
type RetryScheduler struct {
	policy RetryPolicy
	engine *TransitionEngine
}

// NewRetryScheduler создает новый экземпляр RetryScheduler.
func NewRetryScheduler(policy RetryPolicy, engine *TransitionEngine) *RetryScheduler {
	def := DefaultRetryPolicy()
	if policy.FirstRetryDelay <= 0 {
		policy.FirstRetryDelay = def.FirstRetryDelay
	}
	if policy.RetryDelay <= 0 {
		policy.RetryDelay = def.RetryDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	return &RetryScheduler{policy: policy, engine: engine}
}

// Policy возвращает действующую политику.
func (s *RetryScheduler) Policy() RetryPolicy {
	return s.policy
}

// ScheduleNext вычисляет время следующего звонка по текущему числу попыток.
// Счётчик попыток не меняется: его увеличивает RecordCallPlaced.
// При исчерпании попыток запрос переводится в expired.
func (s *RetryScheduler) ScheduleNext(rec models.Request, now time.Time) (models.Request, error) {
	attempts := rec.Contact.IVRCallAttempts
	switch {
	case attempts == 0:
		out := rec.Clone()
		out.Contact.NextIVRCallScheduled = models.TimePtr(now.Add(s.policy.FirstRetryDelay))
		return out, nil
	case attempts < s.policy.MaxAttempts:
		out := rec.Clone()
		out.Contact.NextIVRCallScheduled = models.TimePtr(now.Add(s.policy.RetryDelay))
		return out, nil
	}
	out := rec.Clone()
	out.Contact.NextIVRCallScheduled = nil
	return s.engine.Expire(out, ExhaustedNote, now)
}

// Due - пора звонить: фермер не ответил и время звонка наступило.
func (s *RetryScheduler) Due(rec models.Request, now time.Time) bool {
	next := rec.Contact.NextIVRCallScheduled
	return rec.Status.AwaitingFarmer() && next != nil && !now.Before(*next)
}

// RecordCallPlaced фиксирует фактически совершённый звонок.
func (s *RetryScheduler) RecordCallPlaced(rec models.Request, at time.Time) models.Request {
	out := rec.Clone()
	out.Contact.IVRCallAttempts++
	out.Contact.LastIVRCallTime = models.TimePtr(at)
	return out
}

// Postpone переносит звонок, который не удалось совершить, без расхода попытки.
func (s *RetryScheduler) Postpone(rec models.Request, now time.Time) models.Request {
	out := rec.Clone()
	out.Contact.NextIVRCallScheduled = models.TimePtr(now.Add(s.policy.FirstRetryDelay))
	return out
}
