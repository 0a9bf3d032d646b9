package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 100

	leaseKey = "lock:negotiation-sweep"
)

// DueLister отбирает открытые запросы, у которых наступил звонок или срок.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Ticker обслуживает один запрос.
type Ticker interface {
	Tick(ctx context.Context, requestId string, now time.Time) (*models.Request, error)
}

// Result - итог одного прохода.
type Result struct {
	Processed int  `json:"processed"`
	Expired   int  `json:"expired"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped"`
}

// Sweeper периодически вызывает Tick для просроченных и ожидающих звонка запросов.
// Аренда в Redis не даёт нескольким экземплярам обрабатывать одну пачку;
// корректность всё равно держится на проверке версии при записи.
type Sweeper struct {
	due       DueLister
	ticker    Ticker
	locker    *redislock.Client
	interval  time.Duration
	batchSize int
	logger    *logrus.Logger
	nowFn     func() time.Time
}

// NewSweeper создаёт новый экземпляр Sweeper. locker может быть nil.
func NewSweeper(due DueLister, ticker Ticker, locker *redislock.Client, interval time.Duration, batchSize int, logger *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{
		due:       due,
		ticker:    ticker,
		locker:    locker,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// Run выполняет проходы до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.WithFields(logrus.Fields{
				"module":   "sweep",
				"funcName": "Run",
			}).Error("sweep iteration failed: " + err.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один проход по пачке запросов.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var result Result
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, leaseKey, s.interval, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			result.Skipped = true
			return result, nil
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"module":   "sweep",
				"funcName": "RunOnce",
			}).Warn("error obtaining sweep lease; proceeding without lease: " + err.Error())
		} else {
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					s.logger.WithFields(logrus.Fields{
						"module":   "sweep",
						"funcName": "RunOnce",
					}).Warn("failed to release sweep lease: " + err.Error())
				}
			}()
		}
	}

	now := s.nowFn().UTC()
	ids, err := s.due.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return result, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		rec, err := s.ticker.Tick(ctx, id, now)
		if err != nil {
			result.Failed++
			s.logger.WithFields(logrus.Fields{
				"module":     "sweep",
				"funcName":   "RunOnce",
				"request_id": id,
			}).Error("tick failed: " + err.Error())
			continue
		}
		result.Processed++
		if rec.Status == models.ExpiredRequest {
			result.Expired++
		}
	}
	if len(ids) > 0 {
		s.logger.WithFields(logrus.Fields{
			"module":    "sweep",
			"processed": result.Processed,
			"expired":   result.Expired,
			"failed":    result.Failed,
		}).Info("sweep pass finished")
	}
	return result, nil
}
