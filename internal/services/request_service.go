package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const DefaultConflictRetries = 3

// Sender передаёт задание на отправку уведомления транспорту.
type Sender interface {
	Send(ctx context.Context, req models.DispatchRequest) error
}

// EventPublisher публикует события для внешних сервисов.
type EventPublisher interface {
	Publish(ctx context.Context, event models.DomainEvent) error
}

// Policy - настраиваемые параметры жизненного цикла запроса.
type Policy struct {
	RequestTTL      time.Duration
	Retry           RetryPolicy
	ConflictRetries int
}

// Dependencies - зависимости RequestService.
type Dependencies struct {
	Repo     repository.RequestRepository
	Listings repository.ListingReader
	Contacts repository.ContactDirectory
	Sender   Sender
	Events   EventPublisher
	Policy   Policy
	Logger   *logrus.Logger
	Now      func() time.Time
}

// RequestService - единственная точка входа для изменения запросов.
type RequestService struct {
	repo     repository.RequestRepository
	listings repository.ListingReader
	contacts repository.ContactDirectory
	sender   Sender
	events   EventPublisher

	engine     *TransitionEngine
	expiry     *ExpiryPolicy
	retry      *RetryScheduler
	dispatcher *Dispatcher
	validate   *validator.Validate

	conflictRetries int
	logger          *logrus.Logger
	nowFn           func() time.Time
}

// NewRequestService создаёт новый экземпляр RequestService.
func NewRequestService(deps Dependencies) *RequestService {
	engine := NewTransitionEngine()
	retries := deps.Policy.ConflictRetries
	if retries <= 0 {
		retries = DefaultConflictRetries
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	nowFn := deps.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RequestService{
		repo:            deps.Repo,
		listings:        deps.Listings,
		contacts:        deps.Contacts,
		sender:          deps.Sender,
		events:          deps.Events,
		engine:          engine,
		expiry:          NewExpiryPolicy(deps.Policy.RequestTTL, engine),
		retry:           NewRetryScheduler(deps.Policy.Retry, engine),
		dispatcher:      NewDispatcher(),
		validate:        validator.New(),
		conflictRetries: retries,
		logger:          logger,
		nowFn:           nowFn,
	}
}

type dispatch struct {
	event models.Event
	req   models.DispatchRequest
}

// outbox копит отправки и события до успешной записи.
type outbox struct {
	dispatches []dispatch
	events     []models.DomainEvent
}

type guard func(rec models.Request) error

type mutation func(rec models.Request, now time.Time, box *outbox) (models.Request, error)

// mutate читает запрос, применяет fn и пишет результат с проверкой версии.
// При конфликте версий запрос перечитывается и fn применяется заново.
// ErrAlreadyInState из fn означает no-op: возвращается текущая запись без записи.
func (s *RequestService) mutate(ctx context.Context, id string, now time.Time, allowed guard, lazyExpire bool, fn mutation) (*models.Request, error) {
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		current, err := s.repo.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if allowed != nil {
			if err := allowed(*current); err != nil {
				return nil, err
			}
		}

		box := &outbox{}
		var next models.Request
		lapsed := false
		if lazyExpire {
			next, lapsed, err = s.expiry.ExpireIfLapsed(*current, now)
			if err != nil {
				return nil, err
			}
			if lapsed {
				next = s.announce(ctx, next, models.RequestExpiredEvent, now, box)
			}
		}
		if !lapsed {
			next, err = fn(*current, now, box)
			if err != nil {
				if errors.Is(err, models.ErrAlreadyInState) {
					return current, nil
				}
				return nil, err
			}
		}
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("refusing to store request %s: %w", id, err)
		}

		saved, err := s.repo.UpdateRequest(ctx, next)
		if errors.Is(err, models.ErrVersionConflict) {
			s.logger.WithFields(logrus.Fields{
				"module":     "services",
				"funcName":   "mutate",
				"request_id": id,
				"attempt":    attempt + 1,
			}).Debug("version conflict, reloading request")
			continue
		}
		if err != nil {
			return nil, err
		}

		s.flush(ctx, *saved, box)
		if lapsed {
			return saved, models.ErrExpiredRecord
		}
		return saved, nil
	}
	return nil, models.ErrConflictRetryExhausted
}

// announce отмечает уведомления по событию и кладёт их в outbox.
// IVR здесь не звонит: звонок ставится в расписание и совершается в Tick.
func (s *RequestService) announce(ctx context.Context, rec models.Request, event models.Event, now time.Time, box *outbox) models.Request {
	contacts := s.contactsFor(ctx, rec)
	for _, notice := range s.dispatcher.Plan(rec, event, contacts) {
		for _, channel := range notice.Channels {
			if channel == models.IVRChannel {
				if rec.Contact.NextIVRCallScheduled == nil && rec.Contact.IVRCallAttempts == 0 {
					rec.Contact.NextIVRCallScheduled = models.TimePtr(now)
				}
				continue
			}
			recipient := notice.Recipient.UserID
			if channel == models.SMSChannel {
				recipient = notice.Recipient.Phone
			}
			rec = s.dispatcher.MarkInitiated(rec, channel, event, recipient, now)
			box.dispatches = append(box.dispatches, dispatch{
				event: event,
				req: models.DispatchRequest{
					RecordID:    rec.ID,
					Channel:     channel,
					Recipient:   recipient,
					TemplateKey: TemplateKey(event),
					Payload:     notificationPayload(rec, event, notice.Recipient),
				},
			})
		}
	}
	box.events = append(box.events, newDomainEvent(rec, event, now))
	return rec
}

// contactsFor возвращает контакты сторон. Ошибка справочника не мешает переходу:
// такие участники получают только web-уведомления.
func (s *RequestService) contactsFor(ctx context.Context, rec models.Request) map[models.Role]models.Contact {
	contacts := map[models.Role]models.Contact{
		models.BuyerRole:  {UserID: rec.BuyerID, Role: models.BuyerRole},
		models.FarmerRole: {UserID: rec.FarmerID, Role: models.FarmerRole},
	}
	if s.contacts == nil {
		return contacts
	}
	for role, fallback := range contacts {
		contact, err := s.contacts.GetContact(ctx, fallback.UserID, role)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"module":     "services",
				"funcName":   "contactsFor",
				"request_id": rec.ID,
				"user_id":    fallback.UserID,
			}).Warn("contact lookup failed, falling back to web only: " + err.Error())
			continue
		}
		contacts[role] = *contact
	}
	return contacts
}

// flush отправляет уведомления и события после записи.
// Ошибка отправки фиксируется как неудачная доставка и наружу не выходит.
func (s *RequestService) flush(ctx context.Context, rec models.Request, box *outbox) {
	for _, d := range box.dispatches {
		err := s.send(ctx, d.req)
		if err == nil {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"module":     "services",
			"funcName":   "flush",
			"request_id": rec.ID,
			"channel":    d.req.Channel,
			"event":      d.event,
		}).Warn("dispatch failed: " + err.Error())
		_, recErr := s.RecordOutcome(ctx, models.OutcomeReport{
			RecordID: rec.ID,
			Channel:  d.req.Channel,
			Event:    d.event,
			Success:  false,
			At:       s.nowFn(),
		})
		if recErr != nil {
			s.logger.WithFields(logrus.Fields{
				"module":     "services",
				"funcName":   "flush",
				"request_id": rec.ID,
				"channel":    d.req.Channel,
			}).Warn("failed to record dispatch failure: " + recErr.Error())
		}
	}
	if s.events == nil {
		return
	}
	for _, event := range box.events {
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.WithFields(logrus.Fields{
				"module":     "services",
				"funcName":   "flush",
				"request_id": rec.ID,
				"event":      event.Type,
			}).Error("failed to publish domain event: " + err.Error())
		}
	}
}

func (s *RequestService) send(ctx context.Context, req models.DispatchRequest) error {
	if req.Recipient == "" {
		return fmt.Errorf("no recipient for %s notification", req.Channel)
	}
	if s.sender == nil {
		return nil
	}
	return s.sender.Send(ctx, req)
}

func notificationPayload(rec models.Request, event models.Event, recipient models.Contact) map[string]string {
	quantity, price := rec.Terms()
	payload := map[string]string{
		"requestId": rec.ID,
		"cropId":    rec.CropID,
		"event":     string(event),
		"status":    string(rec.Status),
		"quantity":  quantity.Value.String() + " " + quantity.Unit,
		"price":     price.Value.String() + " " + price.Unit,
	}
	if recipient.Language != "" {
		payload["language"] = recipient.Language
	}
	return payload
}

func newDomainEvent(rec models.Request, event models.Event, now time.Time) models.DomainEvent {
	domainEvent := models.DomainEvent{
		Type:       event,
		RequestID:  rec.ID,
		CropID:     rec.CropID,
		BuyerID:    rec.BuyerID,
		FarmerID:   rec.FarmerID,
		Status:     rec.Status,
		OccurredAt: now.UTC(),
	}
	if rec.FinalAgreement != nil {
		domainEvent.Attributes = map[string]string{
			"quantity":    rec.FinalAgreement.Quantity.Value.String(),
			"unit":        rec.FinalAgreement.Quantity.Unit,
			"totalAmount": rec.FinalAgreement.TotalAmount.String(),
		}
	}
	return domainEvent
}

func farmerOnly(actor models.Actor) guard {
	return func(rec models.Request) error {
		if actor.Role == models.AdminRole || (actor.ID != "" && actor.ID == rec.FarmerID) {
			return nil
		}
		return models.ErrForbidden
	}
}

func buyerOnly(actor models.Actor) guard {
	return func(rec models.Request) error {
		if actor.Role == models.AdminRole || (actor.ID != "" && actor.ID == rec.BuyerID) {
			return nil
		}
		return models.ErrForbidden
	}
}

func participant(actor models.Actor) guard {
	return func(rec models.Request) error {
		if actor.Role == models.AdminRole || actor.Role == models.SystemRole || rec.Participant(actor.ID) {
			return nil
		}
		return models.ErrForbidden
	}
}

func adminOnly(actor models.Actor) guard {
	return func(models.Request) error {
		if actor.Role == models.AdminRole {
			return nil
		}
		return models.ErrForbidden
	}
}
