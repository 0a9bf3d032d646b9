package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const createdNote = "request created"

// CreateRequest создаёт новый запрос покупателя к объявлению фермера.
func (s *RequestService) CreateRequest(ctx context.Context, actor models.Actor, in models.CreateRequestInput) (*models.Request, error) {
	if actor.ID == "" || (actor.Role != models.BuyerRole && actor.Role != models.AdminRole) {
		return nil, models.ErrForbidden
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	if !in.Quantity.IsPositive() {
		return nil, models.ErrInvalidQuantity
	}
	if !in.Price.IsPositive() {
		return nil, models.ErrInvalidPrice
	}
	if in.FarmerID == actor.ID {
		return nil, fmt.Errorf("%w: buyer and farmer must differ", models.ErrInvalidInput)
	}

	listing, err := s.listings.GetListing(ctx, in.CropID)
	if err != nil {
		return nil, err
	}
	if !listing.Active || listing.FarmerID != in.FarmerID {
		return nil, models.ErrListingUnavailable
	}
	if listing.QuantityUnit != "" && listing.QuantityUnit != in.Unit {
		return nil, fmt.Errorf("%w: listing is sold in %s", models.ErrInvalidQuantity, listing.QuantityUnit)
	}
	if in.Quantity.GreaterThan(listing.AvailableQuantity) {
		return nil, fmt.Errorf("%w: only %s %s available", models.ErrInvalidQuantity, listing.AvailableQuantity, listing.QuantityUnit)
	}

	now := s.nowFn().UTC()
	note := in.Note
	if note == "" {
		note = createdNote
	}
	rec := models.Request{
		ID:       uuid.NewString(),
		BuyerID:  actor.ID,
		FarmerID: in.FarmerID,
		CropID:   in.CropID,
		Quantity: models.Quantity{Value: in.Quantity, Unit: in.Unit},
		Price:    models.Price{Value: in.Price, Unit: in.Unit},
		Status:   models.PendingRequest,
		StatusHistory: []models.StatusEntry{{
			Status: models.PendingRequest,
			At:     now,
			Note:   note,
			Actor:  actor.ID,
		}},
		CreatedAt: now,
		ExpiresAt: s.expiry.ComputeDefaultExpiry(now),
		Version:   1,
	}

	box := &outbox{}
	rec = s.announce(ctx, rec, models.RequestCreatedEvent, now, box)
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	saved, err := s.repo.CreateRequest(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"module":     "services",
		"funcName":   "CreateRequest",
		"request_id": saved.ID,
		"crop_id":    saved.CropID,
	}).Info("request created")
	s.flush(ctx, *saved, box)
	return saved, nil
}

// MarkViewed отмечает, что фермер открыл запрос. Для уже просмотренных
// или отвеченных запросов ничего не делает; завершённый запрос - ошибка.
func (s *RequestService) MarkViewed(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
	return s.mutate(ctx, requestId, s.nowFn().UTC(), farmerOnly(actor), true,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			if rec.Status.IsTerminal() {
				return rec, &models.TransitionError{From: rec.Status, To: models.ViewedRequest, Err: models.ErrTerminalStateViolation}
			}
			if rec.Status != models.PendingRequest {
				return rec, models.ErrAlreadyInState
			}
			out, err := s.engine.ApplyTransition(rec, models.ViewedRequest, "", actor.ID, now)
			if err != nil {
				return rec, err
			}
			return s.announce(ctx, out, models.RequestViewedEvent, now, box), nil
		})
}

// FarmerRespond применяет ответ фермера: принять, отклонить или предложить свои условия.
func (s *RequestService) FarmerRespond(ctx context.Context, actor models.Actor, requestId string, in models.FarmerResponseInput) (*models.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	if in.Response == models.FarmerCounter {
		if err := validateCounterTerms(in.Counter); err != nil {
			return nil, err
		}
	}

	return s.mutate(ctx, requestId, s.nowFn().UTC(), farmerOnly(actor), true,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			var target models.RequestStatus
			switch in.Response {
			case models.FarmerAccept:
				target = models.FarmerAcceptedRequest
			case models.FarmerReject:
				target = models.FarmerRejectedRequest
			case models.FarmerCounter:
				target = models.FarmerCounteredRequest
			}
			note := in.Note
			if target == models.FarmerCounteredRequest && note == "" {
				note = in.Counter.Note
			}
			out, err := s.engine.ApplyTransition(rec, target, note, actor.ID, now)
			if err != nil {
				return rec, err
			}
			if target == models.FarmerCounteredRequest {
				out.CounterOffer = counterOffer(rec, *in.Counter, now)
			}
			return s.announce(ctx, out, EventForStatus(target), now, box), nil
		})
}

func validateCounterTerms(terms *models.CounterTerms) error {
	if terms == nil {
		return fmt.Errorf("%w: counter terms are required", models.ErrInvalidCounterTerms)
	}
	if terms.Price.IsNegative() || terms.Quantity.IsNegative() {
		return fmt.Errorf("%w: price and quantity must be positive", models.ErrInvalidCounterTerms)
	}
	if terms.Price.IsZero() && terms.Quantity.IsZero() {
		return fmt.Errorf("%w: counter offer must change price or quantity", models.ErrInvalidCounterTerms)
	}
	return nil
}

// counterOffer строит встречное предложение; незаданные поля берутся из запроса.
func counterOffer(rec models.Request, terms models.CounterTerms, now time.Time) *models.CounterOffer {
	offer := &models.CounterOffer{
		Price:    rec.Price,
		Quantity: rec.Quantity,
		Note:     terms.Note,
		At:       now.UTC(),
	}
	if terms.Price.IsPositive() {
		offer.Price.Value = terms.Price
	}
	if terms.Quantity.IsPositive() {
		offer.Quantity.Value = terms.Quantity
	}
	return offer
}

// BuyerRespondToCounter применяет решение покупателя по встречному предложению.
func (s *RequestService) BuyerRespondToCounter(ctx context.Context, actor models.Actor, requestId string, response models.BuyerResponse, note string) (*models.Request, error) {
	var target models.RequestStatus
	switch response {
	case models.BuyerAccept:
		target = models.BuyerAcceptedRequest
	case models.BuyerReject:
		target = models.BuyerRejectedRequest
	default:
		return nil, fmt.Errorf("%w: unsupported response %q", models.ErrInvalidInput, response)
	}

	return s.mutate(ctx, requestId, s.nowFn().UTC(), buyerOnly(actor), true,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			out, err := s.engine.ApplyTransition(rec, target, note, actor.ID, now)
			if err != nil {
				return rec, err
			}
			return s.announce(ctx, out, EventForStatus(target), now, box), nil
		})
}

// Confirm фиксирует сделку и записывает итоговое соглашение.
func (s *RequestService) Confirm(ctx context.Context, actor models.Actor, requestId string, in models.ConfirmInput) (*models.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}

	return s.mutate(ctx, requestId, s.nowFn().UTC(), participant(actor), true,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			out, err := s.engine.ApplyTransition(rec, models.ConfirmedRequest, "", actor.ID, now)
			if err != nil {
				return rec, err
			}
			if out.FinalAgreement == nil {
				quantity, price := out.Terms()
				out.FinalAgreement = &models.FinalAgreement{
					Quantity:       quantity,
					Price:          price,
					TotalAmount:    price.Value.Mul(quantity.Value),
					DeliveryMethod: in.DeliveryMethod,
					PaymentTerms:   in.PaymentTerms,
					AgreedAt:       now.UTC(),
				}
			}
			out.Payment = &models.Payment{Status: models.PaymentPending, PaidAmount: decimal.Zero}
			out.Delivery = &models.Delivery{Status: models.DeliveryNotStarted}
			return s.announce(ctx, out, models.RequestConfirmedEvent, now, box), nil
		})
}

// Cancel отменяет запрос из любого нетерминального статуса.
func (s *RequestService) Cancel(ctx context.Context, actor models.Actor, requestId, reason string) (*models.Request, error) {
	return s.mutate(ctx, requestId, s.nowFn().UTC(), participant(actor), true,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			out, err := s.engine.Cancel(rec, reason, actor.ID, now)
			if err != nil {
				return rec, err
			}
			return s.announce(ctx, out, models.RequestCancelledEvent, now, box), nil
		})
}

// UpdateDelivery обновляет доставку. in_transit и delivered двигают статус запроса.
func (s *RequestService) UpdateDelivery(ctx context.Context, actor models.Actor, requestId string, in models.DeliveryUpdateInput) (*models.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	if in.Rating != nil && in.Status != models.DeliveryDelivered {
		return nil, fmt.Errorf("%w: rating is accepted only with delivery", models.ErrInvalidInput)
	}

	return s.mutate(ctx, requestId, s.nowFn().UTC(), participant(actor), false,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			if in.Rating != nil && actor.ID != rec.BuyerID {
				return rec, models.ErrForbidden
			}
			var (
				out   models.Request
				err   error
				event = models.DeliveryUpdatedEvent
			)
			switch in.Status {
			case models.DeliveryInTransit:
				out, err = s.engine.ApplyTransition(rec, models.InTransitRequest, in.Note, actor.ID, now)
			case models.DeliveryDelivered:
				out, err = s.engine.ApplyTransition(rec, models.CompletedRequest, in.Note, actor.ID, now)
				event = models.RequestCompletedEvent
			default:
				err = requireStatus(rec, models.ConfirmedRequest, models.InTransitRequest)
				if err == nil && rec.Delivery != nil && rec.Delivery.Status == in.Status {
					err = models.ErrAlreadyInState
				}
				out = rec.Clone()
			}
			if err != nil {
				return rec, err
			}

			out.Delivery = &models.Delivery{
				Status:    in.Status,
				Note:      in.Note,
				UpdatedAt: models.TimePtr(now),
			}
			if in.Rating != nil {
				out.Rating = &models.Rating{
					Score:   in.Rating.Score,
					Comment: in.Rating.Comment,
					At:      now.UTC(),
				}
			}
			return s.announce(ctx, out, event, now, box), nil
		})
}

// RecordPayment учитывает оплату или возврат по подтверждённой сделке.
func (s *RequestService) RecordPayment(ctx context.Context, actor models.Actor, requestId string, in models.PaymentInput) (*models.Request, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput)
	}

	return s.mutate(ctx, requestId, s.nowFn().UTC(), buyerOnly(actor), false,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			if err := requireStatus(rec, models.ConfirmedRequest, models.InTransitRequest); err != nil {
				return rec, err
			}
			out := rec.Clone()
			payment := models.Payment{Status: models.PaymentPending, PaidAmount: decimal.Zero}
			if out.Payment != nil {
				payment = *out.Payment
			}
			total := out.FinalAgreement.TotalAmount

			if in.Refund {
				if in.Amount.GreaterThan(payment.PaidAmount) {
					return rec, fmt.Errorf("%w: refund exceeds paid amount %s", models.ErrInvalidInput, payment.PaidAmount)
				}
				payment.PaidAmount = payment.PaidAmount.Sub(in.Amount)
				payment.Status = models.PaymentRefunded
			} else {
				paid := payment.PaidAmount.Add(in.Amount)
				if paid.GreaterThan(total) {
					return rec, fmt.Errorf("%w: payment exceeds agreed total %s", models.ErrInvalidInput, total)
				}
				payment.PaidAmount = paid
				payment.Status = models.PaymentPartial
				if paid.Equal(total) {
					payment.Status = models.PaymentCompleted
				}
			}
			payment.UpdatedAt = models.TimePtr(now)
			out.Payment = &payment
			return s.announce(ctx, out, models.PaymentRecordedEvent, now, box), nil
		})
}

// requireStatus проверяет, что запрос в одном из статусов после подтверждения.
func requireStatus(rec models.Request, allowed ...models.RequestStatus) error {
	for _, status := range allowed {
		if rec.Status == status {
			return nil
		}
	}
	if rec.Status.IsTerminal() {
		return &models.TransitionError{From: rec.Status, To: rec.Status, Err: models.ErrTerminalStateViolation}
	}
	return fmt.Errorf("%w: request is %s", models.ErrInvalidTransition, rec.Status)
}

// ExtendExpiry продлевает срок действия запроса. Только для администратора.
func (s *RequestService) ExtendExpiry(ctx context.Context, actor models.Actor, requestId string, in models.ExpiryExtensionInput) (*models.Request, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	return s.mutate(ctx, requestId, s.nowFn().UTC(), adminOnly(actor), true,
		func(rec models.Request, now time.Time, _ *outbox) (models.Request, error) {
			return s.expiry.Extend(rec, in.ExpiresAt, now)
		})
}

// Tick - периодическое обслуживание запроса: истечение срока и повторные IVR-звонки.
// Повторный вызов без изменений состояния ничего не пишет.
func (s *RequestService) Tick(ctx context.Context, requestId string, now time.Time) (*models.Request, error) {
	return s.mutate(ctx, requestId, now.UTC(), nil, false,
		func(rec models.Request, now time.Time, box *outbox) (models.Request, error) {
			if s.expiry.NeedsExpiry(rec, now) {
				out, err := s.engine.Expire(rec, AutoExpiredNote, now)
				if err != nil {
					return rec, err
				}
				return s.announce(ctx, out, models.RequestExpiredEvent, now, box), nil
			}
			if !s.retry.Due(rec, now) {
				return rec, models.ErrAlreadyInState
			}

			out, err := s.retry.ScheduleNext(rec, now)
			if err != nil {
				return rec, err
			}
			if out.Status == models.ExpiredRequest {
				s.logger.WithFields(logrus.Fields{
					"module":     "services",
					"funcName":   "Tick",
					"request_id": rec.ID,
					"attempts":   rec.Contact.IVRCallAttempts,
				}).Info("ivr attempts exhausted, request expired")
				return s.announce(ctx, out, models.RequestExpiredEvent, now, box), nil
			}
			farmer := s.contactsFor(ctx, rec)[models.FarmerRole]
			if farmer.Phone == "" {
				s.logger.WithFields(logrus.Fields{
					"module":     "services",
					"funcName":   "Tick",
					"request_id": rec.ID,
					"attempts":   rec.Contact.IVRCallAttempts,
				}).Warn("farmer has no reachable phone, ivr call postponed")
				return s.retry.Postpone(rec, now), nil
			}
			return s.placeCall(out, farmer, now, box), nil
		})
}

// TickNow обслуживает запрос на текущее время сервиса.
func (s *RequestService) TickNow(ctx context.Context, requestId string) (*models.Request, error) {
	return s.Tick(ctx, requestId, s.nowFn())
}

// placeCall фиксирует IVR-звонок фермеру и ставит его в outbox.
func (s *RequestService) placeCall(rec models.Request, farmer models.Contact, now time.Time, box *outbox) models.Request {
	out := s.retry.RecordCallPlaced(rec, now)
	attempt := out.Contact.IVRCallAttempts
	event := IVRAttemptEvent(attempt)

	out = s.dispatcher.MarkInitiated(out, models.IVRChannel, event, farmer.Phone, now)
	payload := notificationPayload(out, models.RequestCreatedEvent, farmer)
	payload["event"] = string(event)
	payload["attempt"] = strconv.Itoa(attempt)
	box.dispatches = append(box.dispatches, dispatch{
		event: event,
		req: models.DispatchRequest{
			RecordID:    out.ID,
			Channel:     models.IVRChannel,
			Recipient:   farmer.Phone,
			TemplateKey: TemplateKey(models.IVRCallEvent),
			Payload:     payload,
		},
	})
	return out
}

// RecordOutcome принимает от транспорта результат доставки уведомления.
// Меняет только состояние уведомлений, поэтому допустим и для завершённых запросов.
func (s *RequestService) RecordOutcome(ctx context.Context, report models.OutcomeReport) (*models.Request, error) {
	if err := s.validate.Struct(report); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidInput, err)
	}
	at := report.At
	if at.IsZero() {
		at = s.nowFn()
	}
	return s.mutate(ctx, report.RecordID, s.nowFn().UTC(), nil, false,
		func(rec models.Request, _ time.Time, _ *outbox) (models.Request, error) {
			out, changed, err := s.dispatcher.RecordOutcome(rec, report.Channel, report.Event, report.Success, at, report.ExternalRef)
			if err != nil {
				return rec, err
			}
			if !changed {
				return rec, models.ErrAlreadyInState
			}
			return out, nil
		})
}

// Get возвращает запрос участнику сделки. Просроченный открытый запрос
// при чтении переводится в expired.
func (s *RequestService) Get(ctx context.Context, actor models.Actor, requestId string) (*models.Request, error) {
	rec, err := s.mutate(ctx, requestId, s.nowFn().UTC(), participant(actor), true,
		func(rec models.Request, _ time.Time, _ *outbox) (models.Request, error) {
			return rec, models.ErrAlreadyInState
		})
	if err != nil && rec == nil {
		return nil, err
	}
	return rec, nil
}

// ListMine возвращает запросы, где пользователь покупатель или фермер.
func (s *RequestService) ListMine(ctx context.Context, actor models.Actor, limit, offset int) ([]models.Request, error) {
	if actor.ID == "" {
		return nil, models.ErrForbidden
	}
	requests, err := s.repo.ListByParticipant(ctx, actor.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	now := s.nowFn().UTC()
	for i, rec := range requests {
		if !s.expiry.NeedsExpiry(rec, now) {
			continue
		}
		if updated, err := s.Get(ctx, actor, rec.ID); err == nil {
			requests[i] = *updated
		}
	}
	if requests == nil {
		requests = []models.Request{}
	}
	return requests, nil
}
