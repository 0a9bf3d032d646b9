package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"

	"github.com/google/uuid"
)

type eventSpec struct {
	category   models.EventCategory
	audience   []models.Role
	actionable bool
}

var eventCatalog = map[models.Event]eventSpec{
	models.RequestCreatedEvent:   {models.RequestCategory, []models.Role{models.FarmerRole}, true},
	models.RequestViewedEvent:    {models.RequestCategory, []models.Role{models.BuyerRole}, false},
	models.FarmerAcceptedEvent:   {models.RequestCategory, []models.Role{models.BuyerRole}, true},
	models.FarmerRejectedEvent:   {models.RequestCategory, []models.Role{models.BuyerRole}, false},
	models.FarmerCounteredEvent:  {models.RequestCategory, []models.Role{models.BuyerRole}, true},
	models.BuyerAcceptedEvent:    {models.RequestCategory, []models.Role{models.FarmerRole}, false},
	models.BuyerRejectedEvent:    {models.RequestCategory, []models.Role{models.FarmerRole}, false},
	models.RequestConfirmedEvent: {models.AgreementCategory, []models.Role{models.BuyerRole, models.FarmerRole}, false},
	models.RequestCancelledEvent: {models.AgreementCategory, []models.Role{models.BuyerRole, models.FarmerRole}, false},
	models.RequestExpiredEvent:   {models.AgreementCategory, []models.Role{models.BuyerRole, models.FarmerRole}, false},
	models.DeliveryUpdatedEvent:  {models.DeliveryCategory, []models.Role{models.BuyerRole, models.FarmerRole}, false},
	models.RequestCompletedEvent: {models.DeliveryCategory, []models.Role{models.BuyerRole, models.FarmerRole}, false},
	models.PaymentRecordedEvent:  {models.PaymentCategory, []models.Role{models.FarmerRole}, false},
}

// EventForStatus возвращает событие, которое порождает переход в статус.
func EventForStatus(status models.RequestStatus) models.Event {
	switch status {
	case models.PendingRequest:
		return models.RequestCreatedEvent
	case models.ViewedRequest:
		return models.RequestViewedEvent
	case models.FarmerAcceptedRequest:
		return models.FarmerAcceptedEvent
	case models.FarmerRejectedRequest:
		return models.FarmerRejectedEvent
	case models.FarmerCounteredRequest:
		return models.FarmerCounteredEvent
	case models.BuyerAcceptedRequest:
		return models.BuyerAcceptedEvent
	case models.BuyerRejectedRequest:
		return models.BuyerRejectedEvent
	case models.ConfirmedRequest:
		return models.RequestConfirmedEvent
	case models.InTransitRequest:
		return models.DeliveryUpdatedEvent
	case models.CompletedRequest:
		return models.RequestCompletedEvent
	case models.CancelledRequest:
		return models.RequestCancelledEvent
	case models.ExpiredRequest:
		return models.RequestExpiredEvent
	}
	return ""
}

// IVRAttemptEvent - событие конкретного IVR-звонка, чтобы результаты разных попыток не склеивались.
func IVRAttemptEvent(attempt int) models.Event {
	return models.Event(string(models.IVRCallEvent) + "_" + strconv.Itoa(attempt))
}

// TemplateKey - ключ шаблона сообщения у транспорта.
func TemplateKey(event models.Event) string {
	return "negotiation." + string(event)
}

// Notice - получатель события и выбранные для него каналы.
type Notice struct {
	Event     models.Event
	Recipient models.Contact
	Channels  []models.Channel
}

// Dispatcher выбирает каналы уведомлений и ведёт учёт доставки.
type Dispatcher struct {
	newID func() string
}

// NewDispatcher создает новый экземпляр Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{newID: uuid.NewString}
}

// Plan возвращает уведомления по событию для всех адресатов.
func (d *Dispatcher) Plan(rec models.Request, event models.Event, contacts map[models.Role]models.Contact) []Notice {
	entry, ok := eventCatalog[event]
	if !ok {
		return nil
	}
	var notices []Notice
	for _, role := range entry.audience {
		contact, ok := contacts[role]
		if !ok || contact.UserID == "" {
			continue
		}
		notices = append(notices, Notice{
			Event:     event,
			Recipient: contact,
			Channels:  d.Select(rec, event, role, contact),
		})
	}
	return notices
}

// Select выбирает каналы: web всегда, SMS по настройкам, IVR только для
// требующих ответа событий фермера, пока он не ответил.
func (d *Dispatcher) Select(rec models.Request, event models.Event, role models.Role, contact models.Contact) []models.Channel {
	entry := eventCatalog[event]
	channels := []models.Channel{models.WebChannel}
	if contact.Phone != "" && contact.Preferences.AllowsSMS(entry.category) {
		channels = append(channels, models.SMSChannel)
	}
	if role == models.FarmerRole && entry.actionable && contact.Phone != "" && rec.Status.AwaitingFarmer() {
		channels = append(channels, models.IVRChannel)
	}
	return channels
}

// MarkInitiated фиксирует запуск отправки по каналу.
func (d *Dispatcher) MarkInitiated(rec models.Request, channel models.Channel, event models.Event, recipient string, at time.Time) models.Request {
	out := rec.Clone()
	state := out.Notifications.State(channel)
	if state == nil {
		return out
	}
	state.Sent = true
	state.SentAt = models.TimePtr(at)
	state.LastEvent = event
	if channel == models.SMSChannel {
		out.Notifications.SMSLog = append(out.Notifications.SMSLog, models.SMSAttempt{
			ID:        d.newID(),
			Event:     event,
			Recipient: recipient,
			Status:    models.SMSQueued,
			At:        at.UTC(),
		})
	}
	return out
}

// RecordOutcome сохраняет результат доставки. Повторный отчёт об уже
// успешной доставке ничего не меняет (changed == false).
func (d *Dispatcher) RecordOutcome(rec models.Request, channel models.Channel, event models.Event, success bool, at time.Time, externalRef string) (models.Request, bool, error) {
	if !channel.IsKnown() {
		return rec, false, fmt.Errorf("%w: unknown channel %q", models.ErrInvalidInput, channel)
	}
	if event == "" {
		event = rec.Notifications.State(channel).LastEvent
	}
	if event == "" {
		return rec, false, fmt.Errorf("%w: nothing was dispatched on %s", models.ErrInvalidInput, channel)
	}

	key := models.DeliveryKey(channel, event)
	existing, seen := rec.Notifications.Deliveries[key]
	if seen && existing.Success {
		return rec, false, nil
	}
	if seen && !success && externalRef != "" && existing.ExternalRef == externalRef {
		return rec, false, nil
	}

	out := rec.Clone()
	if out.Notifications.Deliveries == nil {
		out.Notifications.Deliveries = map[string]models.DeliveryOutcome{}
	}
	outcome := existing
	outcome.Channel = channel
	outcome.Event = event
	outcome.Success = success
	if !success {
		outcome.Failures++
	}
	outcome.ExternalRef = externalRef
	outcome.At = at.UTC()
	out.Notifications.Deliveries[key] = outcome

	if channel == models.SMSChannel {
		// журнал SMS только дополняется: результат пишется отдельной записью
		status := models.SMSFailed
		if success {
			status = models.SMSSent
		}
		out.Notifications.SMSLog = append(out.Notifications.SMSLog, models.SMSAttempt{
			ID:          d.newID(),
			Event:       event,
			Recipient:   lastRecipient(rec.Notifications.SMSLog, event),
			Status:      status,
			ExternalRef: externalRef,
			At:          at.UTC(),
		})
	}
	return out, true, nil
}

func lastRecipient(log []models.SMSAttempt, event models.Event) string {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Event == event {
			return log[i].Recipient
		}
	}
	return ""
}
