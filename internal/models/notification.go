package models

import "time"

type (
	Channel       string // Канал уведомления
	Event         string // Событие жизненного цикла запроса
	EventCategory string // Категория события для настроек SMS
	SMSStatus     string // Статус отправки SMS
)

const (
	WebChannel Channel = "web"
	SMSChannel Channel = "sms"
	IVRChannel Channel = "ivr"

	RequestCreatedEvent   Event = "request_created"
	RequestViewedEvent    Event = "request_viewed"
	FarmerAcceptedEvent   Event = "farmer_accepted"
	FarmerRejectedEvent   Event = "farmer_rejected"
	FarmerCounteredEvent  Event = "farmer_countered"
	BuyerAcceptedEvent    Event = "buyer_accepted"
	BuyerRejectedEvent    Event = "buyer_rejected"
	RequestConfirmedEvent Event = "request_confirmed"
	RequestCancelledEvent Event = "request_cancelled"
	RequestExpiredEvent   Event = "request_expired"
	DeliveryUpdatedEvent  Event = "delivery_updated"
	RequestCompletedEvent Event = "request_completed"
	PaymentRecordedEvent  Event = "payment_recorded"
	IVRCallEvent          Event = "ivr_call"

	RequestCategory   EventCategory = "request"
	AgreementCategory EventCategory = "agreement"
	DeliveryCategory  EventCategory = "delivery"
	PaymentCategory   EventCategory = "payment"

	SMSQueued SMSStatus = "queued"
	SMSSent   SMSStatus = "sent"
	SMSFailed SMSStatus = "failed"
)

// Channels - все поддерживаемые каналы.
var Channels = []Channel{WebChannel, SMSChannel, IVRChannel}

// IsKnown проверяет, что канал поддерживается.
func (c Channel) IsKnown() bool {
	return c == WebChannel || c == SMSChannel || c == IVRChannel
}

// ChannelState - флаг отправки по каналу.
type ChannelState struct {
	Sent      bool       `json:"sent"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
	LastEvent Event      `json:"lastEvent,omitempty"`
}

// SMSAttempt - запись журнала исходящих SMS.
type SMSAttempt struct {
	ID          string    `json:"id"`
	Event       Event     `json:"event"`
	Recipient   string    `json:"recipient"`
	Status      SMSStatus `json:"status"`
	ExternalRef string    `json:"externalRef,omitempty"`
	At          time.Time `json:"at"`
}

// DeliveryOutcome - результат доставки по паре (канал, событие).
type DeliveryOutcome struct {
	Channel     Channel   `json:"channel"`
	Event       Event     `json:"event"`
	Success     bool      `json:"success"`
	Failures    int       `json:"failures"`
	ExternalRef string    `json:"externalRef,omitempty"`
	At          time.Time `json:"at"`
}

// Notifications хранит состояние уведомлений по запросу.
type Notifications struct {
	Web        ChannelState               `json:"web"`
	SMS        ChannelState               `json:"sms"`
	IVR        ChannelState               `json:"ivr"`
	SMSLog     []SMSAttempt               `json:"smsNotificationsSent"`
	Deliveries map[string]DeliveryOutcome `json:"deliveryStatus,omitempty"`
}

// State возвращает состояние канала.
func (n *Notifications) State(channel Channel) *ChannelState {
	switch channel {
	case WebChannel:
		return &n.Web
	case SMSChannel:
		return &n.SMS
	case IVRChannel:
		return &n.IVR
	}
	return nil
}

func (n Notifications) clone() Notifications {
	out := n
	out.Web.SentAt = cloneTime(n.Web.SentAt)
	out.SMS.SentAt = cloneTime(n.SMS.SentAt)
	out.IVR.SentAt = cloneTime(n.IVR.SentAt)
	out.SMSLog = append([]SMSAttempt(nil), n.SMSLog...)
	if n.Deliveries != nil {
		out.Deliveries = make(map[string]DeliveryOutcome, len(n.Deliveries))
		for k, v := range n.Deliveries {
			out.Deliveries[k] = v
		}
	}
	return out
}

// DeliveryKey строит ключ результата доставки.
func DeliveryKey(channel Channel, event Event) string {
	return string(event) + "/" + string(channel)
}

// Preferences - настройки уведомлений пользователя.
type Preferences struct {
	SMSEnabled    bool                   `json:"smsEnabled"`
	SMSCategories map[EventCategory]bool `json:"smsCategories,omitempty"`
}

// AllowsSMS проверяет, разрешены ли SMS для категории события.
func (p Preferences) AllowsSMS(category EventCategory) bool {
	if !p.SMSEnabled {
		return false
	}
	if len(p.SMSCategories) == 0 {
		return true
	}
	return p.SMSCategories[category]
}

// Contact - контактные данные участника из внешнего справочника пользователей.
type Contact struct {
	UserID      string      `json:"userId"`
	Role        Role        `json:"role"`
	Phone       string      `json:"phone,omitempty"`
	Language    string      `json:"language,omitempty"`
	Preferences Preferences `json:"preferences"`
}

// DispatchRequest - задание транспорту на отправку уведомления.
type DispatchRequest struct {
	RecordID    string            `json:"recordId"`
	Channel     Channel           `json:"channel"`
	Recipient   string            `json:"recipient"`
	TemplateKey string            `json:"templateKey"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// OutcomeReport - обратный вызов транспорта о результате доставки.
type OutcomeReport struct {
	RecordID    string    `json:"recordId" validate:"required"`
	Channel     Channel   `json:"channel" validate:"required,oneof=web sms ivr"`
	Event       Event     `json:"event"`
	Success     bool      `json:"success"`
	ExternalRef string    `json:"externalRef"`
	At          time.Time `json:"at"`
}

// DomainEvent - событие для внешних сервисов (например, склада объявлений).
type DomainEvent struct {
	Type       Event             `json:"type"`
	RequestID  string            `json:"requestId"`
	CropID     string            `json:"cropId"`
	BuyerID    string            `json:"buyerId"`
	FarmerID   string            `json:"farmerId"`
	Status     RequestStatus     `json:"status"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
