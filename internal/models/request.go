package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type (
	RequestStatus  string // Статус запроса покупателя
	PaymentStatus  string // Статус оплаты
	DeliveryStatus string // Статус доставки
	Role           string // Роль участника
)

const (
	PendingRequest         RequestStatus = "pending"
	ViewedRequest          RequestStatus = "viewed"
	FarmerAcceptedRequest  RequestStatus = "farmer_accepted"
	FarmerRejectedRequest  RequestStatus = "farmer_rejected"
	FarmerCounteredRequest RequestStatus = "farmer_countered"
	BuyerAcceptedRequest   RequestStatus = "buyer_accepted"
	BuyerRejectedRequest   RequestStatus = "buyer_rejected"
	ConfirmedRequest       RequestStatus = "confirmed"
	InTransitRequest       RequestStatus = "in_transit"
	CompletedRequest       RequestStatus = "completed"
	CancelledRequest       RequestStatus = "cancelled"
	ExpiredRequest         RequestStatus = "expired"

	PaymentPending   PaymentStatus = "pending"
	PaymentPartial   PaymentStatus = "partial"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"

	DeliveryNotStarted DeliveryStatus = "not_started"
	DeliveryPickedUp   DeliveryStatus = "picked_up"
	DeliveryInTransit  DeliveryStatus = "in_transit"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"

	BuyerRole  Role = "buyer"
	FarmerRole Role = "farmer"
	AdminRole  Role = "admin"
	SystemRole Role = "system"
)

// AllStatuses перечисляет все допустимые статусы запроса.
var AllStatuses = []RequestStatus{
	PendingRequest,
	ViewedRequest,
	FarmerAcceptedRequest,
	FarmerRejectedRequest,
	FarmerCounteredRequest,
	BuyerAcceptedRequest,
	BuyerRejectedRequest,
	ConfirmedRequest,
	InTransitRequest,
	CompletedRequest,
	CancelledRequest,
	ExpiredRequest,
}

// OpenStatuses - статусы, в которых запрос ещё ждёт ответа и может истечь.
var OpenStatuses = []RequestStatus{
	PendingRequest,
	ViewedRequest,
	FarmerCounteredRequest,
	BuyerAcceptedRequest,
}

// IsKnown проверяет, что статус входит в перечисление.
func (s RequestStatus) IsKnown() bool {
	for _, status := range AllStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для статусов без исходящих переходов.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case FarmerRejectedRequest, BuyerRejectedRequest, CompletedRequest, CancelledRequest, ExpiredRequest:
		return true
	}
	return false
}

// IsOpen возвращает true, если запрос ещё не разрешён и подлежит истечению.
func (s RequestStatus) IsOpen() bool {
	for _, status := range OpenStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// AwaitingFarmer - фермер ещё не ответил на запрос.
func (s RequestStatus) AwaitingFarmer() bool {
	return s == PendingRequest || s == ViewedRequest
}

// HasAgreement - статусы, для которых обязателен снимок итогового соглашения.
func (s RequestStatus) HasAgreement() bool {
	return s == ConfirmedRequest || s == InTransitRequest || s == CompletedRequest
}

// Quantity - количество товара с единицей измерения.
type Quantity struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit"`
}

// Price - цена за единицу товара.
type Price struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit"`
}

// CounterOffer - встречное предложение фермера.
type CounterOffer struct {
	Price    Price     `json:"price"`
	Quantity Quantity  `json:"quantity"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

// FinalAgreement - неизменяемый снимок согласованных условий.
type FinalAgreement struct {
	Quantity       Quantity        `json:"quantity"`
	Price          Price           `json:"price"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	DeliveryMethod string          `json:"deliveryMethod,omitempty"`
	PaymentTerms   string          `json:"paymentTerms,omitempty"`
	AgreedAt       time.Time       `json:"agreedAt"`
}

// StatusEntry - запись в истории статусов.
type StatusEntry struct {
	Status RequestStatus `json:"status"`
	At     time.Time     `json:"at"`
	Note   string        `json:"note,omitempty"`
	Actor  string        `json:"actor,omitempty"`
}

// ContactState хранит состояние повторных IVR-звонков фермеру.
type ContactState struct {
	IVRCallAttempts      int        `json:"ivrCallAttempts"`
	LastIVRCallTime      *time.Time `json:"lastIvrCallTime,omitempty"`
	NextIVRCallScheduled *time.Time `json:"nextIvrCallScheduled,omitempty"`
}

// Payment - сведения об оплате после подтверждения.
type Payment struct {
	Status     PaymentStatus   `json:"status"`
	PaidAmount decimal.Decimal `json:"paidAmount"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
}

// Delivery - сведения о доставке после подтверждения.
type Delivery struct {
	Status    DeliveryStatus `json:"status"`
	Note      string         `json:"note,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// Rating - оценка сделки покупателем.
type Rating struct {
	Score   int       `json:"score"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// Request представляет запрос покупателя к объявлению фермера.
type Request struct {
	ID             string          `json:"id"`
	BuyerID        string          `json:"buyerId"`
	FarmerID       string          `json:"farmerId"`
	CropID         string          `json:"cropId"`
	Quantity       Quantity        `json:"quantity"`
	Price          Price           `json:"price"`
	CounterOffer   *CounterOffer   `json:"counterOffer,omitempty"`
	FinalAgreement *FinalAgreement `json:"finalAgreement,omitempty"`
	Status         RequestStatus   `json:"status"`
	StatusHistory  []StatusEntry   `json:"statusHistory"`
	Contact        ContactState    `json:"contact"`
	Notifications  Notifications   `json:"notifications"`
	Payment        *Payment        `json:"payment,omitempty"`
	Delivery       *Delivery       `json:"delivery,omitempty"`
	Rating         *Rating         `json:"rating,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	Version        int             `json:"version"`
}

// Terms возвращает действующие условия: встречные, если фермер их предложил.
func (r Request) Terms() (Quantity, Price) {
	if r.CounterOffer != nil {
		return r.CounterOffer.Quantity, r.CounterOffer.Price
	}
	return r.Quantity, r.Price
}

// Participant проверяет, является ли пользователь стороной сделки.
func (r Request) Participant(userID string) bool {
	return userID != "" && (userID == r.BuyerID || userID == r.FarmerID)
}

// Validate проверяет инварианты записи, зависящие от статуса.
func (r Request) Validate() error {
	if !r.Status.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
	if len(r.StatusHistory) == 0 || r.StatusHistory[len(r.StatusHistory)-1].Status != r.Status {
		return fmt.Errorf("%w: history does not end with %q", ErrInvalidInput, r.Status)
	}
	if r.Status == FarmerCounteredRequest && r.CounterOffer == nil {
		return fmt.Errorf("%w: countered request without counter offer", ErrInvalidInput)
	}
	if r.Status.HasAgreement() && r.FinalAgreement == nil {
		return fmt.Errorf("%w: %q requires final agreement", ErrInvalidInput, r.Status)
	}
	if r.FinalAgreement != nil && !r.Status.HasAgreement() && r.Status != CancelledRequest {
		return fmt.Errorf("%w: final agreement present in %q", ErrInvalidInput, r.Status)
	}
	if r.Contact.IVRCallAttempts < 0 {
		return fmt.Errorf("%w: negative ivr attempts", ErrInvalidInput)
	}
	return nil
}

// Clone возвращает глубокую копию записи.
func (r Request) Clone() Request {
	out := r
	out.StatusHistory = append([]StatusEntry(nil), r.StatusHistory...)
	if r.CounterOffer != nil {
		c := *r.CounterOffer
		out.CounterOffer = &c
	}
	if r.FinalAgreement != nil {
		f := *r.FinalAgreement
		out.FinalAgreement = &f
	}
	out.Contact = ContactState{
		IVRCallAttempts:      r.Contact.IVRCallAttempts,
		LastIVRCallTime:      cloneTime(r.Contact.LastIVRCallTime),
		NextIVRCallScheduled: cloneTime(r.Contact.NextIVRCallScheduled),
	}
	out.Notifications = r.Notifications.clone()
	if r.Payment != nil {
		p := *r.Payment
		p.UpdatedAt = cloneTime(r.Payment.UpdatedAt)
		out.Payment = &p
	}
	if r.Delivery != nil {
		d := *r.Delivery
		d.UpdatedAt = cloneTime(r.Delivery.UpdatedAt)
		out.Delivery = &d
	}
	if r.Rating != nil {
		rt := *r.Rating
		out.Rating = &rt
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на время в UTC.
func TimePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
