package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/senyabanana/harvest-negotiation/internal/models"
	"github.com/senyabanana/harvest-negotiation/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	buyer  = models.Actor{ID: "buyer-1", Role: models.BuyerRole}
	farmer = models.Actor{ID: "farmer-1", Role: models.FarmerRole}
	admin  = models.Actor{ID: "ops-1", Role: models.AdminRole}
)

type recordingSender struct {
	mu   sync.Mutex
	sent []models.DispatchRequest
	fail map[models.Channel]error
}

func (s *recordingSender) Send(_ context.Context, req models.DispatchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[req.Channel]; err != nil {
		return err
	}
	s.sent = append(s.sent, req)
	return nil
}

func (s *recordingSender) byChannel(channel models.Channel) []models.DispatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DispatchRequest
	for _, req := range s.sent {
		if req.Channel == channel {
			out = append(out, req)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.DomainEvent
}

func (p *recordingEvents) Publish(_ context.Context, event models.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingEvents) ofType(event models.Event) []models.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.DomainEvent
	for _, e := range p.events {
		if e.Type == event {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	svc    *RequestService
	repo   *repository.MemoryRequestRepository
	sender *recordingSender
	events *recordingEvents
	now    time.Time
}

func (e *testEnv) advance(d time.Duration) time.Time {
	e.now = e.now.Add(d)
	return e.now
}

func (e *testEnv) at(offset time.Duration) time.Time {
	e.now = t0.Add(offset)
	return e.now
}

func newTestEnv(t *testing.T, policy Policy) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()
	env := &testEnv{
		repo:   repository.NewMemoryRequestRepository(),
		sender: &recordingSender{fail: map[models.Channel]error{}},
		events: &recordingEvents{},
		now:    t0,
	}
	env.svc = NewRequestService(Dependencies{
		Repo: env.repo,
		Listings: repository.NewMemoryListingRepository(models.Listing{
			ID:                "crop-1",
			FarmerID:          "farmer-1",
			CropName:          "wheat",
			AvailableQuantity: decimal.NewFromInt(500),
			QuantityUnit:      "kg",
			PricePerUnit:      decimal.NewFromInt(20),
			Active:            true,
		}),
		Contacts: repository.NewMemoryContactDirectory(
			models.Contact{UserID: "buyer-1", Phone: "+919876543210", Preferences: models.Preferences{SMSEnabled: true}},
			models.Contact{UserID: "farmer-1", Phone: "+919812345678", Language: "hi", Preferences: models.Preferences{SMSEnabled: true}},
		),
		Sender: env.sender,
		Events: env.events,
		Policy: policy,
		Logger: logger,
	})
	env.svc.nowFn = func() time.Time { return env.now }
	return env
}

func newRequestInput() models.CreateRequestInput {
	return models.CreateRequestInput{
		CropID:   "crop-1",
		FarmerID: "farmer-1",
		Quantity: decimal.NewFromInt(100),
		Unit:     "kg",
		Price:    decimal.NewFromInt(20),
	}
}

func createRequest(t *testing.T, env *testEnv) *models.Request {
	t.Helper()
	rec, err := env.svc.CreateRequest(context.Background(), buyer, newRequestInput())
	require.NoError(t, err)
	return rec
}

func TestCreateRequest(t *testing.T) {
	env := newTestEnv(t, Policy{})
	rec := createRequest(t, env)

	assert.Equal(t, models.PendingRequest, rec.Status)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, t0.Add(48*time.Hour), rec.ExpiresAt)
	require.Len(t, rec.StatusHistory, 1)
	assert.Equal(t, "buyer-1", rec.StatusHistory[0].Actor)
	assert.Equal(t, 0, rec.Contact.IVRCallAttempts)
	assert.Equal(t, models.TimePtr(t0), rec.Contact.NextIVRCallScheduled, "initial call goes out on the next tick")

	assert.True(t, rec.Notifications.Web.Sent)
	assert.True(t, rec.Notifications.SMS.Sent)
	assert.False(t, rec.Notifications.IVR.Sent)
	require.Len(t, env.sender.byChannel(models.SMSChannel), 1)
	assert.Equal(t, "+919812345678", env.sender.byChannel(models.SMSChannel)[0].Recipient)
	assert.Equal(t, "hi", env.sender.byChannel(models.SMSChannel)[0].Payload["language"])
	assert.Empty(t, env.sender.byChannel(models.IVRChannel))
	assert.Len(t, env.events.ofType(models.RequestCreatedEvent), 1)
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	tests := []struct {
		name   string
		actor  models.Actor
		mutate func(in *models.CreateRequestInput)
		err    error
	}{
		{name: "zero quantity", actor: buyer, mutate: func(in *models.CreateRequestInput) { in.Quantity = decimal.Zero }, err: models.ErrInvalidQuantity},
		{name: "negative price", actor: buyer, mutate: func(in *models.CreateRequestInput) { in.Price = decimal.NewFromInt(-1) }, err: models.ErrInvalidPrice},
		{name: "more than available", actor: buyer, mutate: func(in *models.CreateRequestInput) { in.Quantity = decimal.NewFromInt(501) }, err: models.ErrInvalidQuantity},
		{name: "missing unit", actor: buyer, mutate: func(in *models.CreateRequestInput) { in.Unit = "" }, err: models.ErrInvalidInput},
		{name: "unknown listing", actor: buyer, mutate: func(in *models.CreateRequestInput) { in.CropID = "crop-9" }, err: models.ErrListingUnavailable},
		{name: "listing of another farmer", actor: buyer, mutate: func(in *models.CreateRequestInput) { in.FarmerID = "farmer-2" }, err: models.ErrListingUnavailable},
		{name: "farmer cannot create", actor: farmer, mutate: func(*models.CreateRequestInput) {}, err: models.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newRequestInput()
			tt.mutate(&in)
			_, err := env.svc.CreateRequest(ctx, tt.actor, in)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	mine, err := env.svc.ListMine(ctx, buyer, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, mine, "failed validation must not leave a record behind")
}

func TestCounterOfferAcceptedAndConfirmed(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	env.advance(time.Hour)
	rec, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{
		Response: models.FarmerCounter,
		Counter:  &models.CounterTerms{Price: decimal.NewFromInt(22), Note: "market went up"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.FarmerCounteredRequest, rec.Status)
	require.NotNil(t, rec.CounterOffer)
	assert.True(t, rec.CounterOffer.Price.Value.Equal(decimal.NewFromInt(22)))
	assert.True(t, rec.CounterOffer.Quantity.Value.Equal(decimal.NewFromInt(100)))
	assert.Nil(t, rec.Contact.NextIVRCallScheduled)

	env.advance(time.Hour)
	rec, err = env.svc.BuyerRespondToCounter(ctx, buyer, rec.ID, models.BuyerAccept, "")
	require.NoError(t, err)
	assert.Equal(t, models.BuyerAcceptedRequest, rec.Status)

	env.advance(time.Hour)
	rec, err = env.svc.Confirm(ctx, buyer, rec.ID, models.ConfirmInput{DeliveryMethod: "pickup"})
	require.NoError(t, err)

	assert.Equal(t, models.ConfirmedRequest, rec.Status)
	require.NotNil(t, rec.FinalAgreement)
	assert.True(t, rec.FinalAgreement.TotalAmount.Equal(decimal.NewFromInt(2200)), rec.FinalAgreement.TotalAmount.String())
	assert.Equal(t, "pickup", rec.FinalAgreement.DeliveryMethod)
	assert.Len(t, rec.StatusHistory, 4)
	assert.Equal(t, models.PaymentPending, rec.Payment.Status)
	assert.Equal(t, models.DeliveryNotStarted, rec.Delivery.Status)

	confirmed := env.events.ofType(models.RequestConfirmedEvent)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "2200", confirmed[0].Attributes["totalAmount"])
	assert.Equal(t, "100", confirmed[0].Attributes["quantity"])

	again, err := env.svc.Confirm(ctx, farmer, rec.ID, models.ConfirmInput{DeliveryMethod: "courier"})
	require.NoError(t, err, "confirming twice is a no-op")
	assert.Equal(t, rec.Version, again.Version)
	assert.Equal(t, "pickup", again.FinalAgreement.DeliveryMethod)
}

func TestTickExpiresUnansweredRequest(t *testing.T) {
	env := newTestEnv(t, Policy{})
	rec := createRequest(t, env)

	rec, err := env.svc.Tick(context.Background(), rec.ID, env.at(48*time.Hour+time.Minute))
	require.NoError(t, err)

	assert.Equal(t, models.ExpiredRequest, rec.Status)
	assert.Nil(t, rec.Contact.NextIVRCallScheduled)
	assert.Equal(t, AutoExpiredNote, rec.StatusHistory[len(rec.StatusHistory)-1].Note)
	assert.Len(t, env.events.ofType(models.RequestExpiredEvent), 1)
}

func TestTickRetriesIVRUntilExpired(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	offsets := []time.Duration{0, 2 * time.Hour, 14 * time.Hour, 26 * time.Hour, 38 * time.Hour}
	for i, offset := range offsets {
		var err error
		rec, err = env.svc.Tick(ctx, rec.ID, env.at(offset))
		require.NoError(t, err)
		assert.Equal(t, models.PendingRequest, rec.Status)
		assert.Equal(t, i+1, rec.Contact.IVRCallAttempts)
		assert.Equal(t, models.TimePtr(env.now), rec.Contact.LastIVRCallTime)
	}
	assert.Equal(t, models.TimePtr(t0.Add(50*time.Hour)), rec.Contact.NextIVRCallScheduled)

	calls := env.sender.byChannel(models.IVRChannel)
	require.Len(t, calls, 5)
	assert.Equal(t, "5", calls[4].Payload["attempt"])
	assert.Equal(t, "+919812345678", calls[4].Recipient)

	rec, err := env.svc.Tick(ctx, rec.ID, env.at(50*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.ExpiredRequest, rec.Status)
	assert.Equal(t, 5, rec.Contact.IVRCallAttempts)
	assert.Nil(t, rec.Contact.NextIVRCallScheduled)
	assert.Len(t, env.sender.byChannel(models.IVRChannel), 5)
}

func TestTickExpiresWhenIVRAttemptsExhausted(t *testing.T) {
	env := newTestEnv(t, Policy{RequestTTL: 72 * time.Hour})
	ctx := context.Background()
	rec := createRequest(t, env)

	for _, offset := range []time.Duration{0, 2 * time.Hour, 14 * time.Hour, 26 * time.Hour, 38 * time.Hour, 50 * time.Hour} {
		var err error
		rec, err = env.svc.Tick(ctx, rec.ID, env.at(offset))
		require.NoError(t, err)
	}

	assert.Equal(t, models.ExpiredRequest, rec.Status)
	assert.Equal(t, 5, rec.Contact.IVRCallAttempts)
	assert.Equal(t, ExhaustedNote, rec.StatusHistory[len(rec.StatusHistory)-1].Note)
}

// switchableDirectory отдаёт ошибку или контакт без телефона, пока включён режим сбоя.
type switchableDirectory struct {
	next    repository.ContactDirectory
	failErr error
	noPhone bool
}

func (d *switchableDirectory) GetContact(ctx context.Context, userId string, role models.Role) (*models.Contact, error) {
	if d.failErr != nil {
		return nil, d.failErr
	}
	contact, err := d.next.GetContact(ctx, userId, role)
	if err != nil {
		return nil, err
	}
	if d.noPhone {
		contact.Phone = ""
	}
	return contact, nil
}

func TestTickDoesNotSpendAttemptWithoutPhone(t *testing.T) {
	tests := []struct {
		name      string
		directory *switchableDirectory
	}{
		{name: "directory unavailable", directory: &switchableDirectory{failErr: errors.New("directory timeout")}},
		{name: "phone removed", directory: &switchableDirectory{noPhone: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Policy{})
			ctx := context.Background()
			rec := createRequest(t, env)

			tt.directory.next = env.svc.contacts
			env.svc.contacts = tt.directory

			out, err := env.svc.Tick(ctx, rec.ID, env.at(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, models.PendingRequest, out.Status)
			assert.Equal(t, 0, out.Contact.IVRCallAttempts)
			assert.Nil(t, out.Contact.LastIVRCallTime)
			assert.Equal(t, models.TimePtr(t0.Add(time.Minute+DefaultFirstRetryDelay)), out.Contact.NextIVRCallScheduled)
			assert.Empty(t, out.Notifications.Deliveries[models.DeliveryKey(models.IVRChannel, IVRAttemptEvent(1))])
			assert.Empty(t, env.sender.byChannel(models.IVRChannel))

			again, err := env.svc.Tick(ctx, rec.ID, env.at(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, out.Version, again.Version, "postponed call is not due yet")

			tt.directory.failErr, tt.directory.noPhone = nil, false
			placed, err := env.svc.Tick(ctx, rec.ID, env.at(time.Minute+DefaultFirstRetryDelay))
			require.NoError(t, err)
			assert.Equal(t, 1, placed.Contact.IVRCallAttempts)
			assert.Len(t, env.sender.byChannel(models.IVRChannel), 1)
		})
	}
}

func TestTickNowUsesServiceClock(t *testing.T) {
	env := newTestEnv(t, Policy{})
	rec := createRequest(t, env)

	env.at(time.Minute)
	out, err := env.svc.TickNow(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TimePtr(t0.Add(time.Minute)), out.Contact.LastIVRCallTime)
}

func TestTickIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	first, err := env.svc.Tick(ctx, rec.ID, env.at(time.Hour))
	require.NoError(t, err)
	second, err := env.svc.Tick(ctx, rec.ID, env.now)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, len(first.StatusHistory), len(second.StatusHistory))
	assert.Equal(t, 1, second.Contact.IVRCallAttempts)
}

func TestCancelAfterRejectionIsTerminalViolation(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	rec, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerReject})
	require.NoError(t, err)
	assert.Equal(t, models.FarmerRejectedRequest, rec.Status)

	_, err = env.svc.Cancel(ctx, buyer, rec.ID, "too late")
	assert.ErrorIs(t, err, models.ErrTerminalStateViolation)

	stored, err := env.repo.GetRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, stored.Version)
}

func TestCancelClearsPendingIVR(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	rec, err := env.svc.Cancel(ctx, buyer, rec.ID, "found another farmer")
	require.NoError(t, err)
	assert.Equal(t, models.CancelledRequest, rec.Status)
	assert.Nil(t, rec.Contact.NextIVRCallScheduled)
	assert.Equal(t, "found another farmer", rec.StatusHistory[len(rec.StatusHistory)-1].Note)

	again, err := env.svc.Cancel(ctx, buyer, rec.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version)
}

func TestFarmerRespondValidation(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	_, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerCounter})
	assert.ErrorIs(t, err, models.ErrInvalidCounterTerms)

	_, err = env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{
		Response: models.FarmerCounter,
		Counter:  &models.CounterTerms{Price: decimal.NewFromInt(-5)},
	})
	assert.ErrorIs(t, err, models.ErrInvalidCounterTerms)

	_, err = env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: "maybe"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = env.svc.FarmerRespond(ctx, models.Actor{ID: "farmer-2", Role: models.FarmerRole}, rec.ID, models.FarmerResponseInput{Response: models.FarmerAccept})
	assert.ErrorIs(t, err, models.ErrForbidden)

	stored, err := env.repo.GetRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingRequest, stored.Status)
}

func TestMarkViewedOnClosedRequest(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	rejected, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerReject})
	require.NoError(t, err)

	_, err = env.svc.MarkViewed(ctx, farmer, rec.ID)
	assert.ErrorIs(t, err, models.ErrTerminalStateViolation)

	stored, err := env.repo.GetRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rejected.Version, stored.Version)
}

func TestMarkViewed(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	viewed, err := env.svc.MarkViewed(ctx, farmer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ViewedRequest, viewed.Status)
	assert.NotNil(t, viewed.Contact.NextIVRCallScheduled, "viewing is not an answer")

	again, err := env.svc.MarkViewed(ctx, farmer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, viewed.Version, again.Version)

	_, err = env.svc.MarkViewed(ctx, buyer, rec.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestLazyExpiryOnMutation(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	env.at(49 * time.Hour)
	out, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerAccept})
	assert.ErrorIs(t, err, models.ErrExpiredRecord)
	require.NotNil(t, out)
	assert.Equal(t, models.ExpiredRequest, out.Status)

	stored, err := env.repo.GetRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExpiredRequest, stored.Status)
	assert.Equal(t, AutoExpiredNote, stored.StatusHistory[len(stored.StatusHistory)-1].Note)
}

func TestGetExpiresLazily(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	got, err := env.svc.Get(ctx, buyer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingRequest, got.Status)

	env.at(49 * time.Hour)
	got, err = env.svc.Get(ctx, buyer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExpiredRequest, got.Status)

	_, err = env.svc.Get(ctx, models.Actor{ID: "stranger", Role: models.BuyerRole}, rec.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = env.svc.Get(ctx, buyer, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExtendExpiry(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	_, err := env.svc.ExtendExpiry(ctx, buyer, rec.ID, models.ExpiryExtensionInput{ExpiresAt: t0.Add(72 * time.Hour)})
	assert.ErrorIs(t, err, models.ErrForbidden)

	rec, err = env.svc.ExtendExpiry(ctx, admin, rec.ID, models.ExpiryExtensionInput{ExpiresAt: t0.Add(72 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(72*time.Hour), rec.ExpiresAt)

	env.at(49 * time.Hour)
	rec, err = env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerAccept})
	require.NoError(t, err)
	assert.Equal(t, models.FarmerAcceptedRequest, rec.Status)
}

func confirmedRequest(t *testing.T, env *testEnv) *models.Request {
	t.Helper()
	ctx := context.Background()
	rec := createRequest(t, env)
	_, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerAccept})
	require.NoError(t, err)
	rec, err = env.svc.Confirm(ctx, buyer, rec.ID, models.ConfirmInput{})
	require.NoError(t, err)
	return rec
}

func TestDeliveryLifecycle(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := confirmedRequest(t, env)
	assert.True(t, rec.FinalAgreement.TotalAmount.Equal(decimal.NewFromInt(2000)))

	_, err := env.svc.UpdateDelivery(ctx, buyer, rec.ID, models.DeliveryUpdateInput{Status: models.DeliveryDelivered})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "cannot deliver before transit")

	rec, err = env.svc.UpdateDelivery(ctx, farmer, rec.ID, models.DeliveryUpdateInput{Status: models.DeliveryPickedUp})
	require.NoError(t, err)
	assert.Equal(t, models.ConfirmedRequest, rec.Status)
	assert.Equal(t, models.DeliveryPickedUp, rec.Delivery.Status)

	rec, err = env.svc.UpdateDelivery(ctx, farmer, rec.ID, models.DeliveryUpdateInput{Status: models.DeliveryInTransit})
	require.NoError(t, err)
	assert.Equal(t, models.InTransitRequest, rec.Status)

	_, err = env.svc.UpdateDelivery(ctx, farmer, rec.ID, models.DeliveryUpdateInput{
		Status: models.DeliveryDelivered,
		Rating: &models.RatingInput{Score: 5},
	})
	assert.ErrorIs(t, err, models.ErrForbidden, "only the buyer rates")

	rec, err = env.svc.UpdateDelivery(ctx, buyer, rec.ID, models.DeliveryUpdateInput{
		Status: models.DeliveryDelivered,
		Rating: &models.RatingInput{Score: 5, Comment: "fresh"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRequest, rec.Status)
	require.NotNil(t, rec.Rating)
	assert.Equal(t, 5, rec.Rating.Score)
	assert.Len(t, env.events.ofType(models.RequestCompletedEvent), 1)

	_, err = env.svc.Cancel(ctx, buyer, rec.ID, "")
	assert.ErrorIs(t, err, models.ErrTerminalStateViolation)
}

func TestRecordPayment(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()

	pending := createRequest(t, env)
	_, err := env.svc.RecordPayment(ctx, buyer, pending.ID, models.PaymentInput{Amount: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	rec := confirmedRequest(t, env)

	rec, err = env.svc.RecordPayment(ctx, buyer, rec.ID, models.PaymentInput{Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPartial, rec.Payment.Status)

	_, err = env.svc.RecordPayment(ctx, buyer, rec.ID, models.PaymentInput{Amount: decimal.NewFromInt(1600)})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	rec, err = env.svc.RecordPayment(ctx, buyer, rec.ID, models.PaymentInput{Amount: decimal.NewFromInt(1500)})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, rec.Payment.Status)
	assert.True(t, rec.Payment.PaidAmount.Equal(decimal.NewFromInt(2000)))

	rec, err = env.svc.RecordPayment(ctx, admin, rec.ID, models.PaymentInput{Amount: decimal.NewFromInt(300), Refund: true})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRefunded, rec.Payment.Status)
	assert.True(t, rec.Payment.PaidAmount.Equal(decimal.NewFromInt(1700)))

	_, err = env.svc.RecordPayment(ctx, farmer, rec.ID, models.PaymentInput{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestSendFailureIsRecordedNotSurfaced(t *testing.T) {
	env := newTestEnv(t, Policy{})
	env.sender.fail[models.SMSChannel] = errors.New("gateway down")

	rec, err := env.svc.CreateRequest(context.Background(), buyer, newRequestInput())
	require.NoError(t, err)
	assert.Equal(t, models.PendingRequest, rec.Status)

	stored, err := env.repo.GetRequest(context.Background(), rec.ID)
	require.NoError(t, err)
	outcome := stored.Notifications.Deliveries[models.DeliveryKey(models.SMSChannel, models.RequestCreatedEvent)]
	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Failures)
	require.Len(t, stored.Notifications.SMSLog, 2)
	assert.Equal(t, models.SMSFailed, stored.Notifications.SMSLog[1].Status)
	assert.Len(t, env.sender.byChannel(models.WebChannel), 1, "web still delivered")
}

func TestRecordOutcome(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)

	rec, err := env.svc.Tick(ctx, rec.ID, env.at(time.Minute))
	require.NoError(t, err)

	report := models.OutcomeReport{RecordID: rec.ID, Channel: models.IVRChannel, Success: false, ExternalRef: "call-1"}
	updated, err := env.svc.RecordOutcome(ctx, report)
	require.NoError(t, err)
	outcome := updated.Notifications.Deliveries[models.DeliveryKey(models.IVRChannel, IVRAttemptEvent(1))]
	assert.Equal(t, 1, outcome.Failures)
	assert.Equal(t, models.PendingRequest, updated.Status, "failed call does not change status")

	duplicate, err := env.svc.RecordOutcome(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, updated.Version, duplicate.Version)

	_, err = env.svc.RecordOutcome(ctx, models.OutcomeReport{RecordID: rec.ID, Channel: "fax"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	cancelled, err := env.svc.Cancel(ctx, buyer, rec.ID, "")
	require.NoError(t, err)
	late, err := env.svc.RecordOutcome(ctx, models.OutcomeReport{RecordID: rec.ID, Channel: models.WebChannel, Success: true})
	require.NoError(t, err, "delivery bookkeeping is allowed after the request is closed")
	assert.Equal(t, models.CancelledRequest, late.Status)
	assert.Equal(t, cancelled.StatusHistory, late.StatusHistory)
	assert.True(t, late.Notifications.Deliveries[models.DeliveryKey(models.WebChannel, models.RequestCancelledEvent)].Success)
}

func TestSendFailureRecordedForClosingEvent(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)
	env.sender.fail[models.SMSChannel] = errors.New("gateway down")

	_, err := env.svc.Cancel(ctx, buyer, rec.ID, "changed plans")
	require.NoError(t, err)

	stored, err := env.repo.GetRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledRequest, stored.Status)
	outcome := stored.Notifications.Deliveries[models.DeliveryKey(models.SMSChannel, models.RequestCancelledEvent)]
	assert.False(t, outcome.Success)
	assert.Equal(t, 2, outcome.Failures, "one failed sms per party")
}

func TestListMine(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	first := createRequest(t, env)
	env.advance(time.Minute)
	createRequest(t, env)

	mine, err := env.svc.ListMine(ctx, farmer, 10, 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.NotEqual(t, first.ID, mine[0].ID, "newest first")

	env.at(49 * time.Hour)
	mine, err = env.svc.ListMine(ctx, buyer, 10, 0)
	require.NoError(t, err)
	for _, rec := range mine {
		assert.Equal(t, models.ExpiredRequest, rec.Status)
	}
}

// conflictingRepo отдаёт конфликт версий на первых записях или даёт
// конкурирующему писателю обновить запись между чтением и записью.
type conflictingRepo struct {
	*repository.MemoryRequestRepository
	conflicts    int
	beforeUpdate func()
}

func (r *conflictingRepo) UpdateRequest(ctx context.Context, rec models.Request) (*models.Request, error) {
	if r.beforeUpdate != nil {
		hook := r.beforeUpdate
		r.beforeUpdate = nil
		hook()
	}
	if r.conflicts > 0 {
		r.conflicts--
		return nil, models.ErrVersionConflict
	}
	return r.MemoryRequestRepository.UpdateRequest(ctx, rec)
}

func newConflictEnv(t *testing.T) (*testEnv, *conflictingRepo) {
	t.Helper()
	env := newTestEnv(t, Policy{ConflictRetries: 3})
	repo := &conflictingRepo{MemoryRequestRepository: env.repo}
	env.svc.repo = repo
	return env, repo
}

func TestConflictRetries(t *testing.T) {
	env, repo := newConflictEnv(t)
	ctx := context.Background()
	rec := createRequest(t, env)

	repo.conflicts = 3
	out, err := env.svc.MarkViewed(ctx, farmer, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ViewedRequest, out.Status)
	assert.Len(t, out.StatusHistory, 2)

	repo.conflicts = 4
	_, err = env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerAccept})
	assert.ErrorIs(t, err, models.ErrConflictRetryExhausted)
}

func TestConflictReloadsAndRevalidates(t *testing.T) {
	env, repo := newConflictEnv(t)
	ctx := context.Background()
	rec := createRequest(t, env)

	repo.beforeUpdate = func() {
		current, err := env.repo.GetRequest(ctx, rec.ID)
		require.NoError(t, err)
		cancelled, err := NewTransitionEngine().Cancel(*current, "buyer withdrew", "buyer-1", env.now)
		require.NoError(t, err)
		_, err = env.repo.UpdateRequest(ctx, cancelled)
		require.NoError(t, err)
	}

	_, err := env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{Response: models.FarmerAccept})
	assert.ErrorIs(t, err, models.ErrTerminalStateViolation)

	stored, err := env.repo.GetRequest(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledRequest, stored.Status)
	assert.Len(t, stored.StatusHistory, 2)
}

func TestHistoryNeverShrinks(t *testing.T) {
	env := newTestEnv(t, Policy{})
	ctx := context.Background()
	rec := createRequest(t, env)
	length := len(rec.StatusHistory)

	steps := []func() (*models.Request, error){
		func() (*models.Request, error) { return env.svc.MarkViewed(ctx, farmer, rec.ID) },
		func() (*models.Request, error) { return env.svc.Tick(ctx, rec.ID, env.at(time.Hour)) },
		func() (*models.Request, error) {
			return env.svc.FarmerRespond(ctx, farmer, rec.ID, models.FarmerResponseInput{
				Response: models.FarmerCounter,
				Counter:  &models.CounterTerms{Quantity: decimal.NewFromInt(80)},
			})
		},
		func() (*models.Request, error) { return env.svc.Cancel(ctx, farmer, rec.ID, "") },
		func() (*models.Request, error) { return env.svc.Tick(ctx, rec.ID, env.at(60*time.Hour)) },
	}
	for _, step := range steps {
		out, err := step()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(out.StatusHistory), length)
		assert.True(t, out.Status.IsKnown())
		length = len(out.StatusHistory)
	}
}

func TestNewRequestServiceDefaults(t *testing.T) {
	svc := NewRequestService(Dependencies{Repo: repository.NewMemoryRequestRepository()})
	assert.Equal(t, DefaultConflictRetries, svc.conflictRetries)
	assert.Equal(t, DefaultRetryPolicy(), svc.retry.Policy())
	assert.Equal(t, logrus.StandardLogger(), svc.logger)

	clocked := NewRequestService(Dependencies{
		Repo: repository.NewMemoryRequestRepository(),
		Now:  func() time.Time { return t0 },
	})
	assert.Equal(t, t0, clocked.nowFn())
}
