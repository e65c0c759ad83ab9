package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillchat/quillchat/app/models"
	"github.com/quillchat/quillchat/internal/pkg/entitlements"
)

// fakeRepository is an in-memory Repository with the same first-write-wins
// and claim semantics as the GORM implementation.
type fakeRepository struct {
	mu          sync.Mutex
	users       map[string]*models.User
	eventStatus map[string]string

	claimErr error
	applyErr error
}

func newFakeRepository(users ...*models.User) *fakeRepository {
	r := &fakeRepository{
		users:       make(map[string]*models.User),
		eventStatus: make(map[string]string),
	}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeRepository) GetUserByID(userID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, nil
	}
	clone := *u
	return &clone, nil
}

func (r *fakeRepository) GetUserByCustomerID(customerID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			clone := *u
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *fakeRepository) SetStripeCustomerID(userID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil
	}
	if u.StripeCustomerID == nil {
		u.StripeCustomerID = &customerID
	}
	return nil
}

func (r *fakeRepository) ApplyEntitlementByUserID(userID string, ent Entitlement) (bool, error) {
	if r.applyErr != nil {
		return false, r.applyErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	applyEntitlementTo(u, ent)
	return true, nil
}

func (r *fakeRepository) ApplyEntitlementByCustomerID(customerID string, ent Entitlement) (bool, error) {
	if r.applyErr != nil {
		return false, r.applyErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			applyEntitlementTo(u, ent)
			return true, nil
		}
	}
	return false, nil
}

func applyEntitlementTo(u *models.User, ent Entitlement) {
	u.Tier = ent.Tier
	u.StripeSubscriptionID = ent.StripeSubscriptionID
	u.ProExpiresAt = ent.ProExpiresAt
}

func (r *fakeRepository) ClaimEvent(eventID, eventType, payloadJSON string) (bool, error) {
	if r.claimErr != nil {
		return false, r.claimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.eventStatus[eventID]; seen {
		return false, nil
	}
	r.eventStatus[eventID] = models.BillingEventStatusClaimed
	return true, nil
}

func (r *fakeRepository) ReclaimFailedEvent(eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eventStatus[eventID] != models.BillingEventStatusFailed {
		return false, nil
	}
	r.eventStatus[eventID] = models.BillingEventStatusClaimed
	return true, nil
}

func (r *fakeRepository) MarkEventProcessed(eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventStatus[eventID] = models.BillingEventStatusProcessed
	return nil
}

func (r *fakeRepository) MarkEventFailed(eventID string, processingErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventStatus[eventID] = models.BillingEventStatusFailed
	return nil
}

// fakeProcessor is an in-memory ProcessorClient.
type fakeProcessor struct {
	mu    sync.Mutex
	subs  map[string]*models.Subscription
	price map[string]string

	canceled        []string
	createdCustomer int
	idempotencyKeys []string
	checkoutSession *CheckoutSession
	portalSession   *PortalSession

	getErr    error
	listErr   error
	cancelErr error
}

func newFakeProcessor(subs ...*models.Subscription) *fakeProcessor {
	p := &fakeProcessor{
		subs:  make(map[string]*models.Subscription),
		price: map[string]string{"quillchat_pro": "price_pro"},
	}
	for _, s := range subs {
		p.subs[s.ID] = s
	}
	return p
}

func (p *fakeProcessor) CreateCustomer(ctx context.Context, email, userID, idempotencyKey string) (*Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createdCustomer++
	p.idempotencyKeys = append(p.idempotencyKeys, idempotencyKey)
	return &Customer{ID: fmt.Sprintf("cus_new_%d", p.createdCustomer), Email: email}, nil
}

func (p *fakeProcessor) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	clone := *sub
	return &clone, nil
}

func (p *fakeProcessor) ListSubscriptions(ctx context.Context, customerID string) ([]*models.Subscription, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.Subscription
	for _, sub := range p.subs {
		if sub.CustomerID == customerID {
			clone := *sub
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (p *fakeProcessor) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subs[subscriptionID]; ok {
		sub.Status = models.SubscriptionStatusCanceled
	}
	p.canceled = append(p.canceled, subscriptionID)
	return nil
}

func (p *fakeProcessor) ResolvePriceID(ctx context.Context, lookupKey string) (string, error) {
	id, ok := p.price[lookupKey]
	if !ok {
		return "", fmt.Errorf("price for lookup key %s: %w", lookupKey, ErrNotFound)
	}
	return id, nil
}

func (p *fakeProcessor) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idempotencyKeys = append(p.idempotencyKeys, params.IdempotencyKey)
	cs := &CheckoutSession{
		ID:                "cs_test_1",
		URL:               "https://checkout.example.com/cs_test_1",
		CustomerID:        params.CustomerID,
		ClientReferenceID: params.ClientReferenceID,
		Metadata:          map[string]string{"userId": params.UserID},
	}
	p.checkoutSession = cs
	clone := *cs
	return &clone, nil
}

func (p *fakeProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkoutSession == nil || p.checkoutSession.ID != sessionID {
		return nil, fmt.Errorf("checkout session %s: %w", sessionID, ErrNotFound)
	}
	clone := *p.checkoutSession
	return &clone, nil
}

func (p *fakeProcessor) CreatePortalSession(ctx context.Context, customerID, returnURL, idempotencyKey string) (*PortalSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idempotencyKeys = append(p.idempotencyKeys, idempotencyKey)
	p.portalSession = &PortalSession{ID: "bps_1", URL: "https://portal.example.com/bps_1"}
	clone := *p.portalSession
	return &clone, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		PriceLookupKey:   "quillchat_pro",
		AppURL:           "https://app.example.com",
		CheckoutURL:      "/billing/upgrade",
		PortalURL:        "/billing/manage",
		PortalReturnURL:  "/settings/billing",
		FreeMessageLimit: 3,
		GracePeriod:      48 * time.Hour,
	}
}

func newTestService(repo Repository, proc ProcessorClient) *Service {
	svc := NewService(repo, proc, entitlements.DefaultPolicy(), testConfig())
	svc.now = func() time.Time { return testNow }
	return svc
}

func activeSub(id, customerID, userID string, periodEnd time.Time) *models.Subscription {
	sub := &models.Subscription{
		ID:         id,
		CustomerID: customerID,
		Status:     models.SubscriptionStatusActive,
		Items: []models.SubscriptionItem{
			{ID: "si_" + id, PriceID: "price_pro", CurrentPeriodEnd: &periodEnd},
		},
	}
	if userID != "" {
		sub.Metadata = map[string]string{"userId": userID}
	}
	return sub
}

func subscriptionEvent(eventID, eventType string, sub *models.Subscription) (*Event, []byte) {
	ev := &Event{ID: eventID, Type: eventType, Payload: SubscriptionChangePayload{Subscription: *sub}}
	if eventType == EventTypeSubscriptionDeleted {
		ev.Payload = SubscriptionDeletedPayload{Subscription: *sub}
	}
	return ev, []byte(`{"id":"` + eventID + `"}`)
}

func TestProcessEventClaimsExactlyOnce(t *testing.T) {
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE}
	repo := newFakeRepository(user)
	sub := activeSub("sub_1", "cus_1", "user-1", testNow.Add(30*24*time.Hour))
	proc := newFakeProcessor(sub)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionUpdated, sub)

	result, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)

	result, err = svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, result)

	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
	assert.Equal(t, models.BillingEventStatusProcessed, repo.eventStatus["evt_1"])
}

func TestProcessEventReplayIsIdempotent(t *testing.T) {
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE}
	repo := newFakeRepository(user)
	sub := activeSub("sub_1", "cus_1", "user-1", testNow.Add(30*24*time.Hour))
	proc := newFakeProcessor(sub)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionUpdated, sub)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)
	before, _ := repo.GetUserByID("user-1")

	for i := 0; i < 3; i++ {
		result, err := svc.ProcessEvent(context.Background(), ev, raw)
		require.NoError(t, err)
		assert.Equal(t, ResultDuplicate, result)
	}

	after, _ := repo.GetUserByID("user-1")
	assert.Equal(t, before, after)
}

func TestProcessEventUpgradeSetsEntitlement(t *testing.T) {
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE}
	repo := newFakeRepository(user)
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	sub := activeSub("sub_1", "cus_1", "user-1", periodEnd)
	proc := newFakeProcessor(sub)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionCreated, sub)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)

	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_1", *got.StripeSubscriptionID)
	require.NotNil(t, got.ProExpiresAt)
	assert.True(t, got.ProExpiresAt.Equal(periodEnd))
}

func TestProcessEventActiveCancelsLiveSiblings(t *testing.T) {
	cus := "cus_1"
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE, StripeCustomerID: &cus}
	repo := newFakeRepository(user)

	keep := activeSub("sub_keep", cus, "user-1", testNow.Add(30*24*time.Hour))
	dupActive := activeSub("sub_dup", cus, "user-1", testNow.Add(29*24*time.Hour))
	dupTrial := activeSub("sub_trial", cus, "user-1", testNow.Add(14*24*time.Hour))
	dupTrial.Status = models.SubscriptionStatusTrialing
	dead := activeSub("sub_dead", cus, "user-1", testNow.Add(-24*time.Hour))
	dead.Status = models.SubscriptionStatusCanceled

	proc := newFakeProcessor(keep, dupActive, dupTrial, dead)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionUpdated, keep)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sub_dup", "sub_trial"}, proc.canceled)
}

func TestProcessEventTrialingDoesNotDedupe(t *testing.T) {
	cus := "cus_1"
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE, StripeCustomerID: &cus}
	repo := newFakeRepository(user)

	trial := activeSub("sub_trial", cus, "user-1", testNow.Add(14*24*time.Hour))
	trial.Status = models.SubscriptionStatusTrialing
	paid := activeSub("sub_paid", cus, "user-1", testNow.Add(30*24*time.Hour))

	proc := newFakeProcessor(trial, paid)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionUpdated, trial)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)

	// an abandoned trial must never cancel a paid subscription
	assert.Empty(t, proc.canceled)
	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
}

func TestProcessEventDowngradeRunsFullResync(t *testing.T) {
	cus := "cus_1"
	subID := "sub_old"
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_PRO, StripeCustomerID: &cus, StripeSubscriptionID: &subID}
	repo := newFakeRepository(user)

	canceled := activeSub("sub_old", cus, "user-1", testNow.Add(-24*time.Hour))
	canceled.Status = models.SubscriptionStatusCanceled
	replacement := activeSub("sub_new", cus, "user-1", testNow.Add(30*24*time.Hour))

	proc := newFakeProcessor(canceled, replacement)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionUpdated, canceled)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)

	// the other live subscription keeps the user entitled
	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_new", *got.StripeSubscriptionID)
}

func TestProcessEventDeletedDowngradesWhenNothingRemains(t *testing.T) {
	cus := "cus_1"
	subID := "sub_1"
	expiry := testNow.Add(24 * time.Hour)
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_PRO, StripeCustomerID: &cus, StripeSubscriptionID: &subID, ProExpiresAt: &expiry}
	repo := newFakeRepository(user)

	gone := activeSub("sub_1", cus, "user-1", testNow.Add(-24*time.Hour))
	gone.Status = models.SubscriptionStatusCanceled
	proc := newFakeProcessor(gone)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionDeleted, gone)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)

	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_FREE, got.Tier)
	assert.Nil(t, got.StripeSubscriptionID)
	assert.Nil(t, got.ProExpiresAt)
}

func TestProcessEventListFailureKeepsEntitlementAndRetries(t *testing.T) {
	cus := "cus_1"
	subID := "sub_1"
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_PRO, StripeCustomerID: &cus, StripeSubscriptionID: &subID}
	repo := newFakeRepository(user)

	canceled := activeSub("sub_1", cus, "user-1", testNow.Add(-24*time.Hour))
	canceled.Status = models.SubscriptionStatusCanceled
	proc := newFakeProcessor(canceled)
	proc.listErr = errors.New("processor unavailable")
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionDeleted, canceled)
	_, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.Error(t, err)

	// a listing failure must never downgrade
	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
	assert.Equal(t, models.BillingEventStatusFailed, repo.eventStatus["evt_1"])

	// the redelivery re-claims the failed event and succeeds
	proc.listErr = nil
	result, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)
	got, _ = repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_FREE, got.Tier)
}

func TestProcessEventCheckoutCompletedFetchesLiveSubscription(t *testing.T) {
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE}
	repo := newFakeRepository(user)
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	live := activeSub("sub_1", "cus_1", "user-1", periodEnd)
	proc := newFakeProcessor(live)
	svc := newTestService(repo, proc)

	// the session snapshot carries no subscription details; the handler must
	// fetch the live state
	ev := &Event{ID: "evt_1", Type: EventTypeCheckoutSessionCompleted, Payload: CheckoutCompletedPayload{Session: CheckoutSession{
		ID:             "cs_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Metadata:       map[string]string{"userId": "user-1"},
	}}}

	_, err := svc.ProcessEvent(context.Background(), ev, []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)

	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
	require.NotNil(t, got.StripeCustomerID)
	assert.Equal(t, "cus_1", *got.StripeCustomerID)
	require.NotNil(t, got.ProExpiresAt)
	assert.True(t, got.ProExpiresAt.Equal(periodEnd))
}

func TestProcessEventCheckoutWithIncompleteSubscriptionDoesNotEntitle(t *testing.T) {
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE}
	repo := newFakeRepository(user)
	pending := activeSub("sub_1", "cus_1", "user-1", testNow.Add(30*24*time.Hour))
	pending.Status = models.SubscriptionStatusIncomplete
	proc := newFakeProcessor(pending)
	svc := newTestService(repo, proc)

	ev := &Event{ID: "evt_1", Type: EventTypeCheckoutSessionCompleted, Payload: CheckoutCompletedPayload{Session: CheckoutSession{
		ID:             "cs_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Metadata:       map[string]string{"userId": "user-1"},
	}}}

	_, err := svc.ProcessEvent(context.Background(), ev, []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)

	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_FREE, got.Tier)
}

func TestProcessEventUnknownUserIsNoOp(t *testing.T) {
	repo := newFakeRepository()
	sub := activeSub("sub_1", "cus_ghost", "", testNow.Add(30*24*time.Hour))
	proc := newFakeProcessor(sub)
	svc := newTestService(repo, proc)

	ev, raw := subscriptionEvent("evt_1", EventTypeSubscriptionUpdated, sub)
	result, err := svc.ProcessEvent(context.Background(), ev, raw)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)
	assert.Equal(t, models.BillingEventStatusProcessed, repo.eventStatus["evt_1"])
}

func TestProcessEventPaymentFailedNotifies(t *testing.T) {
	cus := "cus_1"
	user := &models.User{ID: "user-1", Email: "a@example.com", Role: models.ROLE_USER, Tier: models.TIER_PRO, StripeCustomerID: &cus}
	repo := newFakeRepository(user)
	proc := newFakeProcessor()
	svc := newTestService(repo, proc)

	var notified string
	svc.paymentFailedNotifier = func(email string, graceDays int) error {
		notified = email
		assert.Equal(t, 2, graceDays)
		return nil
	}

	ev := &Event{ID: "evt_1", Type: EventTypeInvoicePaymentFailed, Payload: InvoicePayload{InvoiceID: "in_1", CustomerID: cus, Paid: false}}
	_, err := svc.ProcessEvent(context.Background(), ev, []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", notified)

	// invoice events never touch entitlement
	got, _ := repo.GetUserByID("user-1")
	assert.Equal(t, models.TIER_PRO, got.Tier)
}

func TestProcessEventUnknownTypeIsProcessed(t *testing.T) {
	repo := newFakeRepository()
	svc := newTestService(repo, newFakeProcessor())

	ev := &Event{ID: "evt_1", Type: "charge.refunded", Payload: UnknownPayload{}}
	result, err := svc.ProcessEvent(context.Background(), ev, []byte(`{"id":"evt_1"}`))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, result)
	assert.Equal(t, models.BillingEventStatusProcessed, repo.eventStatus["evt_1"])
}

func TestResyncPrefersActiveThenLatestExpiry(t *testing.T) {
	cus := "cus_1"
	user := &models.User{ID: "user-1", Email: "a@example.com", Tier: models.TIER_FREE, StripeCustomerID: &cus}
	repo := newFakeRepository(user)

	trialLater := activeSub("sub_trial", cus, "user-1", testNow.Add(60*24*time.Hour))
	trialLater.Status = models.SubscriptionStatusTrialing
	activeEarlier := activeSub("sub_active", cus, "user-1", testNow.Add(10*24*time.Hour))

	proc := newFakeProcessor(trialLater, activeEarlier)
	svc := newTestService(repo, proc)

	require.NoError(t, svc.resyncCustomer(context.Background(), cus, "user-1"))

	got, _ := repo.GetUserByID("user-1")
	require.NotNil(t, got.StripeSubscriptionID)
	assert.Equal(t, "sub_active", *got.StripeSubscriptionID)
}
