package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/quillchat/quillchat/app/models"
)

var (
	// ErrUserNotFound is returned when a billing operation references a user
	// id with no local record.
	ErrUserNotFound = errors.New("billing: user not found")
	// ErrPriceNotConfigured is returned when neither a price lookup key nor a
	// direct price id is configured. Checkout fails loudly instead of
	// creating a session for an arbitrary price.
	ErrPriceNotConfigured = errors.New("billing: no price configured")
	// ErrSessionMismatch is returned when a user tries to verify a checkout
	// session that belongs to somebody else.
	ErrSessionMismatch = errors.New("billing: checkout session belongs to another user")
	// ErrNoCustomer is returned when a portal session is requested for a user
	// who has never been linked to a processor customer.
	ErrNoCustomer = errors.New("billing: user has no billing account")
)

// Statuses that block starting a second checkout. Broader than the entitled
// set on purpose: an unpaid subscription still occupies the customer and a
// second checkout would stack billing on top of it.
var checkoutBlockingStatuses = []models.SubscriptionStatus{
	models.SubscriptionStatusActive,
	models.SubscriptionStatusTrialing,
	models.SubscriptionStatusPastDue,
	models.SubscriptionStatusUnpaid,
}

// CheckoutResult is the outcome of StartCheckout.
type CheckoutResult struct {
	// URL is the processor-hosted checkout page, or the manage page when the
	// user already holds a subscription.
	URL               string `json:"url"`
	AlreadySubscribed bool   `json:"alreadySubscribed"`
}

// VerifyResult is the outcome of VerifyCheckout.
type VerifyResult struct {
	Verified bool   `json:"verified"`
	Tier     string `json:"tier"`
	Reason   string `json:"reason,omitempty"`
}

// LimitsResult describes the caller's current usage allowance. Limit and
// Remaining are nil for unlimited tiers.
type LimitsResult struct {
	Tier         string     `json:"tier"`
	Entitled     bool       `json:"entitled"`
	Limit        *int64     `json:"limit"`
	Used         int64      `json:"used"`
	Remaining    *int64     `json:"remaining"`
	UpgradeURL   string     `json:"upgradeUrl"`
	ManageURL    string     `json:"manageUrl"`
	ProExpiresAt *time.Time `json:"proExpiresAt,omitempty"`
	Plan         PlanInfo   `json:"plan"`
}

// SetPendingMessageCounter wires the not-yet-flushed message counter into
// usage computation; without it only the persisted count is reported.
func (s *Service) SetPendingMessageCounter(fn func(userID string) (int64, error)) {
	s.pendingMessages = fn
}

// StartCheckout creates a processor-hosted checkout session for the pro plan.
// A user who already holds a live subscription is pointed at the manage page
// instead of a second checkout.
func (s *Service) StartCheckout(ctx context.Context, userID string) (*CheckoutResult, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if s.policy.IsUserEntitled(user, s.now()) {
		return &CheckoutResult{URL: s.cfg.ResolveAppURL(s.cfg.PortalURL), AlreadySubscribed: true}, nil
	}
	if live := s.findLiveSubscription(ctx, user); live != nil {
		log.Infof("[Billing] User %s already holds subscription %s (%s), redirecting to manage", userID, live.ID, live.Status)
		return &CheckoutResult{URL: s.cfg.ResolveAppURL(s.cfg.PortalURL), AlreadySubscribed: true}, nil
	}

	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	priceID, err := s.resolvePrice(ctx)
	if err != nil {
		return nil, err
	}

	session, err := s.processor.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:        customerID,
		PriceID:           priceID,
		ClientReferenceID: user.ID,
		SuccessURL:        s.cfg.ResolveAppURL(defaultSuccessPathFormat),
		CancelURL:         s.cfg.ResolveAppURL(defaultCancelPath),
		UserID:            user.ID,
		IdempotencyKey:    s.bucketedIdempotencyKey("checkout", user.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutResult{URL: session.URL}, nil
}

// OpenPortal creates a self-service billing portal session. The user must
// already be linked to a processor customer.
func (s *Service) OpenPortal(ctx context.Context, userID string) (*PortalSession, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return nil, ErrNoCustomer
	}

	session, err := s.processor.CreatePortalSession(ctx, *user.StripeCustomerID,
		s.cfg.ResolveAppURL(s.cfg.PortalReturnURL),
		s.bucketedIdempotencyKey("portal", user.ID))
	if err != nil {
		return nil, fmt.Errorf("create portal session: %w", err)
	}
	return session, nil
}

// VerifyCheckout confirms a completed checkout session on the success page.
// It applies the entitlement immediately so the user does not have to wait for
// webhook delivery, using the same reconciliation rules as the webhook path.
func (s *Service) VerifyCheckout(ctx context.Context, userID, sessionID string) (*VerifyResult, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	cs, err := s.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch checkout session %s: %w", sessionID, err)
	}

	// Ownership gate: the session must have been created for this user. A
	// session without a client reference was not created by StartCheckout,
	// so it cannot entitle anyone here.
	if cs.ClientReferenceID != user.ID {
		return nil, ErrSessionMismatch
	}

	if cs.CustomerID != "" {
		if err := s.repo.SetStripeCustomerID(user.ID, cs.CustomerID); err != nil {
			return nil, fmt.Errorf("link customer %s to user %s: %w", cs.CustomerID, user.ID, err)
		}
	}

	if cs.PaymentStatus != PaymentStatusPaid && cs.PaymentStatus != PaymentStatusNoPaymentRequired {
		return &VerifyResult{Verified: false, Tier: user.Tier, Reason: "payment_incomplete"}, nil
	}

	sub := cs.Subscription
	if sub == nil && cs.SubscriptionID != "" {
		sub, err = s.processor.GetSubscription(ctx, cs.SubscriptionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("fetch subscription %s: %w", cs.SubscriptionID, err)
		}
	}
	if sub == nil || !s.policy.IsEntitledSubscription(sub, s.now()) {
		return &VerifyResult{Verified: false, Tier: user.Tier, Reason: "subscription_pending"}, nil
	}

	if _, err := s.applyEntitlement(user.ID, cs.CustomerID, s.proEntitlement(sub)); err != nil {
		return nil, err
	}
	if s.policy.ShouldDedupe(sub.Status) {
		s.cancelSiblingSubscriptions(ctx, s.customerOf(sub, cs.CustomerID), sub.ID)
	}
	return &VerifyResult{Verified: true, Tier: models.TIER_PRO}, nil
}

// Limits reports the caller's message allowance. Pro and lifetime users have
// no limit; free users get the configured lifetime cap.
func (s *Service) Limits(ctx context.Context, userID string) (*LimitsResult, error) {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	used := user.MessagesSentCount
	if s.pendingMessages != nil {
		pending, err := s.pendingMessages(user.ID)
		if err != nil {
			log.Warnf("[Billing] Could not read pending message count for user %s: %v", user.ID, err)
		} else {
			used += pending
		}
	}

	result := &LimitsResult{
		Tier:         user.Tier,
		Used:         used,
		UpgradeURL:   s.cfg.ResolveAppURL(s.cfg.CheckoutURL),
		ManageURL:    s.cfg.ResolveAppURL(s.cfg.PortalURL),
		ProExpiresAt: user.ProExpiresAt,
		Plan:         ProPlan,
	}

	if s.policy.IsUserEntitled(user, s.now()) {
		result.Entitled = true
		result.Tier = models.TIER_PRO
		return result, nil
	}

	limit := s.cfg.FreeMessageLimit
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	result.Tier = models.TIER_FREE
	result.Limit = &limit
	result.Remaining = &remaining
	return result, nil
}

// ResyncUser forces a fresh reconciliation of the user's entitlement against
// the processor, the same full listing the webhook downgrade path uses.
func (s *Service) ResyncUser(ctx context.Context, userID string) error {
	user, err := s.repo.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	if user.LifetimeAccess {
		return nil
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		log.Infof("[Billing] User %s has no billing account, nothing to resync", user.ID)
		return nil
	}
	return s.resyncCustomer(ctx, *user.StripeCustomerID, user.ID)
}

// ensureCustomer returns the user's processor customer id, creating and
// linking one when missing. The link is first-write-wins, so a concurrent
// creation race settles on whichever customer id was stored first.
func (s *Service) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	if user.StripeCustomerID != nil && *user.StripeCustomerID != "" {
		return *user.StripeCustomerID, nil
	}

	customer, err := s.processor.CreateCustomer(ctx, user.Email, user.ID, "cust:"+user.ID)
	if err != nil {
		return "", fmt.Errorf("create customer for user %s: %w", user.ID, err)
	}
	if err := s.repo.SetStripeCustomerID(user.ID, customer.ID); err != nil {
		return "", fmt.Errorf("link customer %s to user %s: %w", customer.ID, user.ID, err)
	}

	// Re-read in case a concurrent request linked a customer first.
	fresh, err := s.repo.GetUserByID(user.ID)
	if err == nil && fresh != nil && fresh.StripeCustomerID != nil && *fresh.StripeCustomerID != "" {
		return *fresh.StripeCustomerID, nil
	}
	return customer.ID, nil
}

func (s *Service) resolvePrice(ctx context.Context) (string, error) {
	if s.cfg.PriceLookupKey != "" {
		priceID, err := s.processor.ResolvePriceID(ctx, s.cfg.PriceLookupKey)
		if err != nil {
			return "", fmt.Errorf("resolve price for lookup key %s: %w", s.cfg.PriceLookupKey, err)
		}
		return priceID, nil
	}
	if s.cfg.PriceID != "" {
		return s.cfg.PriceID, nil
	}
	return "", ErrPriceNotConfigured
}

// findLiveSubscription looks for a subscription that should block a new
// checkout. Lookup errors degrade to "none found" so a processor hiccup never
// blocks an upgrade attempt.
func (s *Service) findLiveSubscription(ctx context.Context, user *models.User) *models.Subscription {
	if user.StripeSubscriptionID != nil && *user.StripeSubscriptionID != "" {
		sub, err := s.processor.GetSubscription(ctx, *user.StripeSubscriptionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Warnf("[Billing] Could not fetch subscription %s for user %s: %v", *user.StripeSubscriptionID, user.ID, err)
		}
		if sub != nil && isCheckoutBlocking(sub.Status) {
			return sub
		}
	}

	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return nil
	}
	subs, err := s.processor.ListSubscriptions(ctx, *user.StripeCustomerID)
	if err != nil {
		log.Warnf("[Billing] Could not list subscriptions for customer %s: %v", *user.StripeCustomerID, err)
		return nil
	}
	for _, sub := range subs {
		if isCheckoutBlocking(sub.Status) {
			return sub
		}
	}
	return nil
}

func isCheckoutBlocking(status models.SubscriptionStatus) bool {
	for _, v := range checkoutBlockingStatuses {
		if v == status {
			return true
		}
	}
	return false
}

// bucketedIdempotencyKey produces a key stable within a short window, so a
// double-clicked button replays the same processor request instead of
// creating a second resource.
func (s *Service) bucketedIdempotencyKey(kind, userID string) string {
	bucket := s.now().Unix() / int64(checkoutIdempotencyWindow/time.Second)
	return fmt.Sprintf("%s:%s:%d", kind, userID, bucket)
}
