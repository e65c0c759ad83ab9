package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/quillchat/quillchat/app/models"
	"github.com/quillchat/quillchat/internal/pkg/entitlements"
	"github.com/quillchat/quillchat/internal/pkg/mail"
)

// Statuses considered live duplicates during dedup cancellation. A canceled or
// unpaid sibling is already dead and is never touched.
var liveDuplicateStatuses = []models.SubscriptionStatus{
	models.SubscriptionStatusActive,
	models.SubscriptionStatusTrialing,
}

// lookupOutcome reports which identifier matched a local user during an
// entitlement write. Events carry a user id in metadata only when they
// originate from our own checkout sessions; customer id is the fallback.
type lookupOutcome int

const (
	foundByUserID lookupOutcome = iota
	foundByCustomerID
	notFound
)

// ProcessResult is the outcome of a webhook delivery.
type ProcessResult int

const (
	// ResultProcessed means the event was claimed and handled.
	ResultProcessed ProcessResult = iota
	// ResultDuplicate means the event id was already seen; nothing ran.
	ResultDuplicate
)

// Service is the billing reconciliation engine. All mutation paths into the
// user record's entitlement fields run through it.
type Service struct {
	repo      Repository
	processor ProcessorClient
	policy    entitlements.Policy
	cfg       Config

	// now is injectable for tests.
	now func() time.Time

	// pendingMessages reports counted-but-not-yet-flushed messages for a
	// user; optional, wired via SetPendingMessageCounter.
	pendingMessages func(userID string) (int64, error)

	// paymentFailedNotifier emails the user when a renewal payment fails;
	// optional, nil means no notification.
	paymentFailedNotifier func(email string, graceDays int) error
}

// NewService creates a billing service from injected dependencies.
func NewService(repo Repository, processor ProcessorClient, policy entitlements.Policy, cfg Config) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
		policy:    policy,
		cfg:       cfg,
		now:       time.Now,
	}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, processor ProcessorClient, cfg Config) *Service {
	policy := entitlements.DefaultPolicy()
	policy.GracePeriod = cfg.GracePeriod
	svc := NewService(NewRepository(db), processor, policy, cfg)
	svc.paymentFailedNotifier = mail.SendPaymentFailedMail
	return svc
}

// Config returns the loaded billing configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Policy returns the entitlement policy in effect.
func (s *Service) Policy() entitlements.Policy {
	return s.policy
}

// ProcessEvent claims and dispatches a verified webhook event. A duplicate
// event id short-circuits without side effects. A dispatch error marks the
// ledger row failed and propagates so the endpoint returns a retryable status
// and the processor redelivers.
func (s *Service) ProcessEvent(ctx context.Context, ev *Event, rawPayload []byte) (ProcessResult, error) {
	created, err := s.repo.ClaimEvent(ev.ID, ev.Type, string(rawPayload))
	if err != nil {
		return ResultProcessed, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	if !created {
		// A failed attempt may be retried by a redelivery; a processed or
		// in-flight event is a plain duplicate.
		reclaimed, err := s.repo.ReclaimFailedEvent(ev.ID)
		if err != nil {
			return ResultProcessed, fmt.Errorf("reclaim event %s: %w", ev.ID, err)
		}
		if !reclaimed {
			log.Infof("[Billing] Event %s already seen, skipping", ev.ID)
			return ResultDuplicate, nil
		}
		log.Infof("[Billing] Retrying previously failed event %s", ev.ID)
	}

	if err := s.dispatch(ctx, ev); err != nil {
		if markErr := s.repo.MarkEventFailed(ev.ID, err); markErr != nil {
			log.Errorf("[Billing] Could not mark event %s failed: %v", ev.ID, markErr)
		}
		return ResultProcessed, err
	}

	if err := s.repo.MarkEventProcessed(ev.ID); err != nil {
		// The effect is already applied; a redelivery would be suppressed by
		// the claim, so log instead of failing the delivery.
		log.Errorf("[Billing] Could not mark event %s processed: %v", ev.ID, err)
	}
	return ResultProcessed, nil
}

func (s *Service) dispatch(ctx context.Context, ev *Event) error {
	switch p := ev.Payload.(type) {
	case CheckoutCompletedPayload:
		return s.handleCheckoutCompleted(ctx, &p.Session)
	case SubscriptionChangePayload:
		return s.handleSubscriptionChange(ctx, &p.Subscription)
	case SubscriptionDeletedPayload:
		return s.handleSubscriptionDeleted(ctx, &p.Subscription)
	case InvoicePayload:
		// Invoice outcomes do not drive entitlement: a failed invoice leads to
		// a subscription status transition that is delivered separately.
		log.Infof("[Billing] Invoice event %s (invoice=%s customer=%s paid=%t)", ev.Type, p.InvoiceID, p.CustomerID, p.Paid)
		if !p.Paid {
			s.notifyPaymentFailed(p.CustomerID)
		}
		return nil
	case UnknownPayload:
		log.Infof("[Billing] Ignoring unhandled event type %s (%s)", ev.Type, ev.ID)
		return nil
	default:
		return fmt.Errorf("unhandled event payload %T", ev.Payload)
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, cs *CheckoutSession) error {
	userID := cs.Metadata["userId"]
	customerID := cs.CustomerID

	if userID != "" && customerID != "" {
		if err := s.repo.SetStripeCustomerID(userID, customerID); err != nil {
			return fmt.Errorf("link customer %s to user %s: %w", customerID, userID, err)
		}
	}

	if cs.SubscriptionID == "" {
		log.Infof("[Billing] Checkout session %s completed without a subscription", cs.ID)
		return nil
	}

	// Payload snapshots can be stale; fetch the live subscription.
	sub, err := s.processor.GetSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warnf("[Billing] Subscription %s from checkout session %s no longer exists", cs.SubscriptionID, cs.ID)
			if customerID != "" {
				return s.resyncCustomer(ctx, customerID, userID)
			}
			return nil
		}
		return fmt.Errorf("fetch subscription %s: %w", cs.SubscriptionID, err)
	}

	if !s.policy.IsEntitledSubscription(sub, s.now()) {
		// Do not downgrade here: subscription status events reconcile this.
		log.Infof("[Billing] Checkout session %s subscription %s is %s, not entitling", cs.ID, sub.ID, sub.Status)
		return nil
	}

	if _, err := s.applyEntitlement(userID, customerID, s.proEntitlement(sub)); err != nil {
		return err
	}

	if s.policy.ShouldDedupe(sub.Status) {
		s.cancelSiblingSubscriptions(ctx, s.customerOf(sub, customerID), sub.ID)
	}
	return nil
}

func (s *Service) handleSubscriptionChange(ctx context.Context, sub *models.Subscription) error {
	userID := sub.Metadata["userId"]

	if s.policy.IsEntitledSubscription(sub, s.now()) {
		// Upgrades apply directly from the event's own data: a newer active
		// status is never wrong to grant, even delivered out of order.
		if _, err := s.applyEntitlement(userID, sub.CustomerID, s.proEntitlement(sub)); err != nil {
			return err
		}
		if s.policy.ShouldDedupe(sub.Status) {
			s.cancelSiblingSubscriptions(ctx, sub.CustomerID, sub.ID)
		}
		return nil
	}

	// A downgrade is in play. Never apply it blindly from one event: the
	// customer may hold another subscription that still entitles, and stale
	// deliveries must not clobber entitlement established elsewhere.
	if sub.CustomerID == "" {
		log.Warnf("[Billing] Subscription %s is %s but carries no customer id, skipping resync", sub.ID, sub.Status)
		return nil
	}
	return s.resyncCustomer(ctx, sub.CustomerID, userID)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, sub *models.Subscription) error {
	if sub.CustomerID == "" {
		log.Warnf("[Billing] Deleted subscription %s carries no customer id, skipping resync", sub.ID)
		return nil
	}
	return s.resyncCustomer(ctx, sub.CustomerID, sub.Metadata["userId"])
}

// resyncCustomer recomputes entitlement from a fresh listing of all of the
// customer's subscriptions instead of trusting a single event's delta.
func (s *Service) resyncCustomer(ctx context.Context, customerID, userID string) error {
	subs, err := s.processor.ListSubscriptions(ctx, customerID)
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}

	best := s.pickBestEntitled(subs)
	if best == nil {
		outcome, err := s.applyEntitlement(userID, customerID, FreeEntitlement())
		if err != nil {
			return err
		}
		if outcome == notFound {
			log.Warnf("[Billing] No local user for customer %s during downgrade", customerID)
		} else {
			log.Infof("[Billing] Customer %s downgraded to free, no entitling subscription remains", customerID)
		}
		return nil
	}

	if _, err := s.applyEntitlement(userID, customerID, s.proEntitlement(best)); err != nil {
		return err
	}
	log.Infof("[Billing] Customer %s resynced to subscription %s (%s)", customerID, best.ID, best.Status)

	if s.policy.ShouldDedupe(best.Status) {
		s.cancelSiblingSubscriptions(ctx, customerID, best.ID)
	}
	return nil
}

// pickBestEntitled selects the subscription to keep: entitled only, active
// status preferred, latest effective expiry breaking ties.
func (s *Service) pickBestEntitled(subs []*models.Subscription) *models.Subscription {
	now := s.now()
	var best *models.Subscription
	for _, sub := range subs {
		if !s.policy.IsEntitledSubscription(sub, now) {
			continue
		}
		if best == nil || s.preferSubscription(sub, best) {
			best = sub
		}
	}
	return best
}

func (s *Service) preferSubscription(candidate, current *models.Subscription) bool {
	candActive := candidate.Status == models.SubscriptionStatusActive
	currActive := current.Status == models.SubscriptionStatusActive
	if candActive != currActive {
		return candActive
	}

	candEnd := entitlements.EffectiveExpiry(candidate)
	currEnd := entitlements.EffectiveExpiry(current)
	if candEnd == nil {
		return false
	}
	if currEnd == nil {
		return true
	}
	return candEnd.After(*currEnd)
}

// cancelSiblingSubscriptions cancels the customer's other live subscriptions
// so duplicate checkouts (double clicks, multi-tab races) never double-bill.
// Strictly best-effort: every failure is logged and never escalated.
func (s *Service) cancelSiblingSubscriptions(ctx context.Context, customerID, keepID string) {
	if customerID == "" {
		return
	}

	subs, err := s.processor.ListSubscriptions(ctx, customerID)
	if err != nil {
		log.Warnf("[Billing] Could not list subscriptions for dedup on customer %s: %v", customerID, err)
		return
	}

	for _, sub := range subs {
		if sub.ID == keepID || !isLiveDuplicate(sub.Status) {
			continue
		}
		if err := s.processor.CancelSubscription(ctx, sub.ID); err != nil {
			log.Warnf("[Billing] Could not cancel duplicate subscription %s on customer %s: %v", sub.ID, customerID, err)
			continue
		}
		log.Infof("[Billing] Canceled duplicate subscription %s on customer %s (kept %s)", sub.ID, customerID, keepID)
	}
}

func isLiveDuplicate(status models.SubscriptionStatus) bool {
	for _, v := range liveDuplicateStatuses {
		if v == status {
			return true
		}
	}
	return false
}

// applyEntitlement writes the entitlement via explicit two-step resolution:
// internal user id from event metadata first, processor customer id second.
// A miss on both is a logged no-op, never an error.
func (s *Service) applyEntitlement(userID, customerID string, ent Entitlement) (lookupOutcome, error) {
	if userID != "" {
		ok, err := s.repo.ApplyEntitlementByUserID(userID, ent)
		if err != nil {
			return notFound, fmt.Errorf("apply entitlement by user id %s: %w", userID, err)
		}
		if ok {
			return foundByUserID, nil
		}
	}

	if customerID != "" {
		ok, err := s.repo.ApplyEntitlementByCustomerID(customerID, ent)
		if err != nil {
			return notFound, fmt.Errorf("apply entitlement by customer id %s: %w", customerID, err)
		}
		if ok {
			return foundByCustomerID, nil
		}
	}

	log.Warnf("[Billing] No local user matched (user=%q customer=%q), entitlement not applied", userID, customerID)
	return notFound, nil
}

func (s *Service) proEntitlement(sub *models.Subscription) Entitlement {
	subID := sub.ID
	return Entitlement{
		Tier:                 models.TIER_PRO,
		StripeSubscriptionID: &subID,
		ProExpiresAt:         entitlements.EffectiveExpiry(sub),
	}
}

// notifyPaymentFailed emails the affected user. Best-effort: the status
// transition that actually downgrades entitlement arrives as its own event.
func (s *Service) notifyPaymentFailed(customerID string) {
	if s.paymentFailedNotifier == nil || customerID == "" {
		return
	}
	user, err := s.repo.GetUserByCustomerID(customerID)
	if err != nil || user == nil {
		return
	}
	if user.IsGuest() {
		return
	}
	graceDays := int(s.policy.GracePeriod / (24 * time.Hour))
	if err := s.paymentFailedNotifier(user.Email, graceDays); err != nil {
		log.Warnf("[Billing] Could not send payment failed mail for customer %s: %v", customerID, err)
	}
}

func (s *Service) customerOf(sub *models.Subscription, fallback string) string {
	if sub.CustomerID != "" {
		return sub.CustomerID
	}
	return fallback
}
