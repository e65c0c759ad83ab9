package entitlements

import (
	"time"

	"github.com/quillchat/quillchat/app/models"
)

// Policy holds the named entitlement constants. They are configuration, not
// hardcoded behavior: product has revised the grace period and the dedupe
// trigger before, so every decision function takes the policy explicitly.
type Policy struct {
	// GracePeriod is the extra time after a billing period end during which a
	// past_due subscription still entitles, to tolerate transient card issues.
	GracePeriod time.Duration

	// EntitledStatuses grant access unconditionally.
	EntitledStatuses []models.SubscriptionStatus

	// GraceStatuses grant access only while now < periodEnd + GracePeriod.
	GraceStatuses []models.SubscriptionStatus

	// DedupeStatuses are the statuses that, when a subscription is newly kept,
	// trigger cancellation of its live siblings. Trialing is deliberately
	// excluded: an abandoned trial must not cancel a paid subscription.
	DedupeStatuses []models.SubscriptionStatus
}

// DefaultPolicy returns the current product policy: 48h grace, past_due
// entitled only within grace, dedupe on active only.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod: 48 * time.Hour,
		EntitledStatuses: []models.SubscriptionStatus{
			models.SubscriptionStatusActive,
			models.SubscriptionStatusTrialing,
		},
		GraceStatuses: []models.SubscriptionStatus{
			models.SubscriptionStatusPastDue,
		},
		DedupeStatuses: []models.SubscriptionStatus{
			models.SubscriptionStatusActive,
		},
	}
}

func containsStatus(list []models.SubscriptionStatus, s models.SubscriptionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// EffectiveExpiry returns the latest period end across all subscription line
// items, or nil when no item reports one.
func EffectiveExpiry(sub *models.Subscription) *time.Time {
	if sub == nil {
		return nil
	}

	var latest *time.Time
	for _, item := range sub.Items {
		if item.CurrentPeriodEnd == nil {
			continue
		}
		if latest == nil || item.CurrentPeriodEnd.After(*latest) {
			end := *item.CurrentPeriodEnd
			latest = &end
		}
	}
	return latest
}

// IsEntitledSubscription decides whether a processor subscription snapshot
// confers pro access at the given time.
func (p Policy) IsEntitledSubscription(sub *models.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}

	if containsStatus(p.EntitledStatuses, sub.Status) {
		return true
	}

	if containsStatus(p.GraceStatuses, sub.Status) {
		periodEnd := EffectiveExpiry(sub)
		if periodEnd == nil {
			return false
		}
		return now.Before(periodEnd.Add(p.GracePeriod))
	}

	return false
}

// IsUserEntitled decides entitlement from the stored user record alone.
// LifetimeAccess short-circuits; a nil ProExpiresAt next to a valid
// subscription id means "entitled, expiry not yet known", not "never expires".
func (p Policy) IsUserEntitled(user *models.User, now time.Time) bool {
	if user == nil {
		return false
	}

	if user.LifetimeAccess {
		return true
	}

	if user.Tier != models.TIER_PRO || user.StripeSubscriptionID == nil {
		return false
	}

	if user.ProExpiresAt == nil {
		return true
	}

	return now.Before(user.ProExpiresAt.Add(p.GracePeriod))
}

// ShouldDedupe reports whether a subscription entering this status should
// trigger best-effort cancellation of its live sibling subscriptions.
func (p Policy) ShouldDedupe(status models.SubscriptionStatus) bool {
	return containsStatus(p.DedupeStatuses, status)
}
