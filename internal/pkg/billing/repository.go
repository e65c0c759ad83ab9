package billing

import (
	"errors"
	"time"

	"github.com/quillchat/quillchat/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entitlement is the wholesale overwrite applied to a user record during
// reconciliation. The three fields always travel together: a partial write
// could leave tier and subscription id contradicting each other.
type Entitlement struct {
	Tier                 string
	StripeSubscriptionID *string
	ProExpiresAt         *time.Time
}

// FreeEntitlement is the downgrade target: free tier with cleared linkage.
func FreeEntitlement() Entitlement {
	return Entitlement{Tier: models.TIER_FREE}
}

// Repository provides the DB operations used by the billing service.
type Repository interface {
	GetUserByID(userID string) (*models.User, error)
	GetUserByCustomerID(customerID string) (*models.User, error)

	// SetStripeCustomerID associates a processor customer with a user,
	// first-write-wins: an existing association is never overwritten.
	SetStripeCustomerID(userID, customerID string) error

	// ApplyEntitlementByUserID / ByCustomerID overwrite the entitlement fields
	// of the matching user row. The bool reports whether a row matched; a
	// missing user is not an error (external state may race ahead of local
	// linkage).
	ApplyEntitlementByUserID(userID string, ent Entitlement) (bool, error)
	ApplyEntitlementByCustomerID(customerID string, ent Entitlement) (bool, error)

	// ClaimEvent inserts the ledger row for eventID in claimed state. It
	// returns false when the event was already seen; the insert is a single
	// atomic insert-if-absent so concurrent redeliveries race safely.
	ClaimEvent(eventID, eventType, payloadJSON string) (bool, error)

	// ReclaimFailedEvent re-claims a previously failed event so a redelivery
	// can retry it. Atomic compare-and-set on status: only one redelivery
	// wins the retry.
	ReclaimFailedEvent(eventID string) (bool, error)
	MarkEventProcessed(eventID string) error
	MarkEventFailed(eventID string, processingErr error) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(userID string) (*models.User, error) {
	var u models.User
	err := r.db.Where("id = ?", userID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetUserByCustomerID(customerID string) (*models.User, error) {
	var u models.User
	err := r.db.Where("stripe_customer_id = ?", customerID).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) SetStripeCustomerID(userID, customerID string) error {
	return r.db.Model(&models.User{}).
		Where("id = ? AND stripe_customer_id IS NULL", userID).
		Update("stripe_customer_id", customerID).Error
}

func entitlementColumns(ent Entitlement) map[string]interface{} {
	return map[string]interface{}{
		"tier":                   ent.Tier,
		"stripe_subscription_id": ent.StripeSubscriptionID,
		"pro_expires_at":         ent.ProExpiresAt,
	}
}

func (r *gormRepository) ApplyEntitlementByUserID(userID string, ent Entitlement) (bool, error) {
	tx := r.db.Model(&models.User{}).
		Where("id = ?", userID).
		Updates(entitlementColumns(ent))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ApplyEntitlementByCustomerID(customerID string, ent Entitlement) (bool, error) {
	tx := r.db.Model(&models.User{}).
		Where("stripe_customer_id = ?", customerID).
		Updates(entitlementColumns(ent))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ClaimEvent(eventID, eventType, payloadJSON string) (bool, error) {
	event := &models.BillingEvent{
		EventID:     eventID,
		EventType:   eventType,
		Status:      models.BillingEventStatusClaimed,
		PayloadJSON: payloadJSON,
		ClaimedAt:   time.Now(),
	}
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ReclaimFailedEvent(eventID string) (bool, error) {
	tx := r.db.Model(&models.BillingEvent{}).
		Where("event_id = ? AND status = ?", eventID, models.BillingEventStatusFailed).
		Updates(map[string]interface{}{
			"status":     models.BillingEventStatusClaimed,
			"claimed_at": time.Now(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkEventProcessed(eventID string) error {
	now := time.Now()
	return r.db.Model(&models.BillingEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":       models.BillingEventStatusProcessed,
			"processed_at": &now,
			"last_error":   "",
		}).Error
}

func (r *gormRepository) MarkEventFailed(eventID string, processingErr error) error {
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return r.db.Model(&models.BillingEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"status":     models.BillingEventStatusFailed,
			"last_error": errMsg,
		}).Error
}
