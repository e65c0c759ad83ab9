package models

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ROLE_GUEST = "guest"
	ROLE_USER  = "user"

	TIER_FREE = "free"
	TIER_PRO  = "pro"
)

type User struct {
	ID                   string         `gorm:"type:char(36);primaryKey" json:"id"`
	Email                string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Password             string         `gorm:"type:text" json:"-" validate:"required,min=6"`
	Role                 string         `gorm:"type:varchar(20);default:'user'" json:"role" validate:"oneof=guest user"`
	Tier                 string         `gorm:"type:varchar(20);not null;default:'free';index" json:"tier" validate:"oneof=free pro"`
	StripeCustomerID     *string        `gorm:"type:varchar(191);uniqueIndex;default:null" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string        `gorm:"type:varchar(191);default:null" json:"stripe_subscription_id,omitempty"`
	ProExpiresAt         *time.Time     `gorm:"type:timestamp;default:null" json:"pro_expires_at,omitempty"`
	LifetimeAccess       bool           `gorm:"default:false" json:"lifetime_access"`
	MessagesSentCount    int64          `gorm:"not null;default:0" json:"messages_sent_count"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsGuest reports whether the account is an unconverted guest account.
// Guests can chat within the free quota but cannot start paid flows.
func (u *User) IsGuest() bool {
	return u.Role == ROLE_GUEST
}

func CreateUser(email string, password string) (*User, error) {
	u := &User{
		ID:       uuid.NewString(),
		Email:    email,
		Password: password,
		Role:     ROLE_USER,
		Tier:     TIER_FREE,
	}

	// Validate the raw password; the bcrypt hash always satisfies min=6.
	if err := u.Validate(); err != nil {
		return nil, err
	}

	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	u.Password = pw

	return u, nil
}

// CreateGuestUser builds a throwaway guest account with a generated email and
// a random password. Guests convert to regular accounts via registration.
func CreateGuestUser() (*User, error) {
	pw, err := HashPassword(uuid.NewString())
	if err != nil {
		return nil, err
	}

	u := &User{
		ID:       uuid.NewString(),
		Email:    fmt.Sprintf("guest-%d@guest.local", time.Now().UnixNano()),
		Password: pw,
		Role:     ROLE_GUEST,
		Tier:     TIER_FREE,
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}
