// Package models contains the models for the Tradecore API
package models

import "time"

// AccountsTableName is the name of the table for broker accounts
const AccountsTableName = "accounts"

// Account mode policies (configured) and runtime modes (decided).
const (
	PolicyAuto      = "auto"
	PolicyForceMock = "force_mock"
	PolicyForceLive = "force_live"
	PolicyOff       = "off"
)

// AccountMode is the per-account runtime mode decided by the mode manager
type AccountMode string

const (
	ModeLive AccountMode = "LIVE"
	ModeMock AccountMode = "MOCK"
	ModeOff  AccountMode = "OFF"
)

// AccountModel represents a broker account. Credentials are stored
// encrypted and are never written to logs.
type AccountModel struct {
	AccountID            string    `gorm:"primaryKey" json:"account_id"`
	Broker               string    `json:"broker"`
	CredentialsEncrypted string    `json:"-"`
	Priority             int       `gorm:"index" json:"priority"`
	SubscriptionTier     string    `json:"subscription_tier"`
	ModePolicy           string    `gorm:"default:auto" json:"mode_policy"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"-"`
}

// TableName specifies the table name for the Account model
func (AccountModel) TableName() string {
	return AccountsTableName
}

// Token states for an account's upstream access token.
const (
	TokenStatusFresh      = "fresh"
	TokenStatusRefreshing = "refreshing"
	TokenStatusInvalid    = "invalid"
)

// TokenState is the immutable access-token record for an account.
// Consumers read it through an atomic pointer held by the refresher;
// a new refresh swaps in a new record, never mutates the old one.
type TokenState struct {
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Status      string    `json:"status"`
}

// Valid reports whether the token can be presented upstream
func (t *TokenState) Valid(now time.Time) bool {
	return t != nil && t.Status == TokenStatusFresh && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Remaining returns the time until expiry, negative if already expired
func (t *TokenState) Remaining(now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}
