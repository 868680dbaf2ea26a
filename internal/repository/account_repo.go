// Package repository contains the repository layer for the Tradecore API
package repository

import (
	"fmt"

	"github.com/raghurammutya/tradecore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountRepository is the database repository for broker accounts
type AccountRepository struct {
	DB *gorm.DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{DB: db}
}

// GetAccounts returns all accounts ordered by priority (lower first)
func (r *AccountRepository) GetAccounts() ([]models.AccountModel, error) {
	var accounts []models.AccountModel
	err := r.DB.Order("priority asc, account_id asc").Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %v", err)
	}
	return accounts, nil
}

// GetAccount returns one account by id
func (r *AccountRepository) GetAccount(accountID string) (*models.AccountModel, error) {
	var account models.AccountModel
	err := r.DB.Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// UpsertAccount creates or updates an account row
func (r *AccountRepository) UpsertAccount(account *models.AccountModel) error {
	result := r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"broker", "credentials_encrypted", "priority", "subscription_tier", "mode_policy", "updated_at",
		}),
	}).Create(account)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert account %s: %v", account.AccountID, result.Error)
	}
	return nil
}

// DeleteAccount removes an account row on explicit deregistration
func (r *AccountRepository) DeleteAccount(accountID string) (int64, error) {
	result := r.DB.Where("account_id = ?", accountID).Delete(&models.AccountModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete account %s: %v", accountID, result.Error)
	}
	return result.RowsAffected, nil
}
