// Package repository contains the repository layer for the Tradecore API
package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raghurammutya/tradecore/internal/models"
)

// TokenFileRepository persists one access-token record per account as a
// JSON file with mode 0600.
type TokenFileRepository struct {
	dir string
}

// NewTokenFileRepository creates the token directory if needed
func NewTokenFileRepository(dir string) (*TokenFileRepository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create token dir %s: %v", dir, err)
	}
	return &TokenFileRepository{dir: dir}, nil
}

func (r *TokenFileRepository) path(accountID string) string {
	return filepath.Join(r.dir, accountID+".json")
}

// Read loads the token record for an account; nil when no file exists
func (r *TokenFileRepository) Read(accountID string) (*models.TokenState, error) {
	data, err := os.ReadFile(r.path(accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file for %s: %v", accountID, err)
	}
	var state models.TokenState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt token file for %s: %v", accountID, err)
	}
	return &state, nil
}

// Write persists the token record atomically: write a temp file, then
// rename over the old one
func (r *TokenFileRepository) Write(accountID string, state *models.TokenState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token state: %v", err)
	}

	tmp := r.path(accountID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file for %s: %v", accountID, err)
	}
	if err := os.Rename(tmp, r.path(accountID)); err != nil {
		return fmt.Errorf("failed to replace token file for %s: %v", accountID, err)
	}
	return nil
}

// Delete removes the token file on account deregistration
func (r *TokenFileRepository) Delete(accountID string) error {
	err := os.Remove(r.path(accountID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file for %s: %v", accountID, err)
	}
	return nil
}
