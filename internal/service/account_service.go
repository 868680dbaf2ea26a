// Package service contains the service layer for the Tradecore API
package service

import (
	"sync"

	"github.com/raghurammutya/tradecore/internal/config"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/internal/repository"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
)

// AccountService keeps the durable account registry in step with the
// configured accounts and carries runtime mode-policy overrides set by
// operators. An override takes effect on the next mode evaluation,
// without a restart.
type AccountService struct {
	repo *repository.AccountRepository

	mu        sync.Mutex
	overrides map[string]string // account -> policy
}

// NewAccountService creates a new account service
func NewAccountService(repo *repository.AccountRepository) *AccountService {
	return &AccountService{
		repo:      repo,
		overrides: make(map[string]string),
	}
}

// SyncFromConfig mirrors the configured accounts into the registry.
// Credentials never touch the database; only operational fields do.
func (s *AccountService) SyncFromConfig(accounts []config.AccountConfig) {
	for _, a := range accounts {
		policy := a.Mode
		if policy == "" {
			policy = models.PolicyAuto
		}
		row := &models.AccountModel{
			AccountID:  a.ID,
			Broker:     a.Broker,
			Priority:   a.Priority,
			ModePolicy: policy,
		}
		if err := s.repo.UpsertAccount(row); err != nil {
			zaplogger.Warn("account registry sync failed", zaplogger.Fields{
				"account": a.ID,
				"error":   err.Error(),
			})
			continue
		}
		// a policy persisted by a previous operator override survives
		if stored, err := s.repo.GetAccount(a.ID); err == nil && stored.ModePolicy != policy {
			s.mu.Lock()
			s.overrides[a.ID] = stored.ModePolicy
			s.mu.Unlock()
		}
	}
}

// List returns the registered accounts ordered by priority
func (s *AccountService) List() ([]models.AccountModel, error) {
	return s.repo.GetAccounts()
}

// SetPolicy overrides one account's mode policy at runtime and
// persists it
func (s *AccountService) SetPolicy(accountID, policy string) error {
	switch policy {
	case models.PolicyAuto, models.PolicyForceMock, models.PolicyForceLive, models.PolicyOff:
	default:
		return E(KindContract, "policy must be auto, force_mock, force_live or off")
	}

	account, err := s.repo.GetAccount(accountID)
	if err != nil {
		return E(KindContract, "unknown account "+accountID)
	}
	account.ModePolicy = policy
	if err := s.repo.UpsertAccount(account); err != nil {
		return Wrap(KindResource, "policy persist failed", err)
	}

	s.mu.Lock()
	s.overrides[accountID] = policy
	s.mu.Unlock()
	zaplogger.Info("mode policy override", zaplogger.Fields{
		"account": accountID,
		"policy":  policy,
	})
	return nil
}

// Remove deregisters an account. A configured account reappears on the
// next restart; removal is meant for accounts dropped from the config.
func (s *AccountService) Remove(accountID string) error {
	n, err := s.repo.DeleteAccount(accountID)
	if err != nil {
		return Wrap(KindResource, "account delete failed", err)
	}
	if n == 0 {
		return E(KindContract, "unknown account "+accountID)
	}

	s.mu.Lock()
	delete(s.overrides, accountID)
	s.mu.Unlock()
	zaplogger.Info("account deregistered", zaplogger.Fields{"account": accountID})
	return nil
}

// PolicyFor resolves the effective policy: a runtime override when one
// exists, the configured fallback otherwise
func (s *AccountService) PolicyFor(accountID, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if policy, ok := s.overrides[accountID]; ok {
		return policy
	}
	return fallback
}
