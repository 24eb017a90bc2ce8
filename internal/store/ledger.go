package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"rvm-session-backend/internal/model"
)

// Credit appends a ledger entry for a session close and returns the new
// balance. Appends for one account are serialized through a per-account mutex
// so the running balance never skips or repeats; a second credit for the same
// session fails loudly with ErrDuplicateCredit (the unique index on session_id
// backs the in-transaction check).
func (s *gormStore) Credit(ctx context.Context, accountID string, amount int64, sessionID string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	unlock := s.accounts.Lock(accountID)
	defer unlock()

	var balanceAfter int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&model.LedgerEntry{}).
			Where("session_id = ?", sessionID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check for existing credit: %w", err)
		}
		if existing > 0 {
			return ErrDuplicateCredit
		}

		var last model.LedgerEntry
		err := tx.Where("account_id = ?", accountID).
			Order("id DESC").
			First(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to read latest ledger entry: %w", err)
		}

		balanceAfter = last.BalanceAfter + amount
		entry := model.LedgerEntry{
			AccountID:    accountID,
			Delta:        amount,
			Reason:       "session",
			SessionID:    &sessionID,
			BalanceAfter: balanceAfter,
			CreatedAt:    time.Now().UTC(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balanceAfter, nil
}

// Balance returns the latest balance_after for an account, zero if the account
// has no entries yet. History is audit-only and never summed.
func (s *gormStore) Balance(ctx context.Context, accountID string) (int64, error) {
	var last model.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for %s: %w", accountID, err)
	}
	return last.BalanceAfter, nil
}
