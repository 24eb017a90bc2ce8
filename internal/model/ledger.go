package model

import "time"

// LedgerEntry is one append-only balance change for an account. BalanceAfter
// of entry n equals BalanceAfter of entry n-1 plus Delta; the current balance
// is always the latest BalanceAfter, never recomputed by summation.
type LedgerEntry struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	AccountID    string    `gorm:"index;size:64;not null"`
	Delta        int64     `gorm:"not null"`
	Reason       string    `gorm:"size:64;not null"`
	SessionID    *string   `gorm:"uniqueIndex;size:36"` // Set for session-close credits; unique as a double-credit guard.
	BalanceAfter int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}
