package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"rvm-session-backend/internal/model"
)

// Store defines all persistence operations for the coordination core.
type Store interface {
	DB() *gorm.DB

	// Machines
	GetMachine(ctx context.Context, code string) (model.Machine, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	TryLock(ctx context.Context, code, userID string) (model.Machine, error)
	Unlock(ctx context.Context, code string) error
	MarkOnline(ctx context.Context, code string, online bool, at time.Time) (model.Machine, bool, error)

	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	DeleteSession(ctx context.Context, id string) error
	OpenSessionForMachine(ctx context.Context, code string) (model.Session, error)
	LatestSessionForMachine(ctx context.Context, code string) (model.Session, error)
	ListOpenSessions(ctx context.Context) ([]model.Session, error)
	UpdateProgress(ctx context.Context, id string, itemCount, rewardPoints int64) (bool, error)
	CloseSession(ctx context.Context, id, reason string, at time.Time) (model.Session, bool, error)

	// Ledger
	Credit(ctx context.Context, accountID string, amount int64, sessionID string) (int64, error)
	Balance(ctx context.Context, accountID string) (int64, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db       *gorm.DB
	accounts *keyedMutex // serializes ledger appends per account
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, accounts: newKeyedMutex()}
}

// DB exposes the underlying handle for handlers that query read models directly.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}
