package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"rvm-session-backend/internal/model"
)

// CreateSession persists a freshly opened session.
func (s *gormStore) CreateSession(ctx context.Context, sess *model.Session) error {
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("failed to create session for machine %s: %w", sess.MachineCode, err)
	}
	return nil
}

// DeleteSession removes a session record. Only the activation rollback path
// uses this; closed sessions are never deleted.
func (s *gormStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&model.Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// OpenSessionForMachine returns the single open session for a machine.
func (s *gormStore) OpenSessionForMachine(ctx context.Context, code string) (model.Session, error) {
	var sess model.Session
	err := s.db.WithContext(ctx).
		Where("machine_code = ? AND closed_at IS NULL", code).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, ErrNoOpenSession
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to fetch open session for %s: %w", code, err)
	}
	return sess, nil
}

// LatestSessionForMachine returns the most recently opened session, open or
// closed. Snapshot calls use this so a reconnecting client can still see the
// outcome of a session that ended while it was away.
func (s *gormStore) LatestSessionForMachine(ctx context.Context, code string) (model.Session, error) {
	var sess model.Session
	err := s.db.WithContext(ctx).
		Where("machine_code = ?", code).
		Order("opened_at DESC").
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("failed to fetch latest session for %s: %w", code, err)
	}
	return sess, nil
}

// ListOpenSessions returns every session still open, used to re-arm inactivity
// timers after a server restart.
func (s *gormStore) ListOpenSessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	if err := s.db.WithContext(ctx).Where("closed_at IS NULL").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to list open sessions: %w", err)
	}
	return sessions, nil
}

// UpdateProgress writes a new item count and reward for an open session. The
// closed_at IS NULL condition makes a detection racing a close a clean no-op;
// the returned bool reports whether the update applied.
func (s *gormStore) UpdateProgress(ctx context.Context, id string, itemCount, rewardPoints int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]any{"item_count": itemCount, "reward_points": rewardPoints})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update progress for session %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CloseSession marks a session closed exactly once. The conditional UPDATE on
// closed_at IS NULL is the closed-once guard: the first closer wins and gets
// closedNow=true, any rival observes the already-closed record with
// closedNow=false and must not repeat side effects.
func (s *gormStore) CloseSession(ctx context.Context, id, reason string, at time.Time) (model.Session, bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]any{"closed_at": at, "close_reason": reason})
	if res.Error != nil {
		return model.Session{}, false, fmt.Errorf("failed to close session %s: %w", id, res.Error)
	}

	var sess model.Session
	err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Session{}, false, ErrSessionNotFound
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("failed to fetch session %s after close: %w", id, err)
	}

	return sess, res.RowsAffected > 0, nil
}
