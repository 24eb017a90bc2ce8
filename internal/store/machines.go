package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"rvm-session-backend/internal/model"
)

// GetMachine fetches a machine by its stable code.
func (s *gormStore) GetMachine(ctx context.Context, code string) (model.Machine, error) {
	var m model.Machine
	err := s.db.WithContext(ctx).First(&m, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Machine{}, ErrMachineNotFound
	}
	if err != nil {
		return model.Machine{}, fmt.Errorf("failed to fetch machine %s: %w", code, err)
	}
	return m, nil
}

// ListMachines returns all machines with their sites preloaded.
func (s *gormStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	var machines []model.Machine
	if err := s.db.WithContext(ctx).Preload("Site").Order("code").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	return machines, nil
}

// TryLock atomically transitions a machine from idle to in-use for userID.
// The conditional UPDATE is the check-and-set; a concurrent second caller sees
// zero rows affected and gets a MachineLockedError naming the holder.
func (s *gormStore) TryLock(ctx context.Context, code, userID string) (model.Machine, error) {
	res := s.db.WithContext(ctx).Model(&model.Machine{}).
		Where("code = ? AND is_locked = ?", code, false).
		Updates(map[string]any{"is_locked": true, "current_holder": userID})
	if res.Error != nil {
		return model.Machine{}, fmt.Errorf("failed to lock machine %s: %w", code, res.Error)
	}

	if res.RowsAffected == 0 {
		m, err := s.GetMachine(ctx, code)
		if err != nil {
			return model.Machine{}, err
		}
		heldBy := ""
		if m.CurrentHolder != nil {
			heldBy = *m.CurrentHolder
		}
		return model.Machine{}, &MachineLockedError{HeldBy: heldBy}
	}

	return s.GetMachine(ctx, code)
}

// Unlock releases a machine. Unlocking an already-unlocked machine is a no-op;
// recovery paths call this defensively.
func (s *gormStore) Unlock(ctx context.Context, code string) error {
	res := s.db.WithContext(ctx).Model(&model.Machine{}).
		Where("code = ?", code).
		Updates(map[string]any{"is_locked": false, "current_holder": nil})
	if res.Error != nil {
		return fmt.Errorf("failed to unlock machine %s: %w", code, res.Error)
	}
	return nil
}

// MarkOnline updates presence and last-seen, returning the updated machine and
// the previous online flag so the caller can detect an offline-to-online edge.
func (s *gormStore) MarkOnline(ctx context.Context, code string, online bool, at time.Time) (model.Machine, bool, error) {
	m, err := s.GetMachine(ctx, code)
	if err != nil {
		return model.Machine{}, false, err
	}
	wasOnline := m.Online

	res := s.db.WithContext(ctx).Model(&model.Machine{}).
		Where("code = ?", code).
		Updates(map[string]any{"online": online, "last_seen_at": at})
	if res.Error != nil {
		return model.Machine{}, false, fmt.Errorf("failed to update presence for %s: %w", code, res.Error)
	}

	m.Online = online
	m.LastSeenAt = at
	return m, wasOnline, nil
}
