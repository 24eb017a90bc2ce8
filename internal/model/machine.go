package model

import "time"

// Machine represents a recycling machine and its coordination state.
// CurrentHolder != nil implies IsLocked; lock state is mutated only through
// the store's atomic lock operations.
type Machine struct {
	Code          string  `gorm:"primaryKey;size:64"` // Stable machine code, e.g. "RVM-A-01"
	SiteID        int64   `gorm:"index;not null"`
	DisplayName   string  `gorm:"size:256;not null"`
	IsLocked      bool    `gorm:"not null"`
	CurrentHolder *string `gorm:"size:64"`
	Online        bool    `gorm:"not null"`
	LastSeenAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Associations
	Site Site `gorm:"constraint:OnDelete:CASCADE"`
}
