package model

import "time"

// Site represents a physical location where machines are deployed.
type Site struct {
	ID        int64     `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:128;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	// Associations
	Machines []Machine `gorm:"foreignKey:SiteID"`
}
