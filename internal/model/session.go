package model

import "time"

// Close reasons recorded on a finished session.
const (
	CloseReasonManual    = "manual"
	CloseReasonTimeout   = "timeout"
	CloseReasonRecovered = "recovered"
)

// Session is one accumulation period binding a user to a locked machine.
// While open (ClosedAt == nil) the item count only grows; once closed the
// record is an immutable audit entry.
type Session struct {
	ID           string     `gorm:"primaryKey;size:36"`
	MachineCode  string     `gorm:"index;size:64;not null"`
	UserID       string     `gorm:"index;size:64;not null"`
	ItemCount    int64      `gorm:"not null"`
	RewardPoints int64      `gorm:"not null"`
	OpenedAt     time.Time  `gorm:"not null"`
	ClosedAt     *time.Time `gorm:"index"`
	CloseReason  string     `gorm:"size:16"`
}

// Open reports whether the session is still accumulating.
func (s *Session) Open() bool {
	return s.ClosedAt == nil
}
