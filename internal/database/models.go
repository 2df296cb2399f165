package database

import "time"

// SessionRecord is one row of session history. Rows are written when a
// session opens and completed when it closes.
type SessionRecord struct {
	ID          uint       `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID   string     `gorm:"uniqueIndex;not null" json:"session_id"`
	Target      string     `gorm:"index;not null" json:"target"`
	Container   string     `gorm:"not null;default:''" json:"container"`
	Transport   string     `gorm:"not null" json:"transport"`
	Cols        int        `gorm:"not null;default:0" json:"cols"`
	Rows        int        `gorm:"not null;default:0" json:"rows"`
	OpenedAt    time.Time  `gorm:"index;not null" json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `gorm:"default:''" json:"close_reason,omitempty"`
	BytesIn     int64      `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut    int64      `gorm:"not null;default:0" json:"bytes_out"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"-"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"-"`
}
