package refreshtoken

import (
	"time"
)

// RefreshToken is the persisted record behind an opaque refresh token value.
// Only the SHA-256 hash of the value is stored. Rotation and logout mark
// records revoked rather than deleting them so a just-rotated token can still
// be recognised; deletion happens later in cleanup. The store does not
// enforce one active record per user.
type RefreshToken struct {
	ID         uint       `json:"id" gorm:"primaryKey"`
	UserID     uint       `json:"user_id" gorm:"not null;index"`
	TokenHash  string     `json:"-" gorm:"uniqueIndex;size:255;not null"`
	ExpiresAt  time.Time  `json:"expires_at" gorm:"not null;index"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   time.Time  `json:"last_used"`
	Revoked    bool       `json:"revoked" gorm:"not null;default:false;index"`
	RevokedAt  *time.Time `json:"revoked_at"`
	DeviceInfo string     `json:"device_info" gorm:"size:500"`
}

func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// Usable reports whether the record is neither revoked nor past its expiry.
func (t *RefreshToken) Usable() bool {
	return !t.Revoked && time.Now().Before(t.ExpiresAt)
}

// IssuedToken pairs a freshly generated opaque value with its stored record.
// The plain value exists only here; it is never persisted.
type IssuedToken struct {
	Token     string
	TokenID   uint
	Hash      string
	ExpiresAt time.Time
}
