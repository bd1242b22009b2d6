package models

import "time"

// KeyRecord mirrors one remote API key. (UserID, AppID) is unique, and so is KeyID.
type KeyRecord struct {
	ID          int64          `db:"id"`
	UserID      int64          `db:"user_id"`
	AppID       string         `db:"app_id"`
	KeyID       string         `db:"key_id"`
	TierName    string         `db:"tier"`
	Permissions PermissionSpec `db:"permissions"`
	Active      bool           `db:"active"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Clone returns a deep copy so callers can't mutate stored state.
func (r *KeyRecord) Clone() *KeyRecord {
	c := *r
	c.Permissions = r.Permissions.Normalized()
	return &c
}

// KeyUpdate is a partial update. UserID, AppID and KeyID are immutable after insert.
type KeyUpdate struct {
	TierName    *string
	Permissions *PermissionSpec
	Active      *bool
}

// Apply writes the set fields onto r.
func (u KeyUpdate) Apply(r *KeyRecord) {
	if u.TierName != nil {
		r.TierName = *u.TierName
	}
	if u.Permissions != nil {
		r.Permissions = u.Permissions.Normalized()
	}
	if u.Active != nil {
		r.Active = *u.Active
	}
}
