package models

// KeyIssued carries a freshly created secret to the user notification path.
// APIKey is never persisted locally.
type KeyIssued struct {
	UserID    int64  `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
	AppID     string `json:"app_id"`
	KeyID     string `json:"key_id"`
	APIKey    string `json:"api_key"`
}
