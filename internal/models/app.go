package models

import "strconv"

// AppConfig is one external application that issues API keys.
type AppConfig struct {
	ID      string
	BaseURL string
	Tiers   map[int64]TierConfig
}

// TierConfig binds a membership tier to a permission set within an app.
type TierConfig struct {
	ID          int64
	Name        string
	Permissions *RawPermissions // nil when the tier has no permission spec configured
}

// DisplayName is the tier name sent to the remote service, falling back to the id.
func (t TierConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return strconv.FormatInt(t.ID, 10)
}

// Tier looks up the tier bound to this app.
func (a AppConfig) Tier(id int64) (TierConfig, bool) {
	t, ok := a.Tiers[id]
	return t, ok
}
