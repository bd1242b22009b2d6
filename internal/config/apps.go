package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"keysync/internal/models"
	"keysync/internal/permissions"
)

// Column widths of the api_keys table
const (
	maxAppIDLength    = 50
	maxTierNameLength = 50
)

// appsFile is the on-disk layout of the app catalog:
//
//	apps:
//	  blog:
//	    url: https://blog-api.example.com
//	    tiers:
//	      5:
//	        name: Gold
//	        permissions:
//	          limits: {posts: {hour: 10, day: 50}}
//	          flags: {beta: true}
type appsFile struct {
	Apps map[string]appEntry `yaml:"apps"`
}

type appEntry struct {
	URL   string              `yaml:"url"`
	Tiers map[int64]tierEntry `yaml:"tiers"`
}

type tierEntry struct {
	Name        string                 `yaml:"name"`
	Permissions *models.RawPermissions `yaml:"permissions"`

	// PermissionsJSON accepts the document pasted into the membership level form
	PermissionsJSON string `yaml:"permissions_json"`
}

// Catalog is the validated set of configured apps.
type Catalog struct {
	apps []models.AppConfig // sorted by ID
}

// LoadCatalog reads and validates the app catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps config: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML app catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file appsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse apps config: %w", err)
	}

	apps := make([]models.AppConfig, 0, len(file.Apps))
	for id, entry := range file.Apps {
		app := models.AppConfig{
			ID:      id,
			BaseURL: strings.TrimSpace(entry.URL),
			Tiers:   make(map[int64]models.TierConfig, len(entry.Tiers)),
		}

		for tierID, t := range entry.Tiers {
			raw := t.Permissions
			if raw == nil && strings.TrimSpace(t.PermissionsJSON) != "" {
				var doc map[string]any
				if err := json.Unmarshal([]byte(t.PermissionsJSON), &doc); err != nil {
					return nil, fmt.Errorf("app %q tier %d: invalid permissions_json: %w", id, tierID, err)
				}
				raw = permissions.FromMap(doc)
			}
			app.Tiers[tierID] = models.TierConfig{ID: tierID, Name: strings.TrimSpace(t.Name), Permissions: raw}
		}

		apps = append(apps, app)
	}

	return NewCatalog(apps...)
}

// NewCatalog validates apps and builds a catalog from them.
//
// An app without a URL or a tier without permissions is accepted: it stays
// visible in listings and the engine skips it as incomplete. A URL that is
// present but unusable is rejected.
func NewCatalog(apps ...models.AppConfig) (*Catalog, error) {
	seen := make(map[string]bool, len(apps))
	out := make([]models.AppConfig, 0, len(apps))

	for _, app := range apps {
		if err := validateApp(app); err != nil {
			return nil, err
		}
		if seen[app.ID] {
			return nil, fmt.Errorf("duplicate app id %q", app.ID)
		}
		seen[app.ID] = true
		out = append(out, app)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &Catalog{apps: out}, nil
}

func validateApp(app models.AppConfig) error {
	if strings.TrimSpace(app.ID) == "" {
		return fmt.Errorf("app id must not be empty")
	}
	if len(app.ID) > maxAppIDLength {
		return fmt.Errorf("app id %q exceeds %d characters", app.ID, maxAppIDLength)
	}

	if app.BaseURL != "" {
		u, err := url.Parse(app.BaseURL)
		if err != nil {
			return fmt.Errorf("app %q: invalid url: %w", app.ID, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("app %q: url must be an absolute http(s) URL, got %q", app.ID, app.BaseURL)
		}
	}

	for id, tier := range app.Tiers {
		if id <= 0 {
			return fmt.Errorf("app %q: tier id must be positive, got %d", app.ID, id)
		}
		if tier.ID != id {
			return fmt.Errorf("app %q: tier %d registered under id %d", app.ID, tier.ID, id)
		}
		if len(tier.DisplayName()) > maxTierNameLength {
			return fmt.Errorf("app %q tier %d: name exceeds %d characters", app.ID, id, maxTierNameLength)
		}
	}

	return nil
}

// Apps returns every configured app sorted by ID.
func (c *Catalog) Apps() []models.AppConfig {
	out := make([]models.AppConfig, len(c.apps))
	copy(out, c.apps)
	return out
}

// AppsForTier returns the apps that bind tierID, sorted by ID.
func (c *Catalog) AppsForTier(tierID int64) []models.AppConfig {
	var out []models.AppConfig
	for _, app := range c.apps {
		if _, ok := app.Tiers[tierID]; ok {
			out = append(out, app)
		}
	}
	return out
}
