package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"keysync/internal/models"
	"keysync/internal/permissions"
	"keysync/internal/queue"
	"keysync/internal/reconcile"
	"keysync/internal/utils"
)

const (
	maxEventBodySize = 64 << 10
	eventTimeout     = 2 * time.Minute
	healthTimeout    = 2 * time.Second
)

// TierChangeRequest is the webhook body sent on every membership change
type TierChangeRequest struct {
	LevelID   *int64 `json:"level_id"`
	UserID    *int64 `json:"user_id"`
	UserEmail string `json:"user_email,omitempty"`
}

// UserKeyResponse is one row of a user's key listing
type UserKeyResponse struct {
	AppID string `json:"app_id"`
	Tier  string `json:"tier"`
	KeyID string `json:"key_id"`
}

// UserKeysResponse lists a user's active keys
type UserKeysResponse struct {
	UserID int64             `json:"user_id"`
	Keys   []UserKeyResponse `json:"keys"`
}

// AdminKeyResponse is one row of the admin key listing
type AdminKeyResponse struct {
	UserID      int64                 `json:"user_id"`
	AppID       string                `json:"app_id"`
	Tier        string                `json:"tier"`
	KeyID       string                `json:"key_id"`
	Permissions models.PermissionSpec `json:"permissions"`
	Active      bool                  `json:"active"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// AdminKeysResponse lists every active key
type AdminKeysResponse struct {
	Keys []AdminKeyResponse `json:"keys"`
}

// AdminTierResponse describes one configured tier of an app
type AdminTierResponse struct {
	TierID      int64                  `json:"tier_id"`
	Name        string                 `json:"name"`
	Complete    bool                   `json:"complete"`
	Permissions *models.PermissionSpec `json:"permissions"`
}

// AdminAppResponse describes one configured app and its active key count
type AdminAppResponse struct {
	AppID      string              `json:"app_id"`
	URL        string              `json:"url"`
	Tiers      []AdminTierResponse `json:"tiers"`
	ActiveKeys int                 `json:"active_keys"`
}

// AdminAppsResponse lists the configured apps
type AdminAppsResponse struct {
	Apps []AdminAppResponse `json:"apps"`
}

// DeadLetterResponse is a notification that could not be delivered.
// The payload is omitted because it holds the secret.
type DeadLetterResponse struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id,omitempty"`
	AppID     string    `json:"app_id,omitempty"`
	KeyID     string    `json:"key_id,omitempty"`
	Error     string    `json:"error"`
	Retries   int       `json:"retries"`
	Timestamp time.Time `json:"timestamp"`
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if d.DB != nil {
		if err := d.DB.Health(ctx); err != nil {
			status["database"] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			status["redis"] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			status["redis"] = "ok"
		}
	}

	_ = utils.RespondWithJSON(w, code, status)
}

func (d *Dependencies) handleTierChange(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodySize+1))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > maxEventBodySize {
		utils.RespondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var req TierChangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.LevelID == nil || req.UserID == nil {
		utils.RespondWithError(w, http.StatusBadRequest, "level_id and user_id are required")
		return
	}
	if *req.LevelID < 0 || *req.UserID < 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "level_id and user_id must not be negative")
		return
	}

	// A caller hanging up must not interrupt a key between remote create and insert
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), eventTimeout)
	defer cancel()

	report := d.Engine.HandleTierChange(ctx, reconcile.TierChangeEvent{
		LevelID:   *req.LevelID,
		UserID:    *req.UserID,
		UserEmail: req.UserEmail,
	})

	_ = utils.RespondWithJSON(w, http.StatusOK, report)
}

func (d *Dependencies) handleUserKeys(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	records, err := d.Store.ListActiveForUser(r.Context(), userID)
	if err != nil {
		d.Logger.Error("Failed to list user keys", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	resp := UserKeysResponse{UserID: userID, Keys: make([]UserKeyResponse, 0, len(records))}
	for _, rec := range records {
		resp.Keys = append(resp.Keys, UserKeyResponse{AppID: rec.AppID, Tier: rec.TierName, KeyID: rec.KeyID})
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleAdminKeys(w http.ResponseWriter, r *http.Request) {
	records, err := d.Store.ListActive(r.Context())
	if err != nil {
		d.Logger.Error("Failed to list keys", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	resp := AdminKeysResponse{Keys: make([]AdminKeyResponse, 0, len(records))}
	for _, rec := range records {
		resp.Keys = append(resp.Keys, AdminKeyResponse{
			UserID:      rec.UserID,
			AppID:       rec.AppID,
			Tier:        rec.TierName,
			KeyID:       rec.KeyID,
			Permissions: rec.Permissions,
			Active:      rec.Active,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleAdminApps(w http.ResponseWriter, r *http.Request) {
	records, err := d.Store.ListActive(r.Context())
	if err != nil {
		d.Logger.Error("Failed to list keys", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	activeByApp := make(map[string]int)
	for _, rec := range records {
		activeByApp[rec.AppID]++
	}

	apps := d.Catalog.Apps()
	resp := AdminAppsResponse{Apps: make([]AdminAppResponse, 0, len(apps))}
	for _, app := range apps {
		entry := AdminAppResponse{
			AppID:      app.ID,
			URL:        app.BaseURL,
			Tiers:      make([]AdminTierResponse, 0, len(app.Tiers)),
			ActiveKeys: activeByApp[app.ID],
		}
		for _, tier := range sortedTiers(app) {
			t := AdminTierResponse{
				TierID:   tier.ID,
				Name:     tier.DisplayName(),
				Complete: app.BaseURL != "" && tier.Permissions != nil,
			}
			if tier.Permissions != nil {
				spec := permissions.Compile(tier.Permissions)
				t.Permissions = &spec
			}
			entry.Tiers = append(entry.Tiers, t)
		}
		resp.Apps = append(resp.Apps, entry)
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if d.Notifier == nil {
		utils.RespondWithError(w, http.StatusNotFound, "Notifications are not configured")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	items, err := d.Notifier.DeadLetterItems(r.Context(), limit)
	if err != nil {
		d.Logger.Error("Failed to list dead letters", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}

	resp := make([]DeadLetterResponse, 0, len(items))
	for _, item := range items {
		entry := DeadLetterResponse{
			ID:        item.ID,
			Error:     item.Error,
			Retries:   item.Retries,
			Timestamp: item.Timestamp,
		}
		var issued models.KeyIssued
		if json.Unmarshal(item.Payload, &issued) == nil {
			entry.UserID, entry.AppID, entry.KeyID = issued.UserID, issued.AppID, issued.KeyID
		}
		resp = append(resp, entry)
	}

	_ = utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"dead_letters": resp})
}

func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if d.Notifier == nil {
		utils.RespondWithError(w, http.StatusNotFound, "Notifications are not configured")
		return
	}

	id := r.PathValue("id")
	if err := d.Notifier.RetryDeadLetterItem(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Dead letter not found")
			return
		}
		if errors.Is(err, queue.ErrQueueFull) {
			utils.RespondWithError(w, http.StatusServiceUnavailable, "Notification queue is full")
			return
		}
		d.Logger.Error("Failed to retry dead letter", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to retry dead letter")
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func sortedTiers(app models.AppConfig) []models.TierConfig {
	tiers := make([]models.TierConfig, 0, len(app.Tiers))
	for _, t := range app.Tiers {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ID < tiers[j].ID })
	return tiers
}
