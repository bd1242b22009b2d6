package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"keysync/internal/models"
)

const keyRecordColumns = `id, user_id, app_id, key_id, tier, permissions, active, created_at, updated_at`

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// KeyRecordRepository is the Postgres KeyStore
type KeyRecordRepository struct {
	db *DB
}

// NewKeyRecordRepository creates a new key record repository
func NewKeyRecordRepository(db *DB) *KeyRecordRepository {
	return &KeyRecordRepository{db: db}
}

var _ KeyStore = (*KeyRecordRepository)(nil)

// Find retrieves the record for a user and app
func (r *KeyRecordRepository) Find(ctx context.Context, userID int64, appID string) (*models.KeyRecord, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var record models.KeyRecord
	query := `SELECT ` + keyRecordColumns + ` FROM api_keys WHERE user_id = $1 AND app_id = $2`

	err := r.db.conn.GetContext(ctx, &record, query, userID, appID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find key record: %w", err)
	}

	return &record, nil
}

// Insert creates a new key record and fills in its id and timestamps
func (r *KeyRecordRepository) Insert(ctx context.Context, record *models.KeyRecord) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO api_keys (user_id, app_id, key_id, tier, permissions, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.conn.QueryRowContext(
		ctx, query,
		record.UserID, record.AppID, record.KeyID, record.TierName, record.Permissions, record.Active,
	).Scan(&record.ID, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return translateInsertError(err)
	}

	return nil
}

// Update applies a partial update to the record with keyID
func (r *KeyRecordRepository) Update(ctx context.Context, keyID string, update models.KeyUpdate) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var tier, perms sql.NullString
	var active sql.NullBool
	if update.TierName != nil {
		tier = sql.NullString{String: *update.TierName, Valid: true}
	}
	if update.Permissions != nil {
		s, err := update.Permissions.Canonical()
		if err != nil {
			return err
		}
		perms = sql.NullString{String: s, Valid: true}
	}
	if update.Active != nil {
		active = sql.NullBool{Bool: *update.Active, Valid: true}
	}

	query := `
		UPDATE api_keys
		SET tier = COALESCE($2, tier),
		    permissions = COALESCE($3, permissions),
		    active = COALESCE($4, active),
		    updated_at = NOW()
		WHERE key_id = $1
	`

	result, err := r.db.conn.ExecContext(ctx, query, keyID, tier, perms, active)
	if err != nil {
		return fmt.Errorf("failed to update key record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListActiveForUser retrieves a user's active records
func (r *KeyRecordRepository) ListActiveForUser(ctx context.Context, userID int64) ([]*models.KeyRecord, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + keyRecordColumns + ` FROM api_keys WHERE user_id = $1 AND active = TRUE ORDER BY id`

	records := []*models.KeyRecord{}
	if err := r.db.conn.SelectContext(ctx, &records, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}

	return records, nil
}

// ListActive retrieves all active records
func (r *KeyRecordRepository) ListActive(ctx context.Context) ([]*models.KeyRecord, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + keyRecordColumns + ` FROM api_keys WHERE active = TRUE ORDER BY id`

	records := []*models.KeyRecord{}
	if err := r.db.conn.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to list key records: %w", err)
	}

	return records, nil
}

// translateInsertError maps unique violations onto the store's sentinel errors
func translateInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		switch pqErr.Constraint {
		case constraintKeyID:
			return fmt.Errorf("%w: %s", ErrDuplicateKeyID, pqErr.Detail)
		case constraintUserApp:
			return fmt.Errorf("%w: %s", ErrDuplicateUserApp, pqErr.Detail)
		}
	}
	return fmt.Errorf("failed to insert key record: %w", err)
}
