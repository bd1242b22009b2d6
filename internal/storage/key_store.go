package storage

import (
	"context"

	"keysync/internal/models"
)

// KeyStore persists the local mirror of remote API keys.
type KeyStore interface {
	// Find returns the record for (userID, appID) or ErrNotFound.
	Find(ctx context.Context, userID int64, appID string) (*models.KeyRecord, error)

	// Insert stores a new record. It fails with ErrDuplicateKeyID or
	// ErrDuplicateUserApp when either uniqueness constraint would be broken.
	Insert(ctx context.Context, record *models.KeyRecord) error

	// Update mutates tier, permissions and active on the record with keyID,
	// or returns ErrNotFound.
	Update(ctx context.Context, keyID string, update models.KeyUpdate) error

	// ListActiveForUser returns the user's active records in insertion order.
	ListActiveForUser(ctx context.Context, userID int64) ([]*models.KeyRecord, error)

	// ListActive returns every active record in insertion order.
	ListActive(ctx context.Context) ([]*models.KeyRecord, error)
}
