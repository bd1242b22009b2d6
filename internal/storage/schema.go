package storage

import (
	"context"
	"fmt"
)

// Constraint names are matched when translating unique violations.
const (
	constraintKeyID   = "api_keys_key_id_key"
	constraintUserApp = "api_keys_user_app_key"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS api_keys (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT       NOT NULL,
	app_id      VARCHAR(50)  NOT NULL,
	key_id      VARCHAR(36)  NOT NULL,
	tier        VARCHAR(50)  NOT NULL,
	permissions TEXT         NOT NULL,
	active      BOOLEAN      NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	CONSTRAINT ` + constraintKeyID + ` UNIQUE (key_id),
	CONSTRAINT ` + constraintUserApp + ` UNIQUE (user_id, app_id)
);

CREATE INDEX IF NOT EXISTS api_keys_active_user_idx ON api_keys (user_id) WHERE active;
`

// Migrate creates the api_keys table if it doesn't exist. Safe to run repeatedly.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
