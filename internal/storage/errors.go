package storage

import "errors"

var (
	// ErrNotFound is returned when no key record matches the lookup
	ErrNotFound = errors.New("key record not found")

	// ErrDuplicateKeyID is returned when inserting a key_id that already exists
	ErrDuplicateKeyID = errors.New("duplicate key id")

	// ErrDuplicateUserApp is returned when the user already has a key for the app
	ErrDuplicateUserApp = errors.New("duplicate key record for user and app")
)
