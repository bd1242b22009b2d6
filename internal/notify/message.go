// Package notify delivers newly issued API keys to their owners by email.
//
// The reconciler enqueues a KeyIssued record; a Worker resolves the user's
// address, renders the message and hands it to a Mailer, retrying with
// exponential backoff and parking undeliverable items in a dead letter queue.
// Delivery failures never affect the key itself, which already exists.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"keysync/internal/models"
)

var (
	// ErrNoRecipient is returned when no email address is known for a user
	ErrNoRecipient = errors.New("no email address for user")

	// ErrMissingSecret is returned for a notification without an API key
	ErrMissingSecret = errors.New("notification has no api key")
)

// Message is a rendered email
type Message struct {
	To      string
	Subject string
	Body    string
}

// Render builds the key delivery email for issued, addressed to to.
func Render(to string, issued models.KeyIssued) (Message, error) {
	if strings.TrimSpace(to) == "" {
		return Message{}, ErrNoRecipient
	}
	if issued.APIKey == "" {
		return Message{}, ErrMissingSecret
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("Your %s API Key", issued.AppID),
		Body:    fmt.Sprintf("Key: %s", issued.APIKey),
	}, nil
}

// UserDirectory resolves a user's email address
type UserDirectory interface {
	EmailFor(ctx context.Context, userID int64) (string, error)
}

// StaticDirectory is a fixed user id to address map
type StaticDirectory struct {
	mu     sync.RWMutex
	emails map[int64]string
}

// NewStaticDirectory creates a directory from emails
func NewStaticDirectory(emails map[int64]string) *StaticDirectory {
	d := &StaticDirectory{emails: make(map[int64]string, len(emails))}
	for id, email := range emails {
		d.emails[id] = email
	}
	return d
}

// Set records the address of a user
func (d *StaticDirectory) Set(userID int64, email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emails[userID] = email
}

func (d *StaticDirectory) EmailFor(ctx context.Context, userID int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	email, ok := d.emails[userID]
	if !ok || email == "" {
		return "", fmt.Errorf("user %d: %w", userID, ErrNoRecipient)
	}
	return email, nil
}

// resolveRecipient prefers the address carried on the event
func resolveRecipient(ctx context.Context, dir UserDirectory, issued models.KeyIssued) (string, error) {
	if issued.UserEmail != "" {
		return issued.UserEmail, nil
	}
	if dir == nil {
		return "", fmt.Errorf("user %d: %w", issued.UserID, ErrNoRecipient)
	}
	return dir.EmailFor(ctx, issued.UserID)
}
