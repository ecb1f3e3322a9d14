// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
)

// Repository defines the persistence contract for user records, credentials
// and interaction history.
type Repository interface {
	// GetUser retrieves a user by ID. Returns domain.ErrNotFound if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// MergeUpdate applies patch to the stored record in one read-modify-write
	// transaction, creating the record if it does not exist.
	MergeUpdate(ctx context.Context, userID string, patch domain.UserPatch) (*domain.User, error)

	// StoreCredential saves opaque credential material for a provider.
	// Storing the same provider twice overwrites the previous blob.
	StoreCredential(ctx context.Context, userID string, provider domain.Provider, blob []byte) error

	// HasCredential reports whether credential material exists for a provider.
	HasCredential(ctx context.Context, userID string, provider domain.Provider) (bool, error)

	// DeleteUser removes a user with its credentials and interactions.
	DeleteUser(ctx context.Context, userID string) error

	// LogInteraction records an inbound event.
	LogInteraction(ctx context.Context, interaction domain.Interaction) error

	// ListActiveUsers returns users with an interaction at or after since.
	ListActiveUsers(ctx context.Context, since time.Time) ([]*domain.User, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
