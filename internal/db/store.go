// Package db defines the occupancy store contract shared by the Postgres and SQLite backends.
package db

import (
	"context"
	"errors"
	"time"

	"gymflow/occupancy/internal/model"
)

var (
	ErrNotFound         = errors.New("db: not found")
	ErrDuplicateSession = errors.New("db: active session already exists")
	ErrDuplicateEvent   = errors.New("db: event already recorded")
	ErrConflict         = errors.New("db: unique violation")
)

type CreateCheckInParams struct {
	ID        string
	GymID     string
	UserID    *string
	CheckedIn time.Time
	EventID   *string
}

type CloseCheckInParams struct {
	ID              string
	CheckedOut      time.Time
	CheckoutEventID *string
}

// Queries is the set of statements available both on the store and inside a transaction.
type Queries interface {
	GetGym(ctx context.Context, id string) (model.Gym, error)
	// LockGym reads the gym and serialises concurrent writers on it until the transaction ends.
	LockGym(ctx context.Context, id string) (model.Gym, error)
	ListGyms(ctx context.Context) ([]model.Gym, error)
	ListGymsByChain(ctx context.Context, chain string) ([]model.Gym, error)
	CreateGym(ctx context.Context, gym model.Gym) error

	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByRUT(ctx context.Context, rut string) (model.User, error)
	GetUserByQRCode(ctx context.Context, qrCode string) (model.User, error)
	CreateUser(ctx context.Context, user model.User) error

	GetMembershipByUser(ctx context.Context, userID string) (model.Membership, error)
	CreateMembership(ctx context.Context, membership model.Membership) error
	CountActiveMembershipsByType(ctx context.Context, gymID string, at time.Time) (map[string]int, error)

	GetCheckIn(ctx context.Context, id string) (model.CheckIn, error)
	// GetCheckInByEvent matches either the entry or the exit idempotency key.
	GetCheckInByEvent(ctx context.Context, eventID string) (model.CheckIn, error)
	GetActiveCheckIn(ctx context.Context, gymID, userID string) (model.CheckIn, error)
	CountActiveCheckIns(ctx context.Context, gymID string) (int, error)
	CreateCheckIn(ctx context.Context, params CreateCheckInParams) (model.CheckIn, error)
	// CloseCheckIn only updates an active row; ErrNotFound when none matched.
	CloseCheckIn(ctx context.Context, params CloseCheckInParams) (model.CheckIn, error)
	ListActiveCheckIns(ctx context.Context, gymID string) ([]model.CheckIn, error)
	ListActiveCheckInsByUser(ctx context.Context, userID string) ([]model.CheckIn, error)
	// ListCheckInsInRange returns sessions overlapping [from, to), oldest first.
	ListCheckInsInRange(ctx context.Context, gymID string, from, to time.Time) ([]model.CheckIn, error)
	ListStaleCheckIns(ctx context.Context, before time.Time) ([]model.CheckIn, error)
}

type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}
