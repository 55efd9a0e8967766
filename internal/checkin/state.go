package checkin

import (
	"context"
	"errors"

	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/model"
)

// State is where a user stands relative to one gym: Outside or Inside.
type State interface {
	state()
}

type Outside struct{}

// Inside holds the single active check-in of the user at the gym.
type Inside struct {
	CheckIn model.CheckIn
}

func (Outside) state() {}
func (Inside) state()  {}

// StateOf folds the user's check-in log at gymID into its current state.
func StateOf(ctx context.Context, q db.Queries, gymID, userID string) (State, error) {
	active, err := q.GetActiveCheckIn(ctx, gymID, userID)
	if errors.Is(err, db.ErrNotFound) {
		return Outside{}, nil
	}
	if err != nil {
		return nil, db.DomainError(err, "check-in not found")
	}
	return Inside{CheckIn: active}, nil
}
