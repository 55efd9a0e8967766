// Package access resolves scan credentials to users and decides gym entitlement.
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"gymflow/occupancy/internal/db"
	"gymflow/occupancy/internal/model"
)

const DefaultMembershipDuration = 30 * 24 * time.Hour

// Credential identifies a user. The first non-empty field wins, in field order.
type Credential struct {
	UserID string `json:"userId,omitempty"`
	RUT    string `json:"rut,omitempty"`
	QRCode string `json:"qrCode,omitempty"`
}

func (c Credential) Empty() bool {
	return strings.TrimSpace(c.UserID) == "" && strings.TrimSpace(c.RUT) == "" && strings.TrimSpace(c.QRCode) == ""
}

type Decision struct {
	User    model.User `json:"user"`
	Granted bool       `json:"granted"`
}

type Service struct {
	store              db.Store
	now                func() time.Time
	membershipDuration time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMembershipDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.membershipDuration = d
		}
	}
}

func NewService(store db.Store, opts ...Option) *Service {
	s := &Service{
		store:              store,
		now:                time.Now,
		membershipDuration: DefaultMembershipDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identify looks the user up without any entitlement check.
func (s *Service) Identify(ctx context.Context, q db.Queries, cred Credential) (model.User, error) {
	var (
		user model.User
		err  error
	)
	switch {
	case strings.TrimSpace(cred.UserID) != "":
		user, err = q.GetUser(ctx, strings.TrimSpace(cred.UserID))
	case strings.TrimSpace(cred.RUT) != "":
		user, err = q.GetUserByRUT(ctx, NormalizeRUT(cred.RUT))
	case strings.TrimSpace(cred.QRCode) != "":
		user, err = q.GetUserByQRCode(ctx, strings.TrimSpace(cred.QRCode))
	default:
		return model.User{}, model.NewError(model.CodeInvalidArgument, "a user id, rut or qr code is required")
	}
	if err != nil {
		return model.User{}, db.DomainError(err, "user not found")
	}
	return user, nil
}

// Resolve identifies the user and checks entitlement for gymID. It only reads.
func (s *Service) Resolve(ctx context.Context, q db.Queries, gymID string, cred Credential) (model.User, error) {
	user, err := s.Identify(ctx, q, cred)
	if err != nil {
		return model.User{}, err
	}
	if user.Role.Universal() {
		return user, nil
	}
	membership, err := q.GetMembershipByUser(ctx, user.ID)
	if errors.Is(err, db.ErrNotFound) {
		return model.User{}, model.NewError(model.CodeForbidden, "no active membership")
	}
	if err != nil {
		return model.User{}, db.DomainError(err, "membership not found")
	}
	now := s.now()
	if membership.Status != model.MembershipActive || now.Before(membership.StartDate) || now.After(membership.EndDate) {
		return model.User{}, model.NewError(model.CodeForbidden, "no active membership")
	}
	if !membership.Grants(gymID, now) {
		return model.User{}, model.NewError(model.CodeForbidden, "membership does not include this gym")
	}
	return user, nil
}

func (s *Service) ResolveAccess(ctx context.Context, gymID string, cred Credential) (Decision, error) {
	user, err := s.Resolve(ctx, s.store, gymID, cred)
	if err != nil {
		return Decision{}, err
	}
	return Decision{User: user, Granted: true}, nil
}

// Enroll creates the user's membership at gymID. A chained gym grants every gym active
// in the chain right now; gyms joining the chain later are not included.
func (s *Service) Enroll(ctx context.Context, userID, gymID string) (model.Membership, error) {
	var membership model.Membership
	err := s.store.WithTx(ctx, func(q db.Queries) error {
		if _, err := q.GetUser(ctx, userID); err != nil {
			return db.DomainError(err, "user not found")
		}
		gym, err := q.GetGym(ctx, gymID)
		if err != nil {
			return db.DomainError(err, "gym not found")
		}
		if _, err := q.GetMembershipByUser(ctx, userID); err == nil {
			return model.NewError(model.CodeConflict, "user already has a membership")
		} else if !errors.Is(err, db.ErrNotFound) {
			return db.DomainError(err, "membership not found")
		}

		granted := []string{gym.ID}
		if gym.Chain != nil && strings.TrimSpace(*gym.Chain) != "" {
			chainGyms, err := q.ListGymsByChain(ctx, *gym.Chain)
			if err != nil {
				return db.DomainError(err, "gym not found")
			}
			for _, chainGym := range chainGyms {
				if chainGym.ID != gym.ID {
					granted = append(granted, chainGym.ID)
				}
			}
		}

		now := s.now().UTC()
		membership = model.Membership{
			ID:        uuid.NewString(),
			UserID:    userID,
			Type:      model.MembershipTypeFor(gym),
			Status:    model.MembershipActive,
			StartDate: now,
			EndDate:   now.Add(s.membershipDuration),
			GymIDs:    granted,
			CreatedAt: now,
		}
		if err := q.CreateMembership(ctx, membership); err != nil {
			if errors.Is(err, db.ErrConflict) {
				return model.WrapError(model.CodeConflict, "user already has a membership", err)
			}
			return db.DomainError(err, "membership not found")
		}
		return nil
	})
	if err != nil {
		return model.Membership{}, err
	}
	return membership, nil
}
