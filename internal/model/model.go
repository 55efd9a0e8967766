package model

import (
	"math"
	"strings"
	"time"
)

type Role string

const (
	RoleUser     Role = "USER"
	RoleGymStaff Role = "GYM_STAFF"
	RoleAdmin    Role = "ADMIN"
)

// Universal reports whether the role enters any gym without a membership.
func (r Role) Universal() bool {
	return r == RoleAdmin || r == RoleGymStaff
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleGymStaff, RoleAdmin:
		return true
	default:
		return false
	}
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	RUT       *string   `json:"rut,omitempty"`
	QRCode    string    `json:"qrCode"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type Gym struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MaxCapacity int       `json:"maxCapacity"`
	IsActive    bool      `json:"isActive"`
	Chain       *string   `json:"chain,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "ACTIVE"
	MembershipSuspended MembershipStatus = "SUSPENDED"
	MembershipExpired   MembershipStatus = "EXPIRED"
	MembershipCancelled MembershipStatus = "CANCELLED"
)

const MembershipTypeBasic = "BASIC"

type Membership struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      string           `json:"type"`
	Status    MembershipStatus `json:"status"`
	StartDate time.Time        `json:"startDate"`
	EndDate   time.Time        `json:"endDate"`
	GymIDs    []string         `json:"gymIds"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Grants reports whether the membership is usable at gymID at the given instant.
func (m Membership) Grants(gymID string, at time.Time) bool {
	if m.Status != MembershipActive {
		return false
	}
	if at.Before(m.StartDate) || at.After(m.EndDate) {
		return false
	}
	for _, id := range m.GymIDs {
		if id == gymID {
			return true
		}
	}
	return false
}

// MembershipTypeFor derives the membership type from the enrolling gym's chain.
func MembershipTypeFor(gym Gym) string {
	if gym.Chain != nil && strings.TrimSpace(*gym.Chain) != "" {
		return strings.ToUpper(strings.TrimSpace(*gym.Chain))
	}
	return MembershipTypeBasic
}

type CheckIn struct {
	ID              string     `json:"id"`
	GymID           string     `json:"gymId"`
	UserID          *string    `json:"userId,omitempty"`
	CheckedIn       time.Time  `json:"checkedIn"`
	CheckedOut      *time.Time `json:"checkedOut,omitempty"`
	EventID         *string    `json:"eventId,omitempty"`
	CheckoutEventID *string    `json:"checkoutEventId,omitempty"`
}

func (c CheckIn) Active() bool {
	return c.CheckedOut == nil
}

// Duration returns how long the session lasted, or has lasted so far when still active.
func (c CheckIn) Duration(now time.Time) time.Duration {
	end := now
	if c.CheckedOut != nil {
		end = *c.CheckedOut
	}
	if end.Before(c.CheckedIn) {
		return 0
	}
	return end.Sub(c.CheckedIn)
}

type Capacity struct {
	GymID      string `json:"gymId"`
	GymName    string `json:"gymName"`
	Current    int    `json:"current"`
	Max        int    `json:"max"`
	Available  int    `json:"available"`
	Percentage int    `json:"percentage"`
}

func NewCapacity(gym Gym, current int) Capacity {
	available := gym.MaxCapacity - current
	if available < 0 {
		available = 0
	}
	return Capacity{
		GymID:      gym.ID,
		GymName:    gym.Name,
		Current:    current,
		Max:        gym.MaxCapacity,
		Available:  available,
		Percentage: Percentage(current, gym.MaxCapacity),
	}
}

// Percentage is round(current/max*100), 0 when max is not positive.
func Percentage(current, max int) int {
	if max <= 0 {
		return 0
	}
	return int(math.Round(float64(current) / float64(max) * 100))
}

func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
