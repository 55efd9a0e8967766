package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gymflow/occupancy/internal/model"
)

// Claims identify a member or a kiosk operator. GymID pins an operator session to one gym.
type Claims struct {
	UserID string     `json:"user_id"`
	Role   model.Role `json:"role"`
	GymID  *string    `json:"gym_id,omitempty"`
	jwt.RegisteredClaims
}

// Staff reports whether the holder may operate kiosks and read gym data.
func (c *Claims) Staff() bool {
	return c.Role == model.RoleGymStaff || c.Role == model.RoleAdmin
}

func (c *Claims) Admin() bool {
	return c.Role == model.RoleAdmin
}

// CanOperate reports whether the holder may act on gymID. Admins act anywhere; staff
// pinned to a gym only there.
func (c *Claims) CanOperate(gymID string) bool {
	if c.Admin() {
		return true
	}
	if c.Role != model.RoleGymStaff {
		return false
	}
	return c.GymID == nil || *c.GymID == gymID
}

func NewAccessToken(secret, issuer string, ttl time.Duration, claims Claims) (string, error) {
	now := time.Now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken verifies an HS256 token. An empty issuer skips the issuer check.
func ParseToken(secret, issuer, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
