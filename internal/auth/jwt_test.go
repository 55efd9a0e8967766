package auth

import (
	"testing"
	"time"

	"gymflow/occupancy/internal/model"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	gymID := "gym-1"
	token, err := NewAccessToken("secret", "issuer", time.Minute, Claims{
		UserID: "user-1",
		Role:   model.RoleGymStaff,
		GymID:  &gymID,
	})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	claims, err := ParseToken("secret", "issuer", token)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != model.RoleGymStaff || claims.GymID == nil || *claims.GymID != gymID {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.Staff() || claims.Admin() {
		t.Fatalf("unexpected role flags")
	}
	if !claims.CanOperate("gym-1") || claims.CanOperate("gym-2") {
		t.Fatalf("expected operator pinned to gym-1")
	}
}

func TestParseTokenRejectsWrongIssuerAndSecret(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", time.Minute, Claims{UserID: "user-1", Role: model.RoleUser})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("secret", "someone-else", token); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
	if _, err := ParseToken("other", "issuer", token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := NewAccessToken("secret", "issuer", -time.Minute, Claims{UserID: "user-1", Role: model.RoleAdmin})
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if _, err := ParseToken("secret", "issuer", token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestAdminOperatesAnywhere(t *testing.T) {
	claims := &Claims{Role: model.RoleAdmin}
	if !claims.CanOperate("any") {
		t.Fatalf("expected admin to operate any gym")
	}
	member := &Claims{Role: model.RoleUser}
	if member.Staff() || member.CanOperate("any") {
		t.Fatalf("expected member to be denied")
	}
}
