package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesServiceTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "herald",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.Issue("billing-service", []string{RoleSender})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &ServiceClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "billing-service" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "herald" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if !claims.HasRole(RoleSender) || claims.HasRole(RoleAdmin) {
		t.Fatalf("unexpected roles %#v", claims.Roles)
	}
}

func TestTokenIssuerRejectsMissingSecretAndIssuer(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "herald"}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " "}); err == nil {
		t.Fatalf("expected constructor error for missing issuer")
	}
}

func TestTokenIssuerRejectsEmptySubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "herald"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue("  ", nil); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestAdminRoleImpliesEveryRole(t *testing.T) {
	claims := ServiceClaims{Roles: []string{RoleAdmin}}
	if !claims.HasRole(RoleSender) {
		t.Fatalf("expected admin to hold the sender role")
	}
}
