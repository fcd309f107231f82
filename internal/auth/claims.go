package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleSender may dispatch notices.
	RoleSender = "notices:send"
	// RoleAdmin may manage the notice type catalog, read statistics and act for any user.
	RoleAdmin = "notices:admin"
)

// ServiceClaims is the JWT payload accepted by the API.
type ServiceClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the token carries the role. Admins hold every role.
func (c ServiceClaims) HasRole(role string) bool {
	for _, granted := range c.Roles {
		granted = strings.TrimSpace(granted)
		if granted == role || granted == RoleAdmin {
			return true
		}
	}
	return false
}
