package auth

import (
	"context"
	"strings"
)

// Roles carried in the "role" custom claim of Firebase ID tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Identity is the authenticated storefront principal taken from a Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Name   string
	Phone  string
	Locale string
	Roles  []string
}

// HasRole reports whether the identity includes role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (i *Identity) IsAdmin() bool { return i.HasRole(RoleAdmin) }

// Actor is the label written into order history for changes made by this identity.
func (i *Identity) Actor() string {
	if i == nil {
		return ""
	}
	if i.IsAdmin() {
		return RoleAdmin + ":" + i.UID
	}
	return RoleUser + ":" + i.UID
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
