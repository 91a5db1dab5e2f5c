package auth

import "strings"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Principal is the authenticated actor supplied by the identity provider.
type Principal struct {
	UserID    string `json:"user_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// IsAdmin reports whether the principal may act on behalf of other principals.
func (p Principal) IsAdmin() bool {
	return strings.EqualFold(strings.TrimSpace(p.Role), RoleAdmin)
}

// Name is the display name recorded next to lease holders.
func (p Principal) Name() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return p.UserID
	}
	return name
}

// Valid reports whether the principal carries an identity.
func (p Principal) Valid() bool {
	return strings.TrimSpace(p.UserID) != ""
}
