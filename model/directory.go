package model

import "context"

// User is a directory entry.
type User struct {
	ID    string   `yaml:"id"    json:"id"`
	Email string   `yaml:"email" json:"email"`
	Name  string   `yaml:"name"  json:"name,omitempty"`
	Roles []string `yaml:"roles" json:"roles,omitempty"`
}

// HasRole returns true if the user holds the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Directory resolves users for role-based assignment and reminders.
type Directory interface {
	// FindByID returns the user or a NOT_FOUND error.
	FindByID(ctx context.Context, id string) (*User, error)
	// FindByEmail returns the user or a NOT_FOUND error.
	FindByEmail(ctx context.Context, email string) (*User, error)
	// FindByRoles returns every user holding at least one of the roles.
	FindByRoles(ctx context.Context, roles []string) ([]User, error)
}
