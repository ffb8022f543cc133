// Package directory provides a file-backed user directory used for
// role-based assignment and reminder delivery.
package directory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/flowengine/model"
)

// usersFile is the on-disk shape of a directory file.
type usersFile struct {
	Users []model.User `yaml:"users"`
}

// Static is an immutable in-memory directory.
type Static struct {
	byID    map[string]model.User
	byEmail map[string]string
	ids     []string
}

// NewStatic indexes users. Duplicate ids or emails are rejected.
func NewStatic(users []model.User) (*Static, error) {
	d := &Static{
		byID:    make(map[string]model.User, len(users)),
		byEmail: make(map[string]string, len(users)),
	}
	for i, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("users[%d]: id is required", i)
		}
		if _, dup := d.byID[u.ID]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate id %q", i, u.ID)
		}
		d.byID[u.ID] = u
		d.ids = append(d.ids, u.ID)
		if u.Email != "" {
			key := strings.ToLower(u.Email)
			if _, dup := d.byEmail[key]; dup {
				return nil, fmt.Errorf("users[%d]: duplicate email %q", i, u.Email)
			}
			d.byEmail[key] = u.ID
		}
	}
	sort.Strings(d.ids)
	return d, nil
}

// LoadFile reads a YAML directory file. An empty path yields an empty
// directory.
func LoadFile(path string) (*Static, error) {
	if path == "" {
		return NewStatic(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	d, err := NewStatic(f.Users)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// FindByID implements model.Directory.
func (d *Static) FindByID(_ context.Context, id string) (*model.User, error) {
	u, ok := d.byID[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	return &u, nil
}

// FindByEmail implements model.Directory. Matching is case-insensitive.
func (d *Static) FindByEmail(_ context.Context, email string) (*model.User, error) {
	id, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("user with email %q not found", email))
	}
	u := d.byID[id]
	return &u, nil
}

// FindByRoles implements model.Directory. Users are returned in id order.
func (d *Static) FindByRoles(_ context.Context, roles []string) ([]model.User, error) {
	var out []model.User
	for _, id := range d.ids {
		u := d.byID[id]
		for _, role := range roles {
			if u.HasRole(role) {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}
