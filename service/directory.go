package service

import (
	"context"
	"fmt"

	"github.com/jsusurcia/pryGobierno-sub000/config"
	"github.com/jsusurcia/pryGobierno-sub000/model"
)

// Directory resolves users and their roles.
type Directory interface {
	ResolveUser(ctx context.Context, userID string) (model.UserProfile, error)
	ResolveRole(ctx context.Context, roleID string) (model.Role, error)
}

// ConfigDirectory serves users and roles declared in the configuration file.
type ConfigDirectory struct {
	users map[string]model.UserProfile
	roles map[string]model.Role
}

func NewConfigDirectory(cfg *config.Config) *ConfigDirectory {
	d := &ConfigDirectory{
		users: make(map[string]model.UserProfile, len(cfg.Users)),
		roles: make(map[string]model.Role, len(cfg.Roles)),
	}
	for _, r := range cfg.Roles {
		d.roles[r.ID] = model.Role{ID: r.ID, Label: r.Label, RequiresSeal: r.RequiresSeal}
	}
	for _, u := range cfg.Users {
		name := u.DisplayName
		if name == "" {
			name = u.Username
		}
		d.users[u.Username] = model.UserProfile{ID: u.Username, DisplayName: name, RoleID: u.Role}
	}
	return d
}

func (d *ConfigDirectory) ResolveUser(_ context.Context, userID string) (model.UserProfile, error) {
	u, ok := d.users[userID]
	if !ok {
		return model.UserProfile{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return u, nil
}

func (d *ConfigDirectory) ResolveRole(_ context.Context, roleID string) (model.Role, error) {
	r, ok := d.roles[roleID]
	if !ok {
		return model.Role{}, fmt.Errorf("role %q: %w", roleID, ErrNotFound)
	}
	return r, nil
}
