package client

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-expenses/internal/errors"
	"github.com/pesio-ai/be-expenses/internal/repository"
)

// DirectoryFile is the YAML layout of an org directory seed:
//
//	users:
//	  - id: alice
//	    manager: bob
//	    org_unit: sales
//	  - id: fin-1
//	    roles: [FINANCE_MANAGER]
type DirectoryFile struct {
	Users []repository.OrgUser `yaml:"users"`
}

// LoadDirectoryFile reads and validates a directory seed file.
func LoadDirectoryFile(path string) ([]repository.OrgUser, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var f DirectoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Users))
	for _, u := range f.Users {
		if u.UserID == "" {
			return nil, fmt.Errorf("directory file %s: user without id", path)
		}
		if seen[u.UserID] {
			return nil, fmt.Errorf("directory file %s: duplicate user %q", path, u.UserID)
		}
		seen[u.UserID] = true
	}
	return f.Users, nil
}

// StaticDirectory implements service.DirectoryClientInterface over an
// in-memory org chart. It serves the mongo and memory drivers; postgres
// deployments use repository.DirectoryRepository instead.
type StaticDirectory struct {
	users map[string]repository.OrgUser
	roles map[string][]string
}

// NewStaticDirectory indexes users by ID and by role.
func NewStaticDirectory(users []repository.OrgUser) *StaticDirectory {
	d := &StaticDirectory{
		users: make(map[string]repository.OrgUser, len(users)),
		roles: make(map[string][]string),
	}
	for _, u := range users {
		d.users[u.UserID] = u
		for _, role := range u.Roles {
			d.roles[role] = append(d.roles[role], u.UserID)
		}
	}
	for role := range d.roles {
		sort.Strings(d.roles[role])
	}
	return d
}

// ManagerChainOf walks manager links upward, stopping at the first user
// already seen.
func (d *StaticDirectory) ManagerChainOf(_ context.Context, userID string) ([]string, error) {
	u, ok := d.users[userID]
	if !ok {
		return nil, errors.NotFound("user", userID)
	}
	seen := map[string]bool{userID: true}
	var chain []string
	for u.ManagerID != nil && !seen[*u.ManagerID] {
		mgr := *u.ManagerID
		seen[mgr] = true
		chain = append(chain, mgr)
		if u, ok = d.users[mgr]; !ok {
			break
		}
	}
	return chain, nil
}

// OrgUnitOf returns "" for unknown users.
func (d *StaticDirectory) OrgUnitOf(_ context.Context, userID string) (string, error) {
	return d.users[userID].OrgUnit, nil
}

func (d *StaticDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return append([]string(nil), d.roles[role]...), nil
}
