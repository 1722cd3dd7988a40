package storage

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Fixture is the YAML document layout shared by FileSource and the seed command
type Fixture struct {
	Users []FixtureUser `yaml:"users"`
}

// FixtureUser is one user entry of a Fixture
type FixtureUser struct {
	ID           int64             `yaml:"id"`
	Username     string            `yaml:"username"`
	Email        string            `yaml:"email,omitempty"`
	PasswordHash string            `yaml:"password_hash,omitempty"`
	Attributes   map[string]string `yaml:"attributes,omitempty"`
	Packages     []string          `yaml:"packages,omitempty"`
	Overrides    map[string]bool   `yaml:"overrides,omitempty"`
}

// User converts the entry to a User record
func (u *FixtureUser) User() *User {
	return CloneUser(&User{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Attributes:   u.Attributes,
	})
}

// LoadFixture reads a fixture file. A missing file yields an empty fixture.
func LoadFixture(fs afero.Fs, path string) (*Fixture, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		exists, statErr := afero.Exists(fs, path)
		if statErr == nil && !exists {
			return &Fixture{}, nil
		}
		return nil, fmt.Errorf("reading fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	return &f, nil
}

// Seed loads every user of the fixture into the backend, then assigns its
// packages and overrides through the Delegate operations.
func Seed(ctx context.Context, backend Backend, instance string, f *Fixture) error {
	for i := range f.Users {
		entry := &f.Users[i]
		if err := backend.AddUser(ctx, instance, entry.User()); err != nil {
			return fmt.Errorf("seeding user %q: %w", entry.Username, err)
		}

		rep, err := backend.FetchUserRepresentation(ctx, instance, entry.ID)
		if err != nil {
			return fmt.Errorf("fetching seeded user %q: %w", entry.Username, err)
		}
		for _, name := range entry.Packages {
			if err := backend.AddPackageToUser(ctx, instance, rep, PackageName(name)); err != nil {
				return fmt.Errorf("assigning package %q to %q: %w", name, entry.Username, err)
			}
		}
		for perm, value := range entry.Overrides {
			if _, err := backend.OverridePermissionForUser(ctx, instance, rep, perm, value); err != nil {
				return fmt.Errorf("overriding %q for %q: %w", perm, entry.Username, err)
			}
		}
	}
	return nil
}
