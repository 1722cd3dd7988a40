package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/uriencedric/auth/pkg/logging"
)

// FileSource implements Backend with one YAML document per instance,
// stored as <rootDir>/<instance>.yaml on an afero filesystem.
type FileSource struct {
	fs      afero.Fs
	rootDir string

	// mu serializes every load-modify-save cycle
	mu sync.Mutex
}

// NewFileSource creates a new FileSource
func NewFileSource(fs afero.Fs, rootDir string) *FileSource {
	return &FileSource{
		fs:      fs,
		rootDir: rootDir,
	}
}

// getInstancePath returns the document path for an instance
func (s *FileSource) getInstancePath(instance string) (string, error) {
	if err := ValidateInstance(instance); err != nil {
		return "", err
	}
	if strings.ContainsAny(instance, `/\`) || instance == "." || instance == ".." {
		return "", invalid("instance name %q is not a valid file name", instance)
	}
	return filepath.Join(s.rootDir, instance+".yaml"), nil
}

func (s *FileSource) load(instance string) (*Fixture, string, error) {
	path, err := s.getInstancePath(instance)
	if err != nil {
		return nil, "", err
	}
	doc, err := LoadFixture(s.fs, path)
	if err != nil {
		logging.App.Debug("Error loading instance document", "instance", instance, "path", path, "error", err)
		return nil, "", err
	}
	return doc, path, nil
}

// save writes the document to a temporary file and renames it into place
func (s *FileSource) save(path string, doc *Fixture) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding instance document: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("writing instance document: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing instance document: %w", err)
	}
	return nil
}

func findUser(doc *Fixture, userID int64) *FixtureUser {
	for i := range doc.Users {
		if doc.Users[i].ID == userID {
			return &doc.Users[i]
		}
	}
	return nil
}

// update runs fn against the user's entry and saves the document when fn
// reports a change. fn receives nil for unknown users.
func (s *FileSource) update(instance string, userID int64, fn func(u *FixtureUser) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, path, err := s.load(instance)
	if err != nil {
		return err
	}
	if !fn(findUser(doc, userID)) {
		return nil
	}
	return s.save(path, doc)
}

// view runs fn against the user's entry without saving
func (s *FileSource) view(instance string, userID int64, fn func(u *FixtureUser)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.load(instance)
	if err != nil {
		return err
	}
	fn(findUser(doc, userID))
	return nil
}

// AddUser implements UserSeeder
func (s *FileSource) AddUser(ctx context.Context, instance string, user *User) error {
	if err := ValidateSeed(instance, user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, path, err := s.load(instance)
	if err != nil {
		return err
	}
	for _, u := range doc.Users {
		if u.Username == user.Username && u.ID != user.ID {
			return ErrDuplicateUsername
		}
	}

	entry := findUser(doc, user.ID)
	if entry == nil {
		doc.Users = append(doc.Users, FixtureUser{ID: user.ID})
		entry = &doc.Users[len(doc.Users)-1]
	}
	entry.Username = user.Username
	entry.Email = user.Email
	entry.PasswordHash = user.PasswordHash
	entry.Attributes = CloneUser(user).Attributes

	logging.App.Debug("Seeded user", "instance", instance, "user_id", user.ID, "path", path)
	return s.save(path, doc)
}

// RemoveUser implements UserSeeder
func (s *FileSource) RemoveUser(ctx context.Context, instance string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, path, err := s.load(instance)
	if err != nil {
		return err
	}
	for i := range doc.Users {
		if doc.Users[i].ID == userID {
			doc.Users = append(doc.Users[:i], doc.Users[i+1:]...)
			return s.save(path, doc)
		}
	}
	return nil
}

// FetchUserByUsername implements Delegate
func (s *FileSource) FetchUserByUsername(ctx context.Context, instance, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.load(instance)
	if err != nil {
		return nil, err
	}
	for i := range doc.Users {
		if doc.Users[i].Username == username {
			return doc.Users[i].User(), nil
		}
	}
	logging.App.Debug("User not found", "instance", instance, "username", username)
	return nil, ErrUserNotFound
}

// FetchUserRepresentation implements Delegate
func (s *FileSource) FetchUserRepresentation(ctx context.Context, instance string, userID int64) (UserRepresentation, error) {
	var rep UserRepresentation
	err := s.view(instance, userID, func(u *FixtureUser) {
		if u != nil {
			rep = NewUserRepresentation(u.User())
		}
	})
	if err != nil {
		return nil, err
	}
	if rep == nil {
		return nil, ErrUserNotFound
	}
	return rep, nil
}

// AddPackageToUser implements Delegate
func (s *FileSource) AddPackageToUser(ctx context.Context, instance string, user UserRepresentation, pkg Package) error {
	if err := ValidatePackage(instance, user, pkg); err != nil {
		return err
	}
	return s.update(instance, user.ID(), func(u *FixtureUser) bool {
		if u == nil {
			return false
		}
		for _, name := range u.Packages {
			if name == pkg.Name() {
				return false
			}
		}
		u.Packages = append(u.Packages, pkg.Name())
		return true
	})
}

// RemovePackageFromUser implements Delegate
func (s *FileSource) RemovePackageFromUser(ctx context.Context, instance string, user UserRepresentation, pkg Package) (bool, error) {
	if err := ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}
	err := s.update(instance, user.ID(), func(u *FixtureUser) bool {
		if u == nil {
			return false
		}
		kept := make([]string, 0, len(u.Packages))
		for _, name := range u.Packages {
			if name != pkg.Name() {
				kept = append(kept, name)
			}
		}
		changed := len(kept) != len(u.Packages)
		u.Packages = kept
		return changed
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// FetchPackagesForUser implements Delegate
func (s *FileSource) FetchPackagesForUser(ctx context.Context, instance string, user UserRepresentation) ([]Package, error) {
	if err := ValidateUser(instance, user); err != nil {
		return nil, err
	}
	var names []string
	err := s.view(instance, user.ID(), func(u *FixtureUser) {
		if u != nil {
			names = u.Packages
		}
	})
	if err != nil {
		return nil, err
	}
	return PackagesFromNames(names), nil
}

// UserHasPackage implements Delegate
func (s *FileSource) UserHasPackage(ctx context.Context, instance string, user UserRepresentation, pkg Package) (bool, error) {
	if err := ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}
	found := false
	err := s.view(instance, user.ID(), func(u *FixtureUser) {
		if u == nil {
			return
		}
		for _, name := range u.Packages {
			if name == pkg.Name() {
				found = true
				return
			}
		}
	})
	return found, err
}

// OverridePermissionForUser implements Delegate
func (s *FileSource) OverridePermissionForUser(ctx context.Context, instance string, user UserRepresentation, permission string, value bool) (bool, error) {
	if err := ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}
	known := false
	err := s.update(instance, user.ID(), func(u *FixtureUser) bool {
		if u == nil {
			return false
		}
		known = true
		if u.Overrides == nil {
			u.Overrides = make(map[string]bool)
		}
		u.Overrides[permission] = value
		return true
	})
	if err != nil {
		return false, err
	}
	return known, nil
}

// FetchOverridesForUser implements Delegate
func (s *FileSource) FetchOverridesForUser(ctx context.Context, instance string, user UserRepresentation) (map[string]bool, error) {
	if err := ValidateUser(instance, user); err != nil {
		return nil, err
	}
	overrides := make(map[string]bool)
	err := s.view(instance, user.ID(), func(u *FixtureUser) {
		if u == nil {
			return
		}
		for k, v := range u.Overrides {
			overrides[k] = v
		}
	})
	if err != nil {
		return nil, err
	}
	return overrides, nil
}

// RemoveOverrideForUser implements Delegate
func (s *FileSource) RemoveOverrideForUser(ctx context.Context, instance string, user UserRepresentation, permission string) (bool, error) {
	if err := ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}
	err := s.update(instance, user.ID(), func(u *FixtureUser) bool {
		if u == nil {
			return false
		}
		if _, ok := u.Overrides[permission]; !ok {
			return false
		}
		delete(u.Overrides, permission)
		return true
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResetOverridesForUser implements Delegate
func (s *FileSource) ResetOverridesForUser(ctx context.Context, instance string, user UserRepresentation) (bool, error) {
	if err := ValidateUser(instance, user); err != nil {
		return false, err
	}
	known := false
	err := s.update(instance, user.ID(), func(u *FixtureUser) bool {
		if u == nil {
			return false
		}
		known = true
		u.Overrides = nil
		return true
	})
	if err != nil {
		return false, err
	}
	return known, nil
}
