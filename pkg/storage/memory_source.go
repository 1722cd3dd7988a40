package storage

import (
	"context"
	"sync"

	"github.com/uriencedric/auth/pkg/logging"
)

// userRecord is the per-instance state kept for one user
type userRecord struct {
	user      *User
	packages  []Package
	overrides map[string]bool
}

// partition holds every user of one instance
type partition struct {
	users      map[int64]*userRecord
	byUsername map[string]int64
}

func newPartition() *partition {
	return &partition{
		users:      make(map[int64]*userRecord),
		byUsername: make(map[string]int64),
	}
}

// MemorySource implements Backend using in-memory maps partitioned by instance
type MemorySource struct {
	mu         sync.RWMutex
	partitions map[string]*partition
}

// NewMemorySource creates a new MemorySource
func NewMemorySource() *MemorySource {
	return &MemorySource{
		partitions: make(map[string]*partition),
	}
}

// record returns the user's record, or nil. Callers hold the lock.
func (s *MemorySource) record(instance string, userID int64) *userRecord {
	p, ok := s.partitions[instance]
	if !ok {
		return nil
	}
	return p.users[userID]
}

// AddUser implements UserSeeder
func (s *MemorySource) AddUser(ctx context.Context, instance string, user *User) error {
	if err := ValidateSeed(instance, user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[instance]
	if !ok {
		p = newPartition()
		s.partitions[instance] = p
	}
	if holder, taken := p.byUsername[user.Username]; taken && holder != user.ID {
		return ErrDuplicateUsername
	}

	rec, exists := p.users[user.ID]
	if exists {
		delete(p.byUsername, rec.user.Username)
		rec.user = CloneUser(user)
	} else {
		rec = &userRecord{user: CloneUser(user), overrides: make(map[string]bool)}
		p.users[user.ID] = rec
	}
	p.byUsername[user.Username] = user.ID

	logging.App.Debug("Seeded user", "instance", instance, "user_id", user.ID, "username", user.Username)
	return nil
}

// RemoveUser implements UserSeeder
func (s *MemorySource) RemoveUser(ctx context.Context, instance string, userID int64) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[instance]
	if !ok {
		return nil
	}
	if rec, ok := p.users[userID]; ok {
		delete(p.byUsername, rec.user.Username)
		delete(p.users, userID)
	}
	return nil
}

// FetchUserByUsername implements Delegate
func (s *MemorySource) FetchUserByUsername(ctx context.Context, instance, username string) (*User, error) {
	if err := ValidateInstance(instance); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[instance]
	if !ok {
		return nil, ErrUserNotFound
	}
	id, ok := p.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return CloneUser(p.users[id].user), nil
}

// FetchUserRepresentation implements Delegate
func (s *MemorySource) FetchUserRepresentation(ctx context.Context, instance string, userID int64) (UserRepresentation, error) {
	if err := ValidateInstance(instance); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.record(instance, userID)
	if rec == nil {
		return nil, ErrUserNotFound
	}
	return NewUserRepresentation(rec.user), nil
}

// AddPackageToUser implements Delegate
func (s *MemorySource) AddPackageToUser(ctx context.Context, instance string, user UserRepresentation, pkg Package) error {
	if err := ValidatePackage(instance, user, pkg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(instance, user.ID())
	if rec == nil {
		return nil
	}
	for _, p := range rec.packages {
		if p.Name() == pkg.Name() {
			return nil
		}
	}
	rec.packages = append(rec.packages, pkg)
	return nil
}

// RemovePackageFromUser implements Delegate
func (s *MemorySource) RemovePackageFromUser(ctx context.Context, instance string, user UserRepresentation, pkg Package) (bool, error) {
	if err := ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(instance, user.ID())
	if rec == nil {
		return true, nil
	}
	kept := rec.packages[:0]
	for _, p := range rec.packages {
		if p.Name() != pkg.Name() {
			kept = append(kept, p)
		}
	}
	// clear the tail so removed packages are not retained by the backing array
	for i := len(kept); i < len(rec.packages); i++ {
		rec.packages[i] = nil
	}
	rec.packages = kept
	return true, nil
}

// FetchPackagesForUser implements Delegate
func (s *MemorySource) FetchPackagesForUser(ctx context.Context, instance string, user UserRepresentation) ([]Package, error) {
	if err := ValidateUser(instance, user); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.record(instance, user.ID())
	if rec == nil {
		return []Package{}, nil
	}
	pkgs := make([]Package, len(rec.packages))
	copy(pkgs, rec.packages)
	return pkgs, nil
}

// UserHasPackage implements Delegate
func (s *MemorySource) UserHasPackage(ctx context.Context, instance string, user UserRepresentation, pkg Package) (bool, error) {
	if err := ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.record(instance, user.ID())
	if rec == nil {
		return false, nil
	}
	for _, p := range rec.packages {
		if p.Name() == pkg.Name() {
			return true, nil
		}
	}
	return false, nil
}

// OverridePermissionForUser implements Delegate
func (s *MemorySource) OverridePermissionForUser(ctx context.Context, instance string, user UserRepresentation, permission string, value bool) (bool, error) {
	if err := ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(instance, user.ID())
	if rec == nil {
		return false, nil
	}
	rec.overrides[permission] = value
	return true, nil
}

// FetchOverridesForUser implements Delegate
func (s *MemorySource) FetchOverridesForUser(ctx context.Context, instance string, user UserRepresentation) (map[string]bool, error) {
	if err := ValidateUser(instance, user); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	overrides := make(map[string]bool)
	if rec := s.record(instance, user.ID()); rec != nil {
		for k, v := range rec.overrides {
			overrides[k] = v
		}
	}
	return overrides, nil
}

// RemoveOverrideForUser implements Delegate
func (s *MemorySource) RemoveOverrideForUser(ctx context.Context, instance string, user UserRepresentation, permission string) (bool, error) {
	if err := ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.record(instance, user.ID()); rec != nil {
		delete(rec.overrides, permission)
	}
	return true, nil
}

// ResetOverridesForUser implements Delegate
func (s *MemorySource) ResetOverridesForUser(ctx context.Context, instance string, user UserRepresentation) (bool, error) {
	if err := ValidateUser(instance, user); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(instance, user.ID())
	if rec == nil {
		return false, nil
	}
	rec.overrides = make(map[string]bool)
	return true, nil
}
