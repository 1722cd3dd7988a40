package authorization

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uriencedric/auth/pkg/logging"
	"github.com/uriencedric/auth/pkg/storage"
)

// cachedUser holds a user's packages and overrides and cache metadata
type cachedUser struct {
	packages  []string
	overrides map[string]bool
	loadedAt  time.Time
}

// Authorizer decides permissions for the users of one instance. Overrides
// stored for a user always win; otherwise a permission is granted when any
// of the user's registered packages grants it, and denied by default.
type Authorizer struct {
	delegate      storage.Delegate
	instance      string
	cacheDuration time.Duration

	mu        sync.RWMutex
	packages  map[string]*Package
	cache     map[int64]*cachedUser
	epoch     uint64 // bumped by every invalidation
	lastSweep time.Time
}

// NewAuthorizer creates a new Authorizer. A zero cacheDuration disables
// caching of user state.
func NewAuthorizer(delegate storage.Delegate, instance string, cacheDuration time.Duration) (*Authorizer, error) {
	if delegate == nil {
		return nil, fmt.Errorf("storage delegate is required")
	}
	if err := storage.ValidateInstance(instance); err != nil {
		return nil, err
	}

	return &Authorizer{
		delegate:      delegate,
		instance:      instance,
		cacheDuration: cacheDuration,
		packages:      make(map[string]*Package),
		cache:         make(map[int64]*cachedUser),
	}, nil
}

// Instance returns the instance name the authorizer is bound to
func (a *Authorizer) Instance() string {
	return a.instance
}

// RegisterPackage adds or replaces a package definition. The authorizer
// keeps a copy, so later changes to p need another RegisterPackage.
func (a *Authorizer) RegisterPackage(p *Package) error {
	if p == nil || p.Name() == "" {
		return ErrInvalidPackage
	}
	a.mu.Lock()
	a.packages[p.Name()] = p.clone()
	a.mu.Unlock()

	logging.App.Debug("Registered package", "instance", a.instance, "package", p.Name())
	return nil
}

// LoadPackages registers every package provided by source
func (a *Authorizer) LoadPackages(source PackageSource) error {
	packages, err := source.LoadPackages()
	if err != nil {
		return fmt.Errorf("loading packages: %w", err)
	}
	for _, p := range packages {
		if err := a.RegisterPackage(p); err != nil {
			return err
		}
	}
	return nil
}

// Package returns a copy of a registered package
func (a *Authorizer) Package(name string) (*Package, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.packages[name]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// LookupUser resolves a username to a representation
func (a *Authorizer) LookupUser(ctx context.Context, username string) (storage.UserRepresentation, error) {
	user, err := a.delegate.FetchUserByUsername(ctx, a.instance, username)
	if err != nil {
		return nil, err
	}
	return a.delegate.FetchUserRepresentation(ctx, a.instance, user.ID)
}

// userState returns the user's packages and overrides, using cache if available
func (a *Authorizer) userState(ctx context.Context, user storage.UserRepresentation) (*cachedUser, error) {
	if err := storage.ValidateUser(a.instance, user); err != nil {
		return nil, err
	}

	a.mu.RLock()
	cached, exists := a.cache[user.ID()]
	epoch := a.epoch
	a.mu.RUnlock()

	if exists && time.Since(cached.loadedAt) < a.cacheDuration {
		return cached, nil
	}

	pkgs, err := a.delegate.FetchPackagesForUser(ctx, a.instance, user)
	if err != nil {
		return nil, fmt.Errorf("fetching packages: %w", err)
	}
	overrides, err := a.delegate.FetchOverridesForUser(ctx, a.instance, user)
	if err != nil {
		return nil, fmt.Errorf("fetching overrides: %w", err)
	}

	state := &cachedUser{
		packages:  storage.PackageNames(pkgs),
		overrides: overrides,
		loadedAt:  time.Now(),
	}
	if a.cacheDuration > 0 {
		a.mu.Lock()
		// an invalidation during the fetch means state may predate a write
		if a.epoch == epoch {
			a.sweepLocked(state.loadedAt)
			a.cache[user.ID()] = state
		}
		a.mu.Unlock()
	}
	return state, nil
}

// sweepLocked drops expired entries, at most once per cacheDuration.
// a.mu must be held for writing.
func (a *Authorizer) sweepLocked(now time.Time) {
	if now.Sub(a.lastSweep) < a.cacheDuration {
		return
	}
	for id, entry := range a.cache {
		if now.Sub(entry.loadedAt) >= a.cacheDuration {
			delete(a.cache, id)
		}
	}
	a.lastSweep = now
}

// userPackages returns the registered packages among names, in order
func (a *Authorizer) userPackages(names []string) []*Package {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pkgs := make([]*Package, 0, len(names))
	for _, name := range names {
		if p, ok := a.packages[name]; ok {
			pkgs = append(pkgs, p)
		}
	}
	return pkgs
}

// resolve applies override > package grants > deny to one permission.
// Callbacks run without holding the registry lock.
func resolve(ctx context.Context, user storage.UserRepresentation, state *cachedUser, pkgs []*Package, permission string) bool {
	if value, ok := state.overrides[permission]; ok {
		return value
	}
	for _, p := range pkgs {
		if p.grants(ctx, user, permission) {
			return true
		}
	}
	return false
}

// UserCan reports whether user holds permission
func (a *Authorizer) UserCan(ctx context.Context, user storage.UserRepresentation, permission string) (bool, error) {
	if permission == "" {
		return false, fmt.Errorf("%w: permission is required", storage.ErrInvalidArgument)
	}
	state, err := a.userState(ctx, user)
	if err != nil {
		return false, err
	}

	allowed := resolve(ctx, user, state, a.userPackages(state.packages), permission)
	logging.App.Debug("Resolved permission", "instance", a.instance, "user_id", user.ID(), "permission", permission, "allowed", allowed)
	return allowed, nil
}

// Can reports whether the user with the given id holds permission. Unknown
// users are denied with storage.ErrUserNotFound.
func (a *Authorizer) Can(ctx context.Context, userID int64, permission string) (bool, error) {
	user, err := a.delegate.FetchUserRepresentation(ctx, a.instance, userID)
	if err != nil {
		return false, err
	}
	return a.UserCan(ctx, user, permission)
}

// EffectivePermissions resolves every permission defined by the user's
// registered packages or overrides.
func (a *Authorizer) EffectivePermissions(ctx context.Context, user storage.UserRepresentation) (map[string]bool, error) {
	state, err := a.userState(ctx, user)
	if err != nil {
		return nil, err
	}

	pkgs := a.userPackages(state.packages)
	seen := make(map[string]struct{})
	for _, p := range pkgs {
		for _, perm := range p.Permissions() {
			seen[perm] = struct{}{}
		}
	}
	for perm := range state.overrides {
		seen[perm] = struct{}{}
	}

	result := make(map[string]bool, len(seen))
	for perm := range seen {
		result[perm] = resolve(ctx, user, state, pkgs, perm)
	}
	return result, nil
}

// RefreshUser drops the user's cached state
func (a *Authorizer) RefreshUser(userID int64) {
	a.mu.Lock()
	delete(a.cache, userID)
	a.epoch++
	a.mu.Unlock()
}

// AddPackageToUser assigns a registered package once; assigning a package
// the user already has is a no-op.
func (a *Authorizer) AddPackageToUser(ctx context.Context, user storage.UserRepresentation, name string) error {
	p, ok := a.Package(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPackage, name)
	}
	if err := storage.ValidatePackage(a.instance, user, p); err != nil {
		return err
	}
	defer a.RefreshUser(user.ID())

	has, err := a.delegate.UserHasPackage(ctx, a.instance, user, p)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if err := a.delegate.AddPackageToUser(ctx, a.instance, user, p); err != nil {
		logging.Audit.LogChange("add_package", a.instance, user.ID(), "error", "package", name, "error", err)
		return err
	}
	logging.Audit.LogChange("add_package", a.instance, user.ID(), "success", "package", name)
	return nil
}

// RemovePackageFromUser removes a package by name, registered or not
func (a *Authorizer) RemovePackageFromUser(ctx context.Context, user storage.UserRepresentation, name string) error {
	if err := storage.ValidatePackage(a.instance, user, storage.PackageName(name)); err != nil {
		return err
	}
	defer a.RefreshUser(user.ID())

	if _, err := a.delegate.RemovePackageFromUser(ctx, a.instance, user, storage.PackageName(name)); err != nil {
		logging.Audit.LogChange("remove_package", a.instance, user.ID(), "error", "package", name, "error", err)
		return err
	}
	logging.Audit.LogChange("remove_package", a.instance, user.ID(), "success", "package", name)
	return nil
}

// OverridePermission stores an override for the user. It reports false for
// users unknown to the storage.
func (a *Authorizer) OverridePermission(ctx context.Context, user storage.UserRepresentation, permission string, value bool) (bool, error) {
	if err := storage.ValidatePermission(a.instance, user, permission); err != nil {
		return false, err
	}
	defer a.RefreshUser(user.ID())

	ok, err := a.delegate.OverridePermissionForUser(ctx, a.instance, user, permission, value)
	if err != nil {
		logging.Audit.LogChange("override", a.instance, user.ID(), "error", "permission", permission, "error", err)
		return false, err
	}
	status := "success"
	if !ok {
		status = "unknown_user"
	}
	logging.Audit.LogChange("override", a.instance, user.ID(), status, "permission", permission, "value", value)
	return ok, nil
}

// RemoveOverride drops a single override
func (a *Authorizer) RemoveOverride(ctx context.Context, user storage.UserRepresentation, permission string) error {
	if err := storage.ValidatePermission(a.instance, user, permission); err != nil {
		return err
	}
	defer a.RefreshUser(user.ID())

	if _, err := a.delegate.RemoveOverrideForUser(ctx, a.instance, user, permission); err != nil {
		logging.Audit.LogChange("remove_override", a.instance, user.ID(), "error", "permission", permission, "error", err)
		return err
	}
	logging.Audit.LogChange("remove_override", a.instance, user.ID(), "success", "permission", permission)
	return nil
}

// ResetOverrides clears every override of the user. It reports false for
// users unknown to the storage.
func (a *Authorizer) ResetOverrides(ctx context.Context, user storage.UserRepresentation) (bool, error) {
	if err := storage.ValidateUser(a.instance, user); err != nil {
		return false, err
	}
	defer a.RefreshUser(user.ID())

	ok, err := a.delegate.ResetOverridesForUser(ctx, a.instance, user)
	if err != nil {
		logging.Audit.LogChange("reset_overrides", a.instance, user.ID(), "error", "error", err)
		return false, err
	}
	status := "success"
	if !ok {
		status = "unknown_user"
	}
	logging.Audit.LogChange("reset_overrides", a.instance, user.ID(), status)
	return ok, nil
}
