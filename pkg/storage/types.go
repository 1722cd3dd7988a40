// Package storage defines the persistence contract consumed by the
// authorization engine, plus the in-memory and file backed implementations.
package storage

import "context"

// User represents a user record owned by an external identity system.
// Only ID and Username are interpreted here; the remaining fields are opaque.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Attributes   map[string]string
}

// UserRepresentation is a read-only view over a user record
type UserRepresentation interface {
	ID() int64
	Username() string
}

// Package is a named bundle of permission grants. Identity is the name.
type Package interface {
	Name() string
}

// PackageName is a Package known only by its name. Backends that persist
// package names return these.
type PackageName string

// Name implements Package
func (p PackageName) Name() string {
	return string(p)
}

// Delegate is the storage backend used by the authorization engine. Every
// operation is scoped by an instance name and must never observe data that
// belongs to another instance.
type Delegate interface {
	// FetchUserByUsername returns ErrUserNotFound when no user has exactly this username
	FetchUserByUsername(ctx context.Context, instance, username string) (*User, error)

	// FetchUserRepresentation returns ErrUserNotFound when the id is unknown
	FetchUserRepresentation(ctx context.Context, instance string, userID int64) (UserRepresentation, error)

	// AddPackageToUser assigns a package. Unknown users are a no-op.
	AddPackageToUser(ctx context.Context, instance string, user UserRepresentation, pkg Package) error

	// RemovePackageFromUser removes every package with a matching name and
	// reports true even when nothing matched.
	RemovePackageFromUser(ctx context.Context, instance string, user UserRepresentation, pkg Package) (bool, error)

	// FetchPackagesForUser returns the packages in assignment order, empty for unknown users
	FetchPackagesForUser(ctx context.Context, instance string, user UserRepresentation) ([]Package, error)

	// UserHasPackage tests membership by package name
	UserHasPackage(ctx context.Context, instance string, user UserRepresentation, pkg Package) (bool, error)

	// OverridePermissionForUser sets or replaces an override. It reports false
	// for unknown users.
	OverridePermissionForUser(ctx context.Context, instance string, user UserRepresentation, permission string, value bool) (bool, error)

	// FetchOverridesForUser returns a copy of the overrides, empty for unknown users
	FetchOverridesForUser(ctx context.Context, instance string, user UserRepresentation) (map[string]bool, error)

	// RemoveOverrideForUser removes a single override and reports true whether
	// or not it existed.
	RemoveOverrideForUser(ctx context.Context, instance string, user UserRepresentation, permission string) (bool, error)

	// ResetOverridesForUser clears every override of the user, leaving packages
	// alone. It reports false for unknown users.
	ResetOverridesForUser(ctx context.Context, instance string, user UserRepresentation) (bool, error)
}

// UserSeeder loads users into a backend on behalf of the identity system
type UserSeeder interface {
	// AddUser creates or replaces the user with the same ID
	AddUser(ctx context.Context, instance string, user *User) error

	// RemoveUser deletes a user together with its packages and overrides
	RemoveUser(ctx context.Context, instance string, userID int64) error
}

// Backend is a Delegate that can also be seeded
type Backend interface {
	Delegate
	UserSeeder
}
