package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound is returned when a user does not exist in the instance
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidArgument is returned when an operation receives malformed input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateUsername is returned when a seeded username is held by another id
	ErrDuplicateUsername = errors.New("duplicate username")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ValidateInstance rejects empty instance names
func ValidateInstance(instance string) error {
	if instance == "" {
		return invalid("instance name is required")
	}
	return nil
}

// ValidateUser checks the instance and user arguments shared by every
// per-user operation.
func ValidateUser(instance string, user UserRepresentation) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}
	if user == nil {
		return invalid("user is required")
	}
	return nil
}

// ValidatePackage checks the arguments of package operations
func ValidatePackage(instance string, user UserRepresentation, pkg Package) error {
	if err := ValidateUser(instance, user); err != nil {
		return err
	}
	if pkg == nil || pkg.Name() == "" {
		return invalid("package name is required")
	}
	return nil
}

// ValidatePermission checks the arguments of override operations
func ValidatePermission(instance string, user UserRepresentation, permission string) error {
	if err := ValidateUser(instance, user); err != nil {
		return err
	}
	if permission == "" {
		return invalid("permission is required")
	}
	return nil
}

// ValidateSeed checks a user handed to UserSeeder.AddUser
func ValidateSeed(instance string, user *User) error {
	if err := ValidateInstance(instance); err != nil {
		return err
	}
	if user == nil {
		return invalid("user is required")
	}
	if user.Username == "" {
		return invalid("username is required")
	}
	return nil
}
