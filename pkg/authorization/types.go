package authorization

import (
	"context"
	"errors"

	"github.com/uriencedric/auth/pkg/storage"
)

var (
	// ErrUnknownPackage is returned when a package name was never registered
	ErrUnknownPackage = errors.New("unknown package")

	// ErrInvalidPackage is returned when registering a package without a name
	ErrInvalidPackage = errors.New("invalid package")
)

// Rule decides a permission for a user when it is evaluated
type Rule func(ctx context.Context, user storage.UserRepresentation) bool

// Package is a named bundle of permission grants (a role). It satisfies
// storage.Package, so it can be handed to a Delegate directly.
type Package struct {
	name      string
	rules     map[string]bool
	callbacks map[string]Rule
}

// NewPackage creates an empty package
func NewPackage(name string) *Package {
	return &Package{
		name:      name,
		rules:     make(map[string]bool),
		callbacks: make(map[string]Rule),
	}
}

// Name implements storage.Package
func (p *Package) Name() string {
	return p.name
}

// Set defines a static rule, replacing any callback for the permission
func (p *Package) Set(permission string, value bool) *Package {
	p.rules[permission] = value
	delete(p.callbacks, permission)
	return p
}

// Grant is shorthand for Set(permission, true)
func (p *Package) Grant(permissions ...string) *Package {
	for _, perm := range permissions {
		p.Set(perm, true)
	}
	return p
}

// Callback defines a rule evaluated per user, replacing any static rule
func (p *Package) Callback(permission string, rule Rule) *Package {
	p.callbacks[permission] = rule
	delete(p.rules, permission)
	return p
}

// Rules returns a copy of the static rules
func (p *Package) Rules() map[string]bool {
	rules := make(map[string]bool, len(p.rules))
	for k, v := range p.rules {
		rules[k] = v
	}
	return rules
}

// Permissions returns every permission the package defines
func (p *Package) Permissions() []string {
	perms := make([]string, 0, len(p.rules)+len(p.callbacks))
	for k := range p.rules {
		perms = append(perms, k)
	}
	for k := range p.callbacks {
		perms = append(perms, k)
	}
	return perms
}

func (p *Package) clone() *Package {
	c := NewPackage(p.name)
	for k, v := range p.rules {
		c.rules[k] = v
	}
	for k, v := range p.callbacks {
		c.callbacks[k] = v
	}
	return c
}

// grants reports whether the package grants permission to user
func (p *Package) grants(ctx context.Context, user storage.UserRepresentation, permission string) bool {
	if v, ok := p.rules[permission]; ok {
		return v
	}
	if rule, ok := p.callbacks[permission]; ok {
		return rule(ctx, user)
	}
	return false
}

// PackageSource provides package definitions
type PackageSource interface {
	LoadPackages() ([]*Package, error)
}
