package storage

// Representation is the UserRepresentation built by the backends in this
// module. Each fetch produces a fresh value.
type Representation struct {
	id         int64
	username   string
	email      string
	attributes map[string]string
}

// NewUserRepresentation builds a view over a copy of the user's fields
func NewUserRepresentation(user *User) *Representation {
	attrs := make(map[string]string, len(user.Attributes))
	for k, v := range user.Attributes {
		attrs[k] = v
	}
	return &Representation{
		id:         user.ID,
		username:   user.Username,
		email:      user.Email,
		attributes: attrs,
	}
}

// ID implements UserRepresentation
func (r *Representation) ID() int64 {
	return r.id
}

// Username implements UserRepresentation
func (r *Representation) Username() string {
	return r.username
}

// Email returns the user's email address
func (r *Representation) Email() string {
	return r.email
}

// Attribute returns a profile attribute and whether it was set
func (r *Representation) Attribute(key string) (string, bool) {
	v, ok := r.attributes[key]
	return v, ok
}

// PackageNames returns the names of the given packages in order
func PackageNames(pkgs []Package) []string {
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.Name())
	}
	return names
}

// PackagesFromNames wraps stored names as packages, never returning nil
func PackagesFromNames(names []string) []Package {
	pkgs := make([]Package, 0, len(names))
	for _, n := range names {
		pkgs = append(pkgs, PackageName(n))
	}
	return pkgs
}

// CloneUser returns a deep copy of a user record
func CloneUser(user *User) *User {
	c := *user
	if user.Attributes != nil {
		c.Attributes = make(map[string]string, len(user.Attributes))
		for k, v := range user.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
