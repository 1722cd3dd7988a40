// Package storagetest holds the behavioural test suite shared by every
// storage.Backend implementation.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uriencedric/auth/pkg/storage"
)

// Instance is the instance name the fixtures are seeded into
const Instance = "default"

// Factory returns an empty backend for one subtest
type Factory func(t *testing.T) storage.Backend

// Alex and Lucie are the fixture users seeded by Seed
var (
	Alex = storage.User{
		ID:           1,
		Username:     "Alex",
		Email:        "alex@example.com",
		PasswordHash: "$2a$08$pQIwqrJ00RbAikHLcQ8tOuSrDFEvToDmbXxtXEFO8vJRC38cXZX76",
	}
	Lucie = storage.User{
		ID:       2,
		Username: "Lucie",
		Email:    "lucie@example.com",
	}
)

// StubUser is a representation for a user id that may not exist in a backend
type StubUser int64

// ID implements storage.UserRepresentation
func (u StubUser) ID() int64 { return int64(u) }

// Username implements storage.UserRepresentation
func (u StubUser) Username() string { return "" }

// Seed adds the fixture users to the backend
func Seed(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []storage.User{Alex, Lucie} {
		u := u
		require.NoError(t, b.AddUser(ctx, Instance, &u))
	}
}

// Representation fetches the representation of a seeded user
func Representation(t *testing.T, b storage.Backend, instance string, id int64) storage.UserRepresentation {
	t.Helper()
	rep, err := b.FetchUserRepresentation(context.Background(), instance, id)
	require.NoError(t, err)
	return rep
}

func packageNames(t *testing.T, b storage.Backend, instance string, user storage.UserRepresentation) []string {
	t.Helper()
	pkgs, err := b.FetchPackagesForUser(context.Background(), instance, user)
	require.NoError(t, err)
	require.NotNil(t, pkgs)
	return storage.PackageNames(pkgs)
}

func overrides(t *testing.T, b storage.Backend, instance string, user storage.UserRepresentation) map[string]bool {
	t.Helper()
	o, err := b.FetchOverridesForUser(context.Background(), instance, user)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

// Run exercises the Delegate and UserSeeder contracts against fresh backends
// produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (storage.Backend, storage.UserRepresentation) {
		b := newBackend(t)
		Seed(t, b)
		return b, Representation(t, b, Instance, Alex.ID)
	}

	t.Run("fetch user by username", func(t *testing.T) {
		b, _ := setup(t)

		for _, want := range []storage.User{Alex, Lucie} {
			got, err := b.FetchUserByUsername(ctx, Instance, want.Username)
			require.NoError(t, err)
			assert.Equal(t, want.ID, got.ID)
			assert.Equal(t, want.Username, got.Username)
			assert.Equal(t, want.Email, got.Email)
			assert.Equal(t, want.PasswordHash, got.PasswordHash)
		}

		_, err := b.FetchUserByUsername(ctx, Instance, "nobody")
		assert.ErrorIs(t, err, storage.ErrUserNotFound)

		_, err = b.FetchUserByUsername(ctx, Instance, "alex")
		assert.ErrorIs(t, err, storage.ErrUserNotFound, "username match is exact")
	})

	t.Run("fetch user representation", func(t *testing.T) {
		b, alex := setup(t)
		assert.Equal(t, Alex.ID, alex.ID())
		assert.Equal(t, Alex.Username, alex.Username())

		_, err := b.FetchUserRepresentation(ctx, Instance, 99)
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
	})

	t.Run("add and remove packages", func(t *testing.T) {
		b, alex := setup(t)
		editor := storage.PackageName("editor")

		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, editor))
		has, err := b.UserHasPackage(ctx, Instance, alex, editor)
		require.NoError(t, err)
		assert.True(t, has)
		assert.Equal(t, []string{"editor"}, packageNames(t, b, Instance, alex))

		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, editor))
		assert.Equal(t, []string{"editor"}, packageNames(t, b, Instance, alex), "packages are a set by name")

		ok, err := b.RemovePackageFromUser(ctx, Instance, alex, editor)
		require.NoError(t, err)
		assert.True(t, ok)
		has, err = b.UserHasPackage(ctx, Instance, alex, editor)
		require.NoError(t, err)
		assert.False(t, has)

		ok, err = b.RemovePackageFromUser(ctx, Instance, alex, editor)
		require.NoError(t, err)
		assert.True(t, ok, "removing an absent package still succeeds")
		assert.Empty(t, packageNames(t, b, Instance, alex))
	})

	t.Run("removal keeps order compact", func(t *testing.T) {
		b, alex := setup(t)
		for _, name := range []string{"reader", "editor", "admin"} {
			require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName(name)))
		}

		_, err := b.RemovePackageFromUser(ctx, Instance, alex, storage.PackageName("editor"))
		require.NoError(t, err)
		assert.Equal(t, []string{"reader", "admin"}, packageNames(t, b, Instance, alex))

		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName("editor")))
		assert.Equal(t, []string{"reader", "admin", "editor"}, packageNames(t, b, Instance, alex))
	})

	t.Run("packages are per user", func(t *testing.T) {
		b, alex := setup(t)
		lucie := Representation(t, b, Instance, Lucie.ID)

		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName("editor")))
		has, err := b.UserHasPackage(ctx, Instance, lucie, storage.PackageName("editor"))
		require.NoError(t, err)
		assert.False(t, has)
		assert.Empty(t, packageNames(t, b, Instance, lucie))
	})

	t.Run("override permissions", func(t *testing.T) {
		b, alex := setup(t)

		ok, err := b.OverridePermissionForUser(ctx, Instance, alex, "delete-anything", true)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]bool{"delete-anything": true}, overrides(t, b, Instance, alex))

		ok, err = b.OverridePermissionForUser(ctx, Instance, alex, "delete-anything", false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]bool{"delete-anything": false}, overrides(t, b, Instance, alex), "last write wins")

		fetched := overrides(t, b, Instance, alex)
		fetched["mutated"] = true
		assert.NotContains(t, overrides(t, b, Instance, alex), "mutated", "fetch returns a copy")
	})

	t.Run("remove override", func(t *testing.T) {
		b, alex := setup(t)
		_, err := b.OverridePermissionForUser(ctx, Instance, alex, "edit", true)
		require.NoError(t, err)
		_, err = b.OverridePermissionForUser(ctx, Instance, alex, "view", true)
		require.NoError(t, err)

		ok, err := b.RemoveOverrideForUser(ctx, Instance, alex, "edit")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]bool{"view": true}, overrides(t, b, Instance, alex))

		ok, err = b.RemoveOverrideForUser(ctx, Instance, alex, "edit")
		require.NoError(t, err)
		assert.True(t, ok, "removing an absent override still succeeds")
		assert.Equal(t, map[string]bool{"view": true}, overrides(t, b, Instance, alex))
	})

	t.Run("reset overrides keeps packages", func(t *testing.T) {
		b, alex := setup(t)

		assert.Empty(t, overrides(t, b, Instance, alex))
		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName("editor")))
		assert.Equal(t, []string{"editor"}, packageNames(t, b, Instance, alex))

		_, err := b.OverridePermissionForUser(ctx, Instance, alex, "delete-anything", true)
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{"delete-anything": true}, overrides(t, b, Instance, alex))

		ok, err := b.ResetOverridesForUser(ctx, Instance, alex)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, overrides(t, b, Instance, alex))
		assert.Equal(t, []string{"editor"}, packageNames(t, b, Instance, alex))

		ok, err = b.ResetOverridesForUser(ctx, Instance, alex)
		require.NoError(t, err)
		assert.True(t, ok, "resetting empty overrides of a known user succeeds")
	})

	t.Run("unknown user", func(t *testing.T) {
		b, _ := setup(t)
		ghost := StubUser(99)
		editor := storage.PackageName("editor")

		assert.NoError(t, b.AddPackageToUser(ctx, Instance, ghost, editor))
		assert.Empty(t, packageNames(t, b, Instance, ghost))

		ok, err := b.RemovePackageFromUser(ctx, Instance, ghost, editor)
		require.NoError(t, err)
		assert.True(t, ok)

		has, err := b.UserHasPackage(ctx, Instance, ghost, editor)
		require.NoError(t, err)
		assert.False(t, has)

		ok, err = b.OverridePermissionForUser(ctx, Instance, ghost, "edit", true)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, overrides(t, b, Instance, ghost))

		ok, err = b.RemoveOverrideForUser(ctx, Instance, ghost, "edit")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = b.ResetOverridesForUser(ctx, Instance, ghost)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("instances are isolated", func(t *testing.T) {
		b, alex := setup(t)
		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName("editor")))
		_, err := b.OverridePermissionForUser(ctx, Instance, alex, "edit", true)
		require.NoError(t, err)

		_, err = b.FetchUserByUsername(ctx, "other", Alex.Username)
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
		_, err = b.FetchUserRepresentation(ctx, "other", Alex.ID)
		assert.ErrorIs(t, err, storage.ErrUserNotFound)

		// same id seeded into a second instance starts empty
		other := Alex
		require.NoError(t, b.AddUser(ctx, "other", &other))
		otherAlex := Representation(t, b, "other", Alex.ID)
		assert.Empty(t, packageNames(t, b, "other", otherAlex))
		assert.Empty(t, overrides(t, b, "other", otherAlex))

		ok, err := b.ResetOverridesForUser(ctx, "other", otherAlex)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, map[string]bool{"edit": true}, overrides(t, b, Instance, alex))
	})

	t.Run("invalid arguments", func(t *testing.T) {
		b, alex := setup(t)

		_, err := b.FetchUserByUsername(ctx, "", Alex.Username)
		assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		assert.ErrorIs(t, b.AddPackageToUser(ctx, Instance, nil, storage.PackageName("editor")), storage.ErrInvalidArgument)
		assert.ErrorIs(t, b.AddPackageToUser(ctx, Instance, alex, nil), storage.ErrInvalidArgument)
		assert.ErrorIs(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName("")), storage.ErrInvalidArgument)
		_, err = b.OverridePermissionForUser(ctx, Instance, alex, "", true)
		assert.ErrorIs(t, err, storage.ErrInvalidArgument)
		_, err = b.RemoveOverrideForUser(ctx, Instance, alex, "")
		assert.ErrorIs(t, err, storage.ErrInvalidArgument)

		assert.Empty(t, packageNames(t, b, Instance, alex))
		assert.Empty(t, overrides(t, b, Instance, alex))
	})

	t.Run("seeding", func(t *testing.T) {
		b, alex := setup(t)

		dup := storage.User{ID: 3, Username: Alex.Username}
		assert.ErrorIs(t, b.AddUser(ctx, Instance, &dup), storage.ErrDuplicateUsername)

		renamed := Alex
		renamed.Username = "Alexandra"
		require.NoError(t, b.AddUser(ctx, Instance, &renamed))
		_, err := b.FetchUserByUsername(ctx, Instance, Alex.Username)
		assert.ErrorIs(t, err, storage.ErrUserNotFound)
		got, err := b.FetchUserByUsername(ctx, Instance, "Alexandra")
		require.NoError(t, err)
		assert.Equal(t, Alex.ID, got.ID)

		require.NoError(t, b.AddPackageToUser(ctx, Instance, alex, storage.PackageName("editor")))
		require.NoError(t, b.RemoveUser(ctx, Instance, Alex.ID))
		_, err = b.FetchUserRepresentation(ctx, Instance, Alex.ID)
		assert.ErrorIs(t, err, storage.ErrUserNotFound)

		require.NoError(t, b.AddUser(ctx, Instance, &renamed))
		assert.Empty(t, packageNames(t, b, Instance, alex), "re-created user starts without packages")
	})
}
