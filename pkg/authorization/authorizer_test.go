package authorization

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uriencedric/auth/pkg/storage"
	"github.com/uriencedric/auth/pkg/storage/storagetest"
)

// blockingSource parks the first FetchOverridesForUser call once armed
type blockingSource struct {
	*storage.MemorySource
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) FetchOverridesForUser(ctx context.Context, instance string, user storage.UserRepresentation) (map[string]bool, error) {
	if b.armed.CompareAndSwap(true, false) {
		close(b.entered)
		<-b.release
	}
	return b.MemorySource.FetchOverridesForUser(ctx, instance, user)
}

// countingSource counts package reads so cache hits can be observed
type countingSource struct {
	*storage.MemorySource
	reads atomic.Int32
}

func (c *countingSource) FetchPackagesForUser(ctx context.Context, instance string, user storage.UserRepresentation) ([]storage.Package, error) {
	c.reads.Add(1)
	return c.MemorySource.FetchPackagesForUser(ctx, instance, user)
}

func editorPackage() *Package {
	return NewPackage("editor").Grant("edit", "publish").Set("delete", false)
}

func setupAuthorizer(t *testing.T, cacheDuration time.Duration) (*Authorizer, *countingSource) {
	t.Helper()
	source := &countingSource{MemorySource: storage.NewMemorySource()}
	storagetest.Seed(t, source)

	auth, err := NewAuthorizer(source, storagetest.Instance, cacheDuration)
	require.NoError(t, err)
	require.NoError(t, auth.LoadPackages(NewMemoryPackageSource(
		editorPackage(),
		NewPackage("viewer").Grant("view"),
		NewPackage("admin").Grant("edit", "delete", "publish", "view"),
	)))
	return auth, source
}

type permCase struct {
	name       string
	permission string
	want       bool
}

func runPermCases(t *testing.T, auth *Authorizer, user storage.UserRepresentation, cases []permCase) {
	t.Helper()
	ctx := context.Background()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := auth.UserCan(ctx, user, tc.permission)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got, "UserCan(%q)", tc.permission)
		})
	}
}

func TestNewAuthorizer(t *testing.T) {
	_, err := NewAuthorizer(nil, "default", 0)
	assert.Error(t, err)

	_, err = NewAuthorizer(storage.NewMemorySource(), "", 0)
	assert.True(t, errors.Is(err, storage.ErrInvalidArgument))
}

func TestRegisterPackage(t *testing.T) {
	auth, _ := setupAuthorizer(t, 0)

	assert.ErrorIs(t, auth.RegisterPackage(nil), ErrInvalidPackage)
	assert.ErrorIs(t, auth.RegisterPackage(NewPackage("")), ErrInvalidPackage)

	p, ok := auth.Package("editor")
	require.True(t, ok)
	assert.Equal(t, map[string]bool{"edit": true, "publish": true, "delete": false}, p.Rules())

	_, ok = auth.Package("missing")
	assert.False(t, ok)
}

func TestResolution(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	t.Run("no packages denies", func(t *testing.T) {
		runPermCases(t, auth, alex, []permCase{
			{"edit", "edit", false},
			{"view", "view", false},
		})
	})

	require.NoError(t, auth.AddPackageToUser(ctx, alex, "editor"))
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "viewer"))

	t.Run("package union", func(t *testing.T) {
		runPermCases(t, auth, alex, []permCase{
			{"granted by editor", "edit", true},
			{"granted by viewer", "view", true},
			{"false rule", "delete", false},
			{"undefined", "ban", false},
		})
	})

	_, err := auth.OverridePermission(ctx, alex, "edit", false)
	require.NoError(t, err)
	_, err = auth.OverridePermission(ctx, alex, "ban", true)
	require.NoError(t, err)

	t.Run("overrides win", func(t *testing.T) {
		runPermCases(t, auth, alex, []permCase{
			{"false override beats grant", "edit", false},
			{"true override without package", "ban", true},
			{"untouched grant", "publish", true},
		})
	})

	require.NoError(t, auth.RemoveOverride(ctx, alex, "edit"))
	runPermCases(t, auth, alex, []permCase{{"override removed", "edit", true}})

	ok, err := auth.ResetOverrides(ctx, alex)
	require.NoError(t, err)
	assert.True(t, ok)
	runPermCases(t, auth, alex, []permCase{{"overrides reset", "ban", false}})

	require.NoError(t, auth.RemovePackageFromUser(ctx, alex, "editor"))
	runPermCases(t, auth, alex, []permCase{
		{"package removed", "edit", false},
		{"other package kept", "view", true},
	})
}

func TestAddPackageToUser(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	err := auth.AddPackageToUser(ctx, alex, "unknown")
	assert.ErrorIs(t, err, ErrUnknownPackage)

	require.NoError(t, auth.AddPackageToUser(ctx, alex, "editor"))
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "editor"))

	pkgs, err := source.FetchPackagesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, storage.PackageNames(pkgs))
}

func TestUnregisteredStoredPackage(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	// stored directly, bypassing the registry
	require.NoError(t, source.AddPackageToUser(ctx, storagetest.Instance, alex, storage.PackageName("legacy")))

	runPermCases(t, auth, alex, []permCase{{"ignored", "legacy", false}})
	require.NoError(t, auth.RemovePackageFromUser(ctx, alex, "legacy"))
}

func TestCallbacks(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)

	calls := 0
	require.NoError(t, auth.RegisterPackage(NewPackage("self").Callback("rename", func(_ context.Context, user storage.UserRepresentation) bool {
		calls++
		return user.Username() == "Alex"
	})))

	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)
	lucie := storagetest.Representation(t, source, storagetest.Instance, storagetest.Lucie.ID)
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "self"))
	require.NoError(t, auth.AddPackageToUser(ctx, lucie, "self"))

	runPermCases(t, auth, alex, []permCase{{"callback grants", "rename", true}})
	runPermCases(t, auth, lucie, []permCase{{"callback denies", "rename", false}})
	assert.Equal(t, 2, calls)

	// an override short-circuits the callback
	_, err := auth.OverridePermission(ctx, lucie, "rename", true)
	require.NoError(t, err)
	runPermCases(t, auth, lucie, []permCase{{"override", "rename", true}})
	assert.Equal(t, 2, calls)

	p, _ := auth.Package("self")
	require.NoError(t, auth.RegisterPackage(p.Set("rename", false)))
	runPermCases(t, auth, alex, []permCase{{"static rule replaces callback", "rename", false}})
	assert.Equal(t, 2, calls)
}

func TestCan(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "viewer"))

	ok, err := auth.Can(ctx, storagetest.Alex.ID, "view")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = auth.Can(ctx, 42, "view")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
	assert.False(t, ok)

	_, err = auth.Can(ctx, storagetest.Alex.ID, "")
	assert.ErrorIs(t, err, storage.ErrInvalidArgument)
}

func TestLookupUser(t *testing.T) {
	auth, _ := setupAuthorizer(t, 0)

	user, err := auth.LookupUser(context.Background(), "Lucie")
	require.NoError(t, err)
	assert.Equal(t, storagetest.Lucie.ID, user.ID())

	_, err = auth.LookupUser(context.Background(), "lucie")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestUnknownUserMutators(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	ghost := storagetest.StubUser(99)

	require.NoError(t, auth.AddPackageToUser(ctx, ghost, "editor"))
	require.NoError(t, auth.RemovePackageFromUser(ctx, ghost, "editor"))

	ok, err := auth.OverridePermission(ctx, ghost, "edit", true)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = auth.ResetOverrides(ctx, ghost)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, auth.RemoveOverride(ctx, ghost, "edit"))

	perms, err := auth.EffectivePermissions(ctx, ghost)
	require.NoError(t, err)
	assert.Empty(t, perms)

	_, err = source.FetchUserRepresentation(ctx, storagetest.Instance, 99)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
}

func TestEffectivePermissions(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	require.NoError(t, auth.AddPackageToUser(ctx, alex, "editor"))
	_, err := auth.OverridePermission(ctx, alex, "publish", false)
	require.NoError(t, err)
	_, err = auth.OverridePermission(ctx, alex, "ban", true)
	require.NoError(t, err)

	perms, err := auth.EffectivePermissions(ctx, alex)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		"edit":    true,
		"publish": false,
		"delete":  false,
		"ban":     true,
	}, perms)
}

func TestCache(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, time.Hour)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "viewer"))

	before := source.reads.Load()
	for i := 0; i < 3; i++ {
		ok, err := auth.UserCan(ctx, alex, "view")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, before+1, source.reads.Load(), "cached state should be reused")

	// writes made behind the authorizer stay invisible until refresh
	_, err := source.RemovePackageFromUser(ctx, storagetest.Instance, alex, storage.PackageName("viewer"))
	require.NoError(t, err)
	ok, err := auth.UserCan(ctx, alex, "view")
	require.NoError(t, err)
	assert.True(t, ok)

	auth.RefreshUser(alex.ID())
	ok, err = auth.UserCan(ctx, alex, "view")
	require.NoError(t, err)
	assert.False(t, ok)

	// mutators through the authorizer invalidate
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "admin"))
	ok, err = auth.UserCan(ctx, alex, "delete")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheDisabled(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	before := source.reads.Load()
	for i := 0; i < 3; i++ {
		_, err := auth.UserCan(ctx, alex, "view")
		require.NoError(t, err)
	}
	assert.Equal(t, before+3, source.reads.Load())
}

func TestFilePackageSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/packages.yaml", []byte(`packages:
  viewer:
    view: true
  editor:
    edit: true
    delete: false
`), 0644))

	packages, err := NewFilePackageSource(fs, "/etc/packages.yaml").LoadPackages()
	require.NoError(t, err)
	require.Len(t, packages, 2)
	assert.Equal(t, "editor", packages[0].Name())
	assert.Equal(t, map[string]bool{"edit": true, "delete": false}, packages[0].Rules())
	assert.Equal(t, "viewer", packages[1].Name())

	_, err = NewFilePackageSource(fs, "/missing.yaml").LoadPackages()
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("packages: [1, 2"), 0644))
	_, err = NewFilePackageSource(fs, "/bad.yaml").LoadPackages()
	assert.Error(t, err)
}

func TestCache_InvalidatedDuringFetch(t *testing.T) {
	ctx := context.Background()
	source := &blockingSource{
		MemorySource: storage.NewMemorySource(),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	storagetest.Seed(t, source)

	auth, err := NewAuthorizer(source, storagetest.Instance, time.Hour)
	require.NoError(t, err)
	require.NoError(t, auth.RegisterPackage(editorPackage()))
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	source.armed.Store(true)
	done := make(chan bool)
	go func() {
		allowed, err := auth.UserCan(ctx, alex, "edit")
		assert.NoError(t, err)
		done <- allowed
	}()

	// the reader has fetched packages and waits on overrides
	<-source.entered
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "editor"))
	close(source.release)
	<-done

	ok, err := auth.UserCan(ctx, alex, "edit")
	require.NoError(t, err)
	assert.True(t, ok, "state read before the write must not be cached")
}

func TestCache_SweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 20*time.Millisecond)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)
	lucie := storagetest.Representation(t, source, storagetest.Instance, storagetest.Lucie.ID)

	_, err := auth.UserCan(ctx, alex, "view")
	require.NoError(t, err)
	auth.mu.RLock()
	assert.Len(t, auth.cache, 1)
	auth.mu.RUnlock()

	time.Sleep(40 * time.Millisecond)
	_, err = auth.UserCan(ctx, lucie, "view")
	require.NoError(t, err)

	auth.mu.RLock()
	defer auth.mu.RUnlock()
	assert.Len(t, auth.cache, 1)
	assert.Contains(t, auth.cache, lucie.ID())
}

func TestRegisterPackage_KeepsCopy(t *testing.T) {
	ctx := context.Background()
	auth, source := setupAuthorizer(t, 0)
	alex := storagetest.Representation(t, source, storagetest.Instance, storagetest.Alex.ID)

	reviewer := NewPackage("reviewer").Grant("comment")
	require.NoError(t, auth.RegisterPackage(reviewer))
	require.NoError(t, auth.AddPackageToUser(ctx, alex, "reviewer"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			reviewer.Set("comment", false)
			reviewer.Grant(fmt.Sprintf("extra%d", i))
		}
	}()
	for i := 0; i < 100; i++ {
		ok, err := auth.UserCan(ctx, alex, "comment")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	wg.Wait()

	fetched, ok := auth.Package("reviewer")
	require.True(t, ok)
	fetched.Set("comment", false)
	runPermCases(t, auth, alex, []permCase{{"registered copy unchanged", "comment", true}})
}
