package storage_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uriencedric/auth/pkg/storage"
)

const fixtureYAML = `users:
  - id: 1
    username: Alex
    email: alex@example.com
    packages: [editor, reader]
    overrides:
      delete-anything: true
  - id: 2
    username: Lucie
    attributes:
      team: ops
`

func TestSeed(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/seed.yaml", []byte(fixtureYAML), 0644))

	fixture, err := storage.LoadFixture(fs, "/seed.yaml")
	require.NoError(t, err)
	require.Len(t, fixture.Users, 2)

	backend := storage.NewMemorySource()
	require.NoError(t, storage.Seed(ctx, backend, "default", fixture))

	alex, err := backend.FetchUserRepresentation(ctx, "default", 1)
	require.NoError(t, err)
	pkgs, err := backend.FetchPackagesForUser(ctx, "default", alex)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor", "reader"}, storage.PackageNames(pkgs))

	overrides, err := backend.FetchOverridesForUser(ctx, "default", alex)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"delete-anything": true}, overrides)

	lucie, err := backend.FetchUserRepresentation(ctx, "default", 2)
	require.NoError(t, err)
	team, ok := lucie.(*storage.Representation).Attribute("team")
	assert.True(t, ok)
	assert.Equal(t, "ops", team)
}

func TestLoadFixture_Missing(t *testing.T) {
	fixture, err := storage.LoadFixture(afero.NewMemMapFs(), "/nope.yaml")
	require.NoError(t, err)
	assert.Empty(t, fixture.Users)
}
