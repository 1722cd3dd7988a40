package storage_test

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uriencedric/auth/pkg/storage"
	"github.com/uriencedric/auth/pkg/storage/storagetest"
)

func TestFileSource(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return storage.NewFileSource(afero.NewMemMapFs(), "/var/lib/auth")
	})
}

func TestFileSource_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	first := storage.NewFileSource(fs, "/data")
	storagetest.Seed(t, first)
	alex := storagetest.Representation(t, first, storagetest.Instance, storagetest.Alex.ID)
	require.NoError(t, first.AddPackageToUser(ctx, storagetest.Instance, alex, storage.PackageName("editor")))
	_, err := first.OverridePermissionForUser(ctx, storagetest.Instance, alex, "edit", false)
	require.NoError(t, err)

	exists, err := afero.Exists(fs, "/data/default.yaml")
	require.NoError(t, err)
	assert.True(t, exists)
	tmpExists, err := afero.Exists(fs, "/data/default.yaml.tmp")
	require.NoError(t, err)
	assert.False(t, tmpExists, "temporary document is renamed into place")

	second := storage.NewFileSource(fs, "/data")
	pkgs, err := second.FetchPackagesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, storage.PackageNames(pkgs))

	overrides, err := second.FetchOverridesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"edit": false}, overrides)
}

func TestFileSource_RejectsPathInstances(t *testing.T) {
	source := storage.NewFileSource(afero.NewMemMapFs(), "/data")

	for _, instance := range []string{"../etc", "a/b", `a\b`, ".."} {
		_, err := source.FetchUserByUsername(context.Background(), instance, "Alex")
		assert.ErrorIs(t, err, storage.ErrInvalidArgument, instance)
	}
}

func TestFileSource_CorruptDocument(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/default.yaml", []byte("users: [unterminated"), 0644))

	source := storage.NewFileSource(fs, "/data")
	_, err := source.FetchUserByUsername(context.Background(), "default", "Alex")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrUserNotFound)
}
