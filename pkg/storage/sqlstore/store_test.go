package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/uriencedric/auth/pkg/storage"
	"github.com/uriencedric/auth/pkg/storage/storagetest"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return New(setupTestDB(t))
	})
}

func TestStore_Attributes(t *testing.T) {
	ctx := context.Background()
	store := New(setupTestDB(t))

	require.NoError(t, store.AddUser(ctx, "default", &storage.User{
		ID:         7,
		Username:   "dana",
		Attributes: map[string]string{"team": "ops"},
	}))

	user, err := store.FetchUserByUsername(ctx, "default", "dana")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "ops"}, user.Attributes)

	rep, err := store.FetchUserRepresentation(ctx, "default", 7)
	require.NoError(t, err)
	team, ok := rep.(*storage.Representation).Attribute("team")
	assert.True(t, ok)
	assert.Equal(t, "ops", team)
}

func TestStore_OverrideFalseIsStored(t *testing.T) {
	ctx := context.Background()
	store := New(setupTestDB(t))
	storagetest.Seed(t, store)
	alex := storagetest.Representation(t, store, storagetest.Instance, storagetest.Alex.ID)

	ok, err := store.OverridePermissionForUser(ctx, storagetest.Instance, alex, "edit", false)
	require.NoError(t, err)
	require.True(t, ok)

	var row OverrideModel
	require.NoError(t, store.db.Where("user_id = ? AND permission = ?", alex.ID(), "edit").First(&row).Error)
	assert.False(t, row.Value)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "dsn")
	assert.Error(t, err)
}

func TestStore_CaseSensitiveKeys(t *testing.T) {
	ctx := context.Background()
	store := New(setupTestDB(t))
	storagetest.Seed(t, store)
	alex := storagetest.Representation(t, store, storagetest.Instance, storagetest.Alex.ID)

	_, err := store.FetchUserByUsername(ctx, storagetest.Instance, "alex")
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	require.NoError(t, store.AddPackageToUser(ctx, storagetest.Instance, alex, storage.PackageName("editor")))
	require.NoError(t, store.AddPackageToUser(ctx, storagetest.Instance, alex, storage.PackageName("Editor")))
	pkgs, err := store.FetchPackagesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor", "Editor"}, storage.PackageNames(pkgs))

	_, err = store.OverridePermissionForUser(ctx, storagetest.Instance, alex, "edit", true)
	require.NoError(t, err)
	_, err = store.OverridePermissionForUser(ctx, storagetest.Instance, alex, "Edit", false)
	require.NoError(t, err)
	overrides, err := store.FetchOverridesForUser(ctx, storagetest.Instance, alex)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"edit": true, "Edit": false}, overrides)
}

func TestPrepareMigration(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		db := setupTestDB(t)
		tx, stmts := prepareMigration(db)
		_, ok := tx.Get("gorm:table_options")
		assert.False(t, ok)
		assert.Empty(t, stmts)
	})

	t.Run("mysql uses a binary collation", func(t *testing.T) {
		db, err := gorm.Open(mysql.New(mysql.Config{
			DSN:                       "auth:secret@tcp(127.0.0.1:1)/auth",
			SkipInitializeWithVersion: true,
		}), &gorm.Config{DisableAutomaticPing: true})
		require.NoError(t, err)

		tx, stmts := prepareMigration(db)
		options, ok := tx.Get("gorm:table_options")
		require.True(t, ok)
		assert.Equal(t, "CHARSET=utf8mb4 COLLATE=utf8mb4_bin", options)

		require.Len(t, stmts, 3)
		for i, table := range []string{"auth_users", "auth_user_packages", "auth_user_overrides"} {
			assert.Contains(t, stmts[i], "`"+table+"`")
			assert.Contains(t, stmts[i], "COLLATE utf8mb4_bin")
		}
	})
}
