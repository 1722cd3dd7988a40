// Package sqlstore implements storage.Backend on top of gorm.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/uriencedric/auth/pkg/logging"
	"github.com/uriencedric/auth/pkg/storage"
)

var _ storage.Backend = (*Store)(nil)

// Store is a storage.Backend persisting to a relational database
type Store struct {
	db *gorm.DB
}

// New creates a Store. Call Migrate before first use.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying connection
func (s *Store) DB() *gorm.DB {
	return s.db
}

func userExists(tx *gorm.DB, instance string, userID int64) (bool, error) {
	var n int64
	err := tx.Model(&UserModel{}).Where("instance = ? AND id = ?", instance, userID).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	return n > 0, nil
}

// AddUser implements storage.UserSeeder
func (s *Store) AddUser(ctx context.Context, instance string, user *storage.User) error {
	if err := storage.ValidateSeed(instance, user); err != nil {
		return err
	}
	model, err := toUserModel(instance, user)
	if err != nil {
		return fmt.Errorf("failed to encode user attributes: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&UserModel{}).
			Where("instance = ? AND username = ? AND id <> ?", instance, user.Username, user.ID).
			Count(&n).Error
		if err != nil {
			return fmt.Errorf("failed to check username %s: %w", user.Username, err)
		}
		if n > 0 {
			return storage.ErrDuplicateUsername
		}

		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error; err != nil {
			return fmt.Errorf("failed to save user %d: %w", user.ID, err)
		}
		logging.App.Debug("Seeded user", "instance", instance, "user_id", user.ID)
		return nil
	})
}

// RemoveUser implements storage.UserSeeder
func (s *Store) RemoveUser(ctx context.Context, instance string, userID int64) error {
	if err := storage.ValidateInstance(instance); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&OverrideModel{}, &PackageModel{}} {
			if err := tx.Where("instance = ? AND user_id = ?", instance, userID).Delete(model).Error; err != nil {
				return fmt.Errorf("failed to delete user %d data: %w", userID, err)
			}
		}
		if err := tx.Where("instance = ? AND id = ?", instance, userID).Delete(&UserModel{}).Error; err != nil {
			return fmt.Errorf("failed to delete user %d: %w", userID, err)
		}
		return nil
	})
}

// FetchUserByUsername implements storage.Delegate
func (s *Store) FetchUserByUsername(ctx context.Context, instance, username string) (*storage.User, error) {
	if err := storage.ValidateInstance(instance); err != nil {
		return nil, err
	}
	var model UserModel
	err := s.db.WithContext(ctx).Where("instance = ? AND username = ?", instance, username).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username %s: %w", username, err)
	}
	user, err := model.toUser()
	if err != nil {
		return nil, fmt.Errorf("failed to decode user %d: %w", model.ID, err)
	}
	return user, nil
}

// FetchUserRepresentation implements storage.Delegate
func (s *Store) FetchUserRepresentation(ctx context.Context, instance string, userID int64) (storage.UserRepresentation, error) {
	if err := storage.ValidateInstance(instance); err != nil {
		return nil, err
	}
	var model UserModel
	err := s.db.WithContext(ctx).Where("instance = ? AND id = ?", instance, userID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by id %d: %w", userID, err)
	}
	user, err := model.toUser()
	if err != nil {
		return nil, fmt.Errorf("failed to decode user %d: %w", userID, err)
	}
	return storage.NewUserRepresentation(user), nil
}

// AddPackageToUser implements storage.Delegate
func (s *Store) AddPackageToUser(ctx context.Context, instance string, user storage.UserRepresentation, pkg storage.Package) error {
	if err := storage.ValidatePackage(instance, user, pkg); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := userExists(tx, instance, user.ID())
		if err != nil || !exists {
			return err
		}

		var last sql.NullInt64
		err = tx.Model(&PackageModel{}).
			Where("instance = ? AND user_id = ?", instance, user.ID()).
			Select("MAX(position)").
			Scan(&last).Error
		if err != nil {
			return fmt.Errorf("failed to read package order for user %d: %w", user.ID(), err)
		}

		row := &PackageModel{
			Instance: instance,
			UserID:   user.ID(),
			Name:     pkg.Name(),
			Position: last.Int64 + 1,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
			return fmt.Errorf("failed to add package %s to user %d: %w", pkg.Name(), user.ID(), err)
		}
		return nil
	})
}

// RemovePackageFromUser implements storage.Delegate
func (s *Store) RemovePackageFromUser(ctx context.Context, instance string, user storage.UserRepresentation, pkg storage.Package) (bool, error) {
	if err := storage.ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}
	err := s.db.WithContext(ctx).
		Where("instance = ? AND user_id = ? AND name = ?", instance, user.ID(), pkg.Name()).
		Delete(&PackageModel{}).Error
	if err != nil {
		return false, fmt.Errorf("failed to remove package %s from user %d: %w", pkg.Name(), user.ID(), err)
	}
	return true, nil
}

// FetchPackagesForUser implements storage.Delegate
func (s *Store) FetchPackagesForUser(ctx context.Context, instance string, user storage.UserRepresentation) ([]storage.Package, error) {
	if err := storage.ValidateUser(instance, user); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.WithContext(ctx).Model(&PackageModel{}).
		Where("instance = ? AND user_id = ?", instance, user.ID()).
		Order("position").
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get packages for user %d: %w", user.ID(), err)
	}
	return storage.PackagesFromNames(names), nil
}

// UserHasPackage implements storage.Delegate
func (s *Store) UserHasPackage(ctx context.Context, instance string, user storage.UserRepresentation, pkg storage.Package) (bool, error) {
	if err := storage.ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&PackageModel{}).
		Where("instance = ? AND user_id = ? AND name = ?", instance, user.ID(), pkg.Name()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check package %s for user %d: %w", pkg.Name(), user.ID(), err)
	}
	return n > 0, nil
}

// OverridePermissionForUser implements storage.Delegate
func (s *Store) OverridePermissionForUser(ctx context.Context, instance string, user storage.UserRepresentation, permission string, value bool) (bool, error) {
	if err := storage.ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}
	known := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := userExists(tx, instance, user.ID())
		if err != nil || !exists {
			return err
		}
		known = true

		row := &OverrideModel{
			Instance:   instance,
			UserID:     user.ID(),
			Permission: permission,
			Value:      value,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "instance"}, {Name: "user_id"}, {Name: "permission"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("failed to override %s for user %d: %w", permission, user.ID(), err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return known, nil
}

// FetchOverridesForUser implements storage.Delegate
func (s *Store) FetchOverridesForUser(ctx context.Context, instance string, user storage.UserRepresentation) (map[string]bool, error) {
	if err := storage.ValidateUser(instance, user); err != nil {
		return nil, err
	}
	var rows []OverrideModel
	err := s.db.WithContext(ctx).
		Where("instance = ? AND user_id = ?", instance, user.ID()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get overrides for user %d: %w", user.ID(), err)
	}

	overrides := make(map[string]bool, len(rows))
	for _, row := range rows {
		overrides[row.Permission] = row.Value
	}
	return overrides, nil
}

// RemoveOverrideForUser implements storage.Delegate
func (s *Store) RemoveOverrideForUser(ctx context.Context, instance string, user storage.UserRepresentation, permission string) (bool, error) {
	if err := storage.ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}
	err := s.db.WithContext(ctx).
		Where("instance = ? AND user_id = ? AND permission = ?", instance, user.ID(), permission).
		Delete(&OverrideModel{}).Error
	if err != nil {
		return false, fmt.Errorf("failed to remove override %s for user %d: %w", permission, user.ID(), err)
	}
	return true, nil
}

// ResetOverridesForUser implements storage.Delegate
func (s *Store) ResetOverridesForUser(ctx context.Context, instance string, user storage.UserRepresentation) (bool, error) {
	if err := storage.ValidateUser(instance, user); err != nil {
		return false, err
	}
	known := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := userExists(tx, instance, user.ID())
		if err != nil || !exists {
			return err
		}
		known = true
		if err := tx.Where("instance = ? AND user_id = ?", instance, user.ID()).Delete(&OverrideModel{}).Error; err != nil {
			return fmt.Errorf("failed to reset overrides for user %d: %w", user.ID(), err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return known, nil
}
