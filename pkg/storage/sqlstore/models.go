package sqlstore

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/uriencedric/auth/pkg/storage"
)

// UserModel is a user row, keyed by instance and id
type UserModel struct {
	Instance     string         `gorm:"primaryKey;size:64;uniqueIndex:idx_auth_users_instance_username,priority:1"`
	ID           int64          `gorm:"primaryKey;autoIncrement:false"`
	Username     string         `gorm:"size:191;not null;uniqueIndex:idx_auth_users_instance_username,priority:2"`
	Email        string         `gorm:"size:255"`
	PasswordHash string         `gorm:"size:255"`
	Attributes   datatypes.JSON `gorm:"type:json"`
}

// TableName returns the database table name for UserModel
func (UserModel) TableName() string {
	return "auth_users"
}

// PackageModel assigns a package to a user. Position keeps assignment order.
type PackageModel struct {
	Instance string `gorm:"primaryKey;size:64"`
	UserID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Name     string `gorm:"primaryKey;size:191"`
	Position int64  `gorm:"not null;default:0"`
}

// TableName returns the database table name for PackageModel
func (PackageModel) TableName() string {
	return "auth_user_packages"
}

// OverrideModel is a single per-user permission override
type OverrideModel struct {
	Instance   string `gorm:"primaryKey;size:64"`
	UserID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Permission string `gorm:"primaryKey;size:191"`
	Value      bool   `gorm:"not null"`
}

// TableName returns the database table name for OverrideModel
func (OverrideModel) TableName() string {
	return "auth_user_overrides"
}

func toUserModel(instance string, u *storage.User) (*UserModel, error) {
	m := &UserModel{
		Instance:     instance,
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
	}
	if len(u.Attributes) > 0 {
		raw, err := json.Marshal(u.Attributes)
		if err != nil {
			return nil, err
		}
		m.Attributes = datatypes.JSON(raw)
	}
	return m, nil
}

func (m *UserModel) toUser() (*storage.User, error) {
	u := &storage.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
	}
	if len(m.Attributes) > 0 {
		if err := json.Unmarshal(m.Attributes, &u.Attributes); err != nil {
			return nil, err
		}
	}
	return u, nil
}
