// Package redisstore implements storage.Backend on Redis.
//
// Keys live under <prefix><instance>: and are
//
//	user:<id>       hash of the user record
//	username:<name> user id
//	packages:<id>   list of package names in assignment order
//	overrides:<id>  hash of permission to "1" or "0"
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/uriencedric/auth/pkg/logging"
	"github.com/uriencedric/auth/pkg/storage"
)

// DefaultPrefix is used when New is given an empty prefix
const DefaultPrefix = "auth:"

// maxWatchRetries bounds how often a transaction is replayed after a
// watched key changed under it
const maxWatchRetries = 100

var _ storage.Backend = (*Store)(nil)

// Store is a storage.Backend persisting to Redis
type Store struct {
	client redis.UniversalClient
	prefix string
}

// New creates a Store. Keys are namespaced with prefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// NewClient creates a Redis client and checks the connection
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *Store) checkInstance(instance string) error {
	if err := storage.ValidateInstance(instance); err != nil {
		return err
	}
	if strings.Contains(instance, ":") {
		return fmt.Errorf("%w: instance name %q must not contain ':'", storage.ErrInvalidArgument, instance)
	}
	return nil
}

func (s *Store) userKey(instance string, id int64) string {
	return fmt.Sprintf("%s%s:user:%d", s.prefix, instance, id)
}

func (s *Store) usernameKey(instance, username string) string {
	return fmt.Sprintf("%s%s:username:%s", s.prefix, instance, username)
}

func (s *Store) packagesKey(instance string, id int64) string {
	return fmt.Sprintf("%s%s:packages:%d", s.prefix, instance, id)
}

func (s *Store) overridesKey(instance string, id int64) string {
	return fmt.Sprintf("%s%s:overrides:%d", s.prefix, instance, id)
}

func encodeUser(u *storage.User) (map[string]interface{}, error) {
	attrs := "{}"
	if len(u.Attributes) > 0 {
		raw, err := json.Marshal(u.Attributes)
		if err != nil {
			return nil, err
		}
		attrs = string(raw)
	}
	return map[string]interface{}{
		"id":            u.ID,
		"username":      u.Username,
		"email":         u.Email,
		"password_hash": u.PasswordHash,
		"attributes":    attrs,
	}, nil
}

func decodeUser(fields map[string]string) (*storage.User, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", fields["id"], err)
	}
	u := &storage.User{
		ID:           id,
		Username:     fields["username"],
		Email:        fields["email"],
		PasswordHash: fields["password_hash"],
	}
	if raw := fields["attributes"]; raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &u.Attributes); err != nil {
			return nil, fmt.Errorf("invalid user attributes: %w", err)
		}
	}
	return u, nil
}

func (s *Store) loadUser(ctx context.Context, instance string, id int64) (*storage.User, error) {
	fields, err := s.client.HGetAll(ctx, s.userKey(instance, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrUserNotFound
	}
	return decodeUser(fields)
}

// watch runs fn as an optimistic transaction over keys, replaying it while
// a concurrent writer invalidates the watch
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// whenUserExists runs write inside MULTI/EXEC while watching the user key,
// so the write is dropped if the user disappears meanwhile. It reports
// whether the user existed.
func (s *Store) whenUserExists(ctx context.Context, instance string, id int64, write func(pipe redis.Pipeliner) error) (bool, error) {
	userKey := s.userKey(instance, id)
	known := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, userKey).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		known = true
		_, err = tx.TxPipelined(ctx, write)
		return err
	}, userKey)
	if err != nil {
		return false, err
	}
	return known, nil
}

// AddUser implements storage.UserSeeder
func (s *Store) AddUser(ctx context.Context, instance string, user *storage.User) error {
	if err := storage.ValidateSeed(instance, user); err != nil {
		return err
	}
	if err := s.checkInstance(instance); err != nil {
		return err
	}
	fields, err := encodeUser(user)
	if err != nil {
		return fmt.Errorf("failed to encode user %d: %w", user.ID, err)
	}

	userKey := s.userKey(instance, user.ID)
	nameKey := s.usernameKey(instance, user.Username)
	err = s.watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, nameKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && holder != strconv.FormatInt(user.ID, 10) {
			return storage.ErrDuplicateUsername
		}
		previous, err := tx.HGet(ctx, userKey, "username").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != "" && previous != user.Username {
				pipe.Del(ctx, s.usernameKey(instance, previous))
			}
			pipe.Del(ctx, userKey)
			pipe.HSet(ctx, userKey, fields)
			pipe.Set(ctx, nameKey, user.ID, 0)
			return nil
		})
		return err
	}, userKey, nameKey)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateUsername) {
			return err
		}
		return fmt.Errorf("failed to save user %d: %w", user.ID, err)
	}

	logging.App.Debug("Seeded user", "instance", instance, "user_id", user.ID)
	return nil
}

// RemoveUser implements storage.UserSeeder
func (s *Store) RemoveUser(ctx context.Context, instance string, userID int64) error {
	if err := s.checkInstance(instance); err != nil {
		return err
	}
	userKey := s.userKey(instance, userID)
	username, err := s.client.HGet(ctx, userKey, "username").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", userID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, userKey, s.packagesKey(instance, userID), s.overridesKey(instance, userID), s.usernameKey(instance, username))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete user %d: %w", userID, err)
	}
	return nil
}

// FetchUserByUsername implements storage.Delegate
func (s *Store) FetchUserByUsername(ctx context.Context, instance, username string) (*storage.User, error) {
	if err := s.checkInstance(instance); err != nil {
		return nil, err
	}
	id, err := s.client.Get(ctx, s.usernameKey(instance, username)).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username %s: %w", username, err)
	}
	return s.loadUser(ctx, instance, id)
}

// FetchUserRepresentation implements storage.Delegate
func (s *Store) FetchUserRepresentation(ctx context.Context, instance string, userID int64) (storage.UserRepresentation, error) {
	if err := s.checkInstance(instance); err != nil {
		return nil, err
	}
	user, err := s.loadUser(ctx, instance, userID)
	if err != nil {
		return nil, err
	}
	return storage.NewUserRepresentation(user), nil
}

func (s *Store) packageNames(ctx context.Context, instance string, userID int64) ([]string, error) {
	names, err := s.client.LRange(ctx, s.packagesKey(instance, userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get packages for user %d: %w", userID, err)
	}
	return names, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// AddPackageToUser implements storage.Delegate
func (s *Store) AddPackageToUser(ctx context.Context, instance string, user storage.UserRepresentation, pkg storage.Package) error {
	if err := storage.ValidatePackage(instance, user, pkg); err != nil {
		return err
	}
	if err := s.checkInstance(instance); err != nil {
		return err
	}
	userKey := s.userKey(instance, user.ID())
	key := s.packagesKey(instance, user.ID())

	err := s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, userKey).Result()
		if err != nil || n == 0 {
			return err
		}
		names, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}
		if contains(names, pkg.Name()) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, pkg.Name())
			return nil
		})
		return err
	}, userKey, key)
	if err != nil {
		return fmt.Errorf("failed to add package %s to user %d: %w", pkg.Name(), user.ID(), err)
	}
	return nil
}

// RemovePackageFromUser implements storage.Delegate
func (s *Store) RemovePackageFromUser(ctx context.Context, instance string, user storage.UserRepresentation, pkg storage.Package) (bool, error) {
	if err := storage.ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}
	if err := s.checkInstance(instance); err != nil {
		return false, err
	}
	if err := s.client.LRem(ctx, s.packagesKey(instance, user.ID()), 0, pkg.Name()).Err(); err != nil {
		return false, fmt.Errorf("failed to remove package %s from user %d: %w", pkg.Name(), user.ID(), err)
	}
	return true, nil
}

// FetchPackagesForUser implements storage.Delegate
func (s *Store) FetchPackagesForUser(ctx context.Context, instance string, user storage.UserRepresentation) ([]storage.Package, error) {
	if err := storage.ValidateUser(instance, user); err != nil {
		return nil, err
	}
	if err := s.checkInstance(instance); err != nil {
		return nil, err
	}
	names, err := s.packageNames(ctx, instance, user.ID())
	if err != nil {
		return nil, err
	}
	return storage.PackagesFromNames(names), nil
}

// UserHasPackage implements storage.Delegate
func (s *Store) UserHasPackage(ctx context.Context, instance string, user storage.UserRepresentation, pkg storage.Package) (bool, error) {
	if err := storage.ValidatePackage(instance, user, pkg); err != nil {
		return false, err
	}
	if err := s.checkInstance(instance); err != nil {
		return false, err
	}
	names, err := s.packageNames(ctx, instance, user.ID())
	if err != nil {
		return false, err
	}
	return contains(names, pkg.Name()), nil
}

// OverridePermissionForUser implements storage.Delegate
func (s *Store) OverridePermissionForUser(ctx context.Context, instance string, user storage.UserRepresentation, permission string, value bool) (bool, error) {
	if err := storage.ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}
	if err := s.checkInstance(instance); err != nil {
		return false, err
	}
	encoded := "0"
	if value {
		encoded = "1"
	}
	known, err := s.whenUserExists(ctx, instance, user.ID(), func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.overridesKey(instance, user.ID()), permission, encoded)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to override %s for user %d: %w", permission, user.ID(), err)
	}
	return known, nil
}

// FetchOverridesForUser implements storage.Delegate
func (s *Store) FetchOverridesForUser(ctx context.Context, instance string, user storage.UserRepresentation) (map[string]bool, error) {
	if err := storage.ValidateUser(instance, user); err != nil {
		return nil, err
	}
	if err := s.checkInstance(instance); err != nil {
		return nil, err
	}
	raw, err := s.client.HGetAll(ctx, s.overridesKey(instance, user.ID())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get overrides for user %d: %w", user.ID(), err)
	}
	overrides := make(map[string]bool, len(raw))
	for perm, v := range raw {
		overrides[perm] = v == "1"
	}
	return overrides, nil
}

// RemoveOverrideForUser implements storage.Delegate
func (s *Store) RemoveOverrideForUser(ctx context.Context, instance string, user storage.UserRepresentation, permission string) (bool, error) {
	if err := storage.ValidatePermission(instance, user, permission); err != nil {
		return false, err
	}
	if err := s.checkInstance(instance); err != nil {
		return false, err
	}
	if err := s.client.HDel(ctx, s.overridesKey(instance, user.ID()), permission).Err(); err != nil {
		return false, fmt.Errorf("failed to remove override %s for user %d: %w", permission, user.ID(), err)
	}
	return true, nil
}

// ResetOverridesForUser implements storage.Delegate
func (s *Store) ResetOverridesForUser(ctx context.Context, instance string, user storage.UserRepresentation) (bool, error) {
	if err := storage.ValidateUser(instance, user); err != nil {
		return false, err
	}
	if err := s.checkInstance(instance); err != nil {
		return false, err
	}
	known, err := s.whenUserExists(ctx, instance, user.ID(), func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.overridesKey(instance, user.ID()))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to reset overrides for user %d: %w", user.ID(), err)
	}
	return known, nil
}
