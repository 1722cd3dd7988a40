package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uriencedric/auth/pkg/logging"
)

// Supported values for Open's driver argument
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// appLogWriter forwards gorm's printf-style output to the application logger
type appLogWriter struct{}

func (appLogWriter) Printf(format string, args ...interface{}) {
	logging.App.Debug(fmt.Sprintf(format, args...), "component", "gorm")
}

// Open connects to the database named by driver and dsn
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.New(mysql.Config{
			DSN:                       dsn,
			SkipInitializeWithVersion: true,
		})
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(appLogWriter{}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// mysqlTableOptions makes every string comparison exact. MySQL's default
// utf8mb4 collations fold case, which would merge usernames, package names
// and permissions that differ only in case.
const mysqlTableOptions = "CHARSET=utf8mb4 COLLATE=utf8mb4_bin"

func tableNames() []string {
	return []string{UserModel{}.TableName(), PackageModel{}.TableName(), OverrideModel{}.TableName()}
}

// prepareMigration returns the session AutoMigrate runs in and the statements
// to run afterwards for the connected dialect
func prepareMigration(db *gorm.DB) (*gorm.DB, []string) {
	if db.Dialector.Name() != DriverMySQL {
		return db, nil
	}
	var stmts []string
	for _, table := range tableNames() {
		// tables created before the collation was set are converted in place
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE `%s` CONVERT TO CHARACTER SET utf8mb4 COLLATE utf8mb4_bin", table))
	}
	return db.Set("gorm:table_options", mysqlTableOptions), stmts
}

// Migrate creates or updates the tables used by Store
func Migrate(ctx context.Context, db *gorm.DB) error {
	tx, stmts := prepareMigration(db.WithContext(ctx))
	if err := tx.AutoMigrate(&UserModel{}, &PackageModel{}, &OverrideModel{}); err != nil {
		return fmt.Errorf("failed to migrate auth tables: %w", err)
	}
	for _, stmt := range stmts {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to set auth table collation: %w", err)
		}
	}
	logging.App.Info("Migrated auth tables", "dialect", db.Dialector.Name())
	return nil
}
