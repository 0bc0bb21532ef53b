/* Copyright 2025 Dnote Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package database defines the local store schema and its connection
package database

import (
	"context"
	"database/sql/driver"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	// DriverSQLite stores the mirror in a SQLite file
	DriverSQLite = "sqlite"
	// DriverPostgres stores the mirror in a PostgreSQL database
	DriverPostgres = "postgres"
)

// Params are the parameters for opening the local store
type Params struct {
	Driver string
	// Path is the SQLite database path or URI
	Path string
	// DSN is the PostgreSQL connection string
	DSN      string
	LogLevel string
}

// InitSchema migrates database schema to reflect the latest model definition
func InitSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&System{},
		&Account{},
		&Resource{},
		&Event{},
		&Activity{},
		&Measurement{},
		&BackfillWindow{},
		&BackfillItem{},
	); err != nil {
		return errors.Wrap(err, "migrating schema")
	}

	return nil
}

// getDBLogLevel converts application log level to GORM log level
func getDBLogLevel(level string) logger.LogLevel {
	switch level {
	case log.LevelDebug:
		return logger.Info
	case log.LevelInfo:
		return logger.Silent
	case log.LevelWarn:
		return logger.Warn
	case log.LevelError:
		return logger.Error
	default:
		return logger.Silent
	}
}

func sqliteDSN(path string) (string, error) {
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating database directory at %s", dir)
	}

	return path + "?_busy_timeout=5000&_journal_mode=WAL", nil
}

// Open initializes the database connection
func Open(p Params) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch p.Driver {
	case "", DriverSQLite:
		dsn, err := sqliteDSN(p.Path)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(p.DSN)
	default:
		return nil, errors.Errorf("unsupported database driver '%s'", p.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(getDBLogLevel(p.LogLevel)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening database connection")
	}

	if p.Driver != DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "getting underlying connection")
		}
		// a single writer connection keeps SQLite from reporting busy under our own writes
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "getting underlying connection")
	}

	return sqlDB.Close()
}

// IsTransientWriteError tells if a local write failed for a reason that may
// succeed when attempted again, such as a locked SQLite database or a dropped
// PostgreSQL connection. Any other failure repeats for the same row.
func IsTransientWriteError(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientSQLState(pgErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isTransientSQLState tells if a PostgreSQL error class is worth retrying:
// connection exceptions, transaction rollbacks, insufficient resources and
// operator intervention
func isTransientSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}

	switch code[:2] {
	case "08", "40", "53", "57":
		return true
	default:
		return false
	}
}
