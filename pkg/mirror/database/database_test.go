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

package database

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net"
	"testing"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	db, err := Open(Params{Path: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())})
	if err != nil {
		t.Fatal(errors.Wrap(err, "opening database"))
	}
	if err := InitSchema(db); err != nil {
		t.Fatal(errors.Wrap(err, "initializing schema"))
	}

	t.Cleanup(func() { Close(db) })

	return db
}

func TestGetDBLogLevel(t *testing.T) {
	testCases := []struct {
		name     string
		level    string
		expected logger.LogLevel
	}{
		{
			name:     "debug level maps to Info",
			level:    log.LevelDebug,
			expected: logger.Info,
		},
		{
			name:     "info level maps to Silent",
			level:    log.LevelInfo,
			expected: logger.Silent,
		},
		{
			name:     "warn level maps to Warn",
			level:    log.LevelWarn,
			expected: logger.Warn,
		},
		{
			name:     "error level maps to Error",
			level:    log.LevelError,
			expected: logger.Error,
		},
		{
			name:     "unknown level maps to Silent",
			level:    "unknown",
			expected: logger.Silent,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, getDBLogLevel(tc.level), tc.expected, "log level mismatch")
		})
	}
}

func TestSystem(t *testing.T) {
	db := openTestDB(t)

	_, err := GetSystem(db, "watermark_events")
	assert.Equal(t, err, ErrSystemNotFound, "missing key error mismatch")

	assert.NoError(t, UpsertSystem(db, "watermark_events", "2024-06-01T00:00:00Z"), "inserting")
	assert.NoError(t, UpsertSystem(db, "watermark_events", "2024-06-02T10:00:00Z"), "updating")

	got, err := GetSystem(db, "watermark_events")
	assert.NoError(t, err, "reading")
	assert.Equal(t, got, "2024-06-02T10:00:00Z", "value mismatch")

	var count int64
	assert.NoError(t, db.Model(&System{}).Count(&count).Error, "counting")
	assert.Equal(t, count, int64(1), "row count mismatch")

	assert.NoError(t, DeleteSystem(db, "watermark_events"), "deleting")
	_, err = GetSystem(db, "watermark_events")
	assert.Equal(t, err, ErrSystemNotFound, "deleted key error mismatch")
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Params{Driver: "oracle"})
	assert.NotEqual(t, err, nil, "unknown driver should be rejected")
}

func TestIsTransientWriteError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil",
			err:      nil,
			expected: false,
		},
		{
			name:     "busy",
			err:      errors.Wrap(sqlite3.Error{Code: sqlite3.ErrBusy}, "upserting"),
			expected: true,
		},
		{
			name:     "locked",
			err:      sqlite3.Error{Code: sqlite3.ErrLocked},
			expected: true,
		},
		{
			name:     "constraint",
			err:      sqlite3.Error{Code: sqlite3.ErrConstraint},
			expected: false,
		},
		{
			name:     "missing table",
			err:      errors.Wrap(sqlite3.Error{Code: sqlite3.ErrError}, "upserting"),
			expected: false,
		},
		{
			name:     "deadline",
			err:      errors.Wrap(context.DeadlineExceeded, "upserting"),
			expected: true,
		},
		{
			name:     "bad connection",
			err:      driver.ErrBadConn,
			expected: true,
		},
		{
			name:     "network",
			err:      errors.Wrap(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, "upserting"),
			expected: true,
		},
		{
			name:     "postgres serialization failure",
			err:      &pgconn.PgError{Code: "40001"},
			expected: true,
		},
		{
			name:     "postgres admin shutdown",
			err:      errors.Wrap(&pgconn.PgError{Code: "57P01"}, "upserting"),
			expected: true,
		},
		{
			name:     "postgres not null violation",
			err:      &pgconn.PgError{Code: "23502"},
			expected: false,
		},
		{
			name:     "postgres undefined column",
			err:      &pgconn.PgError{Code: "42703"},
			expected: false,
		},
		{
			name:     "other",
			err:      errors.New("unmappable value"),
			expected: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, IsTransientWriteError(tc.err), tc.expected, "classification mismatch")
		})
	}
}

func TestKinds(t *testing.T) {
	assert.Equal(t, IsKnownKind(KindEvents), true, "events should be known")
	assert.Equal(t, IsKnownKind("invoices"), false, "invoices should be unknown")
	assert.Equal(t, IsMutableKind(KindActivities), true, "activities should be mutable")
	assert.Equal(t, IsMutableKind(KindAccounts), false, "accounts should not be mutable")
}
