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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/pkg/errors"
)

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(errors.Wrap(err, "writing file"))
	}

	return path
}

func validConfig() Config {
	return Config{
		APIEndpoint:     "https://api.example.com/graphql",
		Timezone:        "America/Montreal",
		NaiveTimestamps: timezone.NaiveUTC,
		DBDriver:        database.DriverSQLite,
		DBPath:          "mirror.db",
		PushMaxAttempts: 3,
		PushBaseDelay:   time.Second,
		PushMaxDelay:    time.Minute,
		BackfillWindow:  "year",
		Kinds:           []Kind{{Name: database.KindAccounts}, {Name: database.KindEvents, CreateMutation: "eventCreate"}},
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		mutate      func(c *Config)
		expectedErr error
	}{
		{
			mutate:      func(c *Config) {},
			expectedErr: nil,
		},
		{
			mutate:      func(c *Config) { c.APIEndpoint = "" },
			expectedErr: ErrAPIEndpointInvalid,
		},
		{
			mutate:      func(c *Config) { c.APIEndpoint = "api.example.com" },
			expectedErr: ErrAPIEndpointInvalid,
		},
		{
			mutate:      func(c *Config) { c.TokenURL = "not a url" },
			expectedErr: ErrTokenURLInvalid,
		},
		{
			mutate:      func(c *Config) { c.Timezone = "Atlantis/Central" },
			expectedErr: ErrTimezoneInvalid,
		},
		{
			mutate:      func(c *Config) { c.NaiveTimestamps = "guess" },
			expectedErr: ErrNaiveTimestampsInvalid,
		},
		{
			mutate:      func(c *Config) { c.DBPath = "" },
			expectedErr: ErrDBMissingPath,
		},
		{
			mutate:      func(c *Config) { c.DBDriver = database.DriverPostgres },
			expectedErr: ErrDBMissingDSN,
		},
		{
			mutate:      func(c *Config) { c.DBDriver = "mysql" },
			expectedErr: ErrDBDriverInvalid,
		},
		{
			mutate:      func(c *Config) { c.PushMaxAttempts = 0 },
			expectedErr: ErrPushPolicyInvalid,
		},
		{
			mutate:      func(c *Config) { c.PushMaxDelay = time.Millisecond },
			expectedErr: ErrPushPolicyInvalid,
		},
		{
			mutate:      func(c *Config) { c.BackfillWindow = "week" },
			expectedErr: ErrBackfillInvalid,
		},
		{
			mutate:      func(c *Config) { c.Kinds = []Kind{{Name: "invoices"}} },
			expectedErr: ErrKindUnknown,
		},
		{
			mutate:      func(c *Config) { c.Kinds = []Kind{{Name: database.KindEvents}, {Name: database.KindAccounts}} },
			expectedErr: ErrKindsOrder,
		},
		{
			mutate:      func(c *Config) { c.Kinds = []Kind{{Name: database.KindEvents}, {Name: database.KindEvents}} },
			expectedErr: ErrKindsOrder,
		},
		{
			mutate:      func(c *Config) { c.Kinds = []Kind{{Name: database.KindAccounts, UpdateMutation: "accountUpdate"}} },
			expectedErr: ErrMutationNotAllowed,
		},
	}

	for idx, tc := range testCases {
		t.Run(fmt.Sprintf("test case %d", idx), func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)

			err := validate(c)

			assert.Equal(t, errors.Cause(err), tc.expectedErr, "error mismatch")
		})
	}
}

func TestNewDefaults(t *testing.T) {
	path := writeFile(t, "mirrorrc", "apiEndpoint: https://api.example.com/graphql\n")

	c, err := New(Params{ConfigPath: path, DBPath: "/tmp/mirror-test.db"})
	assert.NoError(t, err, "loading config")

	assert.Equal(t, c.Timezone, "UTC", "timezone mismatch")
	assert.Equal(t, c.NaiveTimestamps, timezone.NaiveUTC, "naive policy mismatch")
	assert.Equal(t, c.Margin, 6*time.Hour, "margin mismatch")
	assert.Equal(t, c.PushMaxAttempts, 3, "max attempts mismatch")
	assert.Equal(t, c.PushBaseDelay, time.Second, "base delay mismatch")
	assert.Equal(t, c.DBDriver, database.DriverSQLite, "driver mismatch")
	assert.Equal(t, c.DBPath, "/tmp/mirror-test.db", "flag should win")
	assert.Equal(t, c.BackfillStart, time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC), "backfill start mismatch")
	assert.Equal(t, c.Schedule, "@every 15m", "schedule mismatch")
	assert.DeepEqual(t, c.KindNames(), database.Kinds, "default kinds mismatch")
}

func TestNewYAML(t *testing.T) {
	path := writeFile(t, "mirror.yml", `
apiEndpoint: https://api.example.com/graphql
tokenURL: https://api.example.com/oauth/token
timezone: America/Montreal
naiveTimestamps: local
margin: 3h
push:
  maxAttempts: 5
  baseDelay: 2s
  maxDelay: 30s
backfill:
  start: "2020-03-01"
  window: month
db:
  path: /var/lib/mirror/mirror.db
kinds:
  - name: accounts
    collection: clients
  - name: events
    collection: jobs
    fields: [title, status, startAt]
    pageSize: 50
    mutation:
      create: jobCreate
      update: jobUpdate
`)

	c, err := New(Params{ConfigPath: path})
	assert.NoError(t, err, "loading config")

	assert.Equal(t, c.TokenURL, "https://api.example.com/oauth/token", "token url mismatch")
	assert.Equal(t, c.NaiveTimestamps, timezone.NaiveLocal, "naive policy mismatch")
	assert.Equal(t, c.Margin, 3*time.Hour, "margin mismatch")
	assert.Equal(t, c.PushMaxAttempts, 5, "max attempts mismatch")
	assert.Equal(t, c.PushMaxDelay, 30*time.Second, "max delay mismatch")
	assert.Equal(t, c.BackfillWindow, "month", "window mismatch")
	assert.Equal(t, c.BackfillStart.UTC(), time.Date(2020, time.March, 1, 5, 0, 0, 0, time.UTC), "backfill start should be local midnight")
	assert.Equal(t, c.DBPath, "/var/lib/mirror/mirror.db", "db path mismatch")

	assert.Equalf(t, len(c.Kinds), 2, "kind count mismatch")
	assert.Equal(t, c.Kinds[0].Collection, "clients", "collection mismatch")
	assert.DeepEqual(t, c.Kinds[1], Kind{
		Name:           "events",
		Collection:     "jobs",
		Fields:         []string{"title", "status", "startAt"},
		PageSize:       50,
		CreateMutation: "jobCreate",
		UpdateMutation: "jobUpdate",
	}, "events kind mismatch")
}

func TestNewTOML(t *testing.T) {
	path := writeFile(t, "mirror.toml", `
apiEndpoint = "https://api.example.com/graphql"
timezone = "Europe/Paris"

[db]
driver = "postgres"
dsn = "host=localhost dbname=mirror"

[[kinds]]
name = "activities"
collection = "logs"

[kinds.mutation]
create = "logCreate"
`)

	c, err := New(Params{ConfigPath: path})
	assert.NoError(t, err, "loading config")

	assert.Equal(t, c.Timezone, "Europe/Paris", "timezone mismatch")
	assert.Equal(t, c.DBDriver, database.DriverPostgres, "driver mismatch")
	assert.Equal(t, c.DBDSN, "host=localhost dbname=mirror", "dsn mismatch")
	assert.Equalf(t, len(c.Kinds), 1, "kind count mismatch")
	assert.Equal(t, c.Kinds[0].CreateMutation, "logCreate", "mutation mismatch")
}

func TestEnvPrecedence(t *testing.T) {
	path := writeFile(t, "mirrorrc", "apiEndpoint: https://file.example.com/graphql\nlogLevel: warn\n")

	t.Setenv("MIRROR_API_ENDPOINT", "https://env.example.com/graphql")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MIRROR_MARGIN", "90m")

	c, err := New(Params{ConfigPath: path, LogLevel: "error"})
	assert.NoError(t, err, "loading config")

	assert.Equal(t, c.APIEndpoint, "https://env.example.com/graphql", "environment should override the file")
	assert.Equal(t, c.LogLevel, "error", "flag should override the environment")
	assert.Equal(t, c.Margin, 90*time.Minute, "margin mismatch")
}

func TestEnvFile(t *testing.T) {
	path := writeFile(t, "mirrorrc", "apiEndpoint: https://api.example.com/graphql\n")
	envFile := writeFile(t, ".env", "MIRROR_CLIENT_ID=abc\nMIRROR_REFRESH_TOKEN=r-1\n")

	t.Setenv("MIRROR_CLIENT_ID", "")
	t.Setenv("MIRROR_REFRESH_TOKEN", "")
	os.Unsetenv("MIRROR_CLIENT_ID")
	os.Unsetenv("MIRROR_REFRESH_TOKEN")

	c, err := New(Params{ConfigPath: path, EnvFile: envFile})
	assert.NoError(t, err, "loading config")

	assert.Equal(t, c.ClientID, "abc", "client id mismatch")
	assert.Equal(t, c.RefreshToken, "r-1", "refresh token mismatch")

	_, err = New(Params{ConfigPath: path, EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	assert.NotEqual(t, err, nil, "missing explicit env file should be an error")
}

func TestNewErrors(t *testing.T) {
	_, err := New(Params{ConfigPath: filepath.Join(t.TempDir(), "missing.yml")})
	assert.NotEqual(t, err, nil, "missing explicit config file should be an error")

	path := writeFile(t, "mirror.json", "{}")
	_, err = New(Params{ConfigPath: path})
	assert.Equal(t, errors.Cause(err), ErrConfigFormat, "unsupported format mismatch")

	path = writeFile(t, "mirrorrc", "apiEndpoint: https://api.example.com/graphql\nmargin: soon\n")
	_, err = New(Params{ConfigPath: path})
	assert.Equal(t, errors.Cause(err), ErrDurationInvalid, "bad duration mismatch")

	path = writeFile(t, "mirrorrc", "apiEndpoint: https://api.example.com/graphql\nbackfill:\n  start: last year\n")
	_, err = New(Params{ConfigPath: path})
	assert.Equal(t, errors.Cause(err), ErrBackfillInvalid, "bad backfill start mismatch")
}
