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

// Package config resolves the mirror configuration from command line flags,
// the environment, a config file and defaults, in that order of precedence
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dnote/mirror/pkg/dirs"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	// AppDir is the directory name for mirror files under the XDG base directories
	AppDir = "mirror"
	// DefaultConfigFilename is the default config file name
	DefaultConfigFilename = "mirrorrc"
	// DefaultDBFilename is the default database filename
	DefaultDBFilename = "mirror.db"
	// DefaultEnvFile is the dotenv file read from the working directory
	DefaultEnvFile = ".env"
)

var (
	// ErrAPIEndpointInvalid is an error for a missing or malformed API endpoint
	ErrAPIEndpointInvalid = errors.New("Invalid API endpoint")
	// ErrTokenURLInvalid is an error for a malformed token endpoint
	ErrTokenURLInvalid = errors.New("Invalid token URL")
	// ErrTimezoneInvalid is an error for an unknown operational timezone
	ErrTimezoneInvalid = errors.New("Invalid timezone")
	// ErrNaiveTimestampsInvalid is an error for an unknown naive timestamp policy
	ErrNaiveTimestampsInvalid = errors.New("Invalid naiveTimestamps")
	// ErrDurationInvalid is an error for a malformed duration
	ErrDurationInvalid = errors.New("Invalid duration")
	// ErrDBMissingPath is an error for a SQLite configuration without a database path
	ErrDBMissingPath = errors.New("DB Path is empty")
	// ErrDBMissingDSN is an error for a Postgres configuration without a DSN
	ErrDBMissingDSN = errors.New("DB DSN is empty")
	// ErrDBDriverInvalid is an error for an unsupported database driver
	ErrDBDriverInvalid = errors.New("Invalid DB driver")
	// ErrKindUnknown is an error for a kind the mirror does not support
	ErrKindUnknown = errors.New("Unknown kind")
	// ErrKindsOrder is an error for kinds listed before the kinds they reference
	ErrKindsOrder = errors.New("Kinds out of dependency order")
	// ErrMutationNotAllowed is an error for a mutation configured on a read-only kind
	ErrMutationNotAllowed = errors.New("Kind cannot be pushed")
	// ErrPushPolicyInvalid is an error for an unusable push retry policy
	ErrPushPolicyInvalid = errors.New("Invalid push policy")
	// ErrBackfillInvalid is an error for an unusable backfill setting
	ErrBackfillInvalid = errors.New("Invalid backfill")
	// ErrConfigFormat is an error for a config file with an unsupported extension
	ErrConfigFormat = errors.New("Unsupported config file format")
)

// DefaultConfigPath is the default path to the config file
var DefaultConfigPath = dirs.ConfigPath(AppDir, DefaultConfigFilename)

// DefaultDBPath is the default path to the database file
var DefaultDBPath = dirs.DataPath(AppDir, DefaultDBFilename)

// Kind is the remote schema of one synchronized kind
type Kind struct {
	Name           string
	Collection     string
	Fields         []string
	IDField        string
	ModifiedField  string
	PageSize       int
	CreateMutation string
	UpdateMutation string
}

// Config is the resolved configuration
type Config struct {
	APIEndpoint  string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// AccessToken and RefreshToken seed the credential store of a new database
	AccessToken  string
	RefreshToken string

	Timezone        string
	NaiveTimestamps timezone.NaivePolicy
	Margin          time.Duration
	RateLimit       float64
	Burst           int
	RequestTimeout  time.Duration

	PushMaxAttempts int
	PushBaseDelay   time.Duration
	PushMaxDelay    time.Duration
	PushBatchSize   int

	BackfillStart  time.Time
	BackfillWindow string

	DBDriver string
	DBPath   string
	DBDSN    string

	LogLevel string
	LogFile  string
	Schedule string

	Kinds []Kind
}

// Params are the values given on the command line. Empty values fall back to
// the environment, the config file and the defaults.
type Params struct {
	ConfigPath  string
	EnvFile     string
	APIEndpoint string
	DBPath      string
	LogLevel    string
	LogFile     string
	Schedule    string
}

// getOrEnv returns value if non-empty, otherwise env var, otherwise default
func getOrEnv(value, envKey, defaultVal string) string {
	if value != "" {
		return value
	}
	if env := os.Getenv(envKey); env != "" {
		return env
	}
	return defaultVal
}

func or(value, defaultVal string) string {
	if value != "" {
		return value
	}
	return defaultVal
}

func loadEnvFile(path string) error {
	explicit := path != ""
	path = or(path, DefaultEnvFile)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errors.Wrapf(err, "reading env file %s", path)
	}

	// variables already set in the environment take precedence
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "loading env file %s", path)
	}

	return nil
}

// readFile decodes the config file, choosing TOML or YAML by extension. A
// missing file at the default location is not an error.
func readFile(path string, explicit bool) (File, error) {
	var ret File

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return ret, nil
		}
		return ret, errors.Wrap(err, "reading config file")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(b, &ret); err != nil {
			return ret, errors.Wrap(err, "unmarshalling TOML config")
		}
	case "", ".yml", ".yaml":
		if err := yaml.Unmarshal(b, &ret); err != nil {
			return ret, errors.Wrap(err, "unmarshalling YAML config")
		}
	default:
		return ret, errors.Wrapf(ErrConfigFormat, "'%s'", path)
	}

	return ret, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.Wrapf(ErrDurationInvalid, "%s '%s'", name, s)
	}

	return d, nil
}

// New constructs and returns a new validated config
func New(p Params) (Config, error) {
	if err := loadEnvFile(getOrEnv(p.EnvFile, "MIRROR_ENV_FILE", "")); err != nil {
		return Config{}, err
	}

	configPath := getOrEnv(p.ConfigPath, "MIRROR_CONFIG", "")
	f, err := readFile(or(configPath, DefaultConfigPath), configPath != "")
	if err != nil {
		return Config{}, err
	}

	return fromFile(p, f)
}

func fromFile(p Params, f File) (Config, error) {
	c := Config{
		APIEndpoint:     getOrEnv(p.APIEndpoint, "MIRROR_API_ENDPOINT", f.APIEndpoint),
		TokenURL:        getOrEnv("", "MIRROR_TOKEN_URL", f.TokenURL),
		ClientID:        getOrEnv("", "MIRROR_CLIENT_ID", f.ClientID),
		ClientSecret:    getOrEnv("", "MIRROR_CLIENT_SECRET", f.ClientSecret),
		AccessToken:     os.Getenv("MIRROR_ACCESS_TOKEN"),
		RefreshToken:    os.Getenv("MIRROR_REFRESH_TOKEN"),
		Timezone:        getOrEnv("", "MIRROR_TIMEZONE", or(f.Timezone, "UTC")),
		NaiveTimestamps: timezone.NaivePolicy(getOrEnv("", "MIRROR_NAIVE_TIMESTAMPS", or(f.NaiveTimestamps, string(timezone.NaiveUTC)))),
		RateLimit:       f.RateLimit,
		Burst:           f.Burst,
		PushMaxAttempts: f.Push.MaxAttempts,
		PushBatchSize:   f.Push.BatchSize,
		BackfillWindow:  or(f.Backfill.Window, "year"),
		DBDriver:        getOrEnv("", "MIRROR_DB_DRIVER", or(f.DB.Driver, database.DriverSQLite)),
		DBPath:          getOrEnv(p.DBPath, "MIRROR_DB_PATH", or(f.DB.Path, DefaultDBPath)),
		DBDSN:           getOrEnv("", "MIRROR_DB_DSN", f.DB.DSN),
		LogLevel:        getOrEnv(p.LogLevel, "LOG_LEVEL", or(f.LogLevel, "info")),
		LogFile:         getOrEnv(p.LogFile, "MIRROR_LOG_FILE", f.LogFile),
		Schedule:        getOrEnv(p.Schedule, "MIRROR_SCHEDULE", or(f.Schedule, "@every 15m")),
	}

	if c.RateLimit <= 0 {
		c.RateLimit = 4
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	if c.PushMaxAttempts == 0 {
		c.PushMaxAttempts = 3
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = 100
	}

	var err error
	if c.Margin, err = parseDuration("margin", getOrEnv("", "MIRROR_MARGIN", or(f.Margin, "6h"))); err != nil {
		return Config{}, err
	}
	if c.RequestTimeout, err = parseDuration("requestTimeout", or(f.RequestTimeout, "30s")); err != nil {
		return Config{}, err
	}
	if c.PushBaseDelay, err = parseDuration("push.baseDelay", or(f.Push.BaseDelay, "1s")); err != nil {
		return Config{}, err
	}
	if c.PushMaxDelay, err = parseDuration("push.maxDelay", or(f.Push.MaxDelay, "1m")); err != nil {
		return Config{}, err
	}

	n, err := timezone.New(c.Timezone, timezone.NaiveUTC)
	if err != nil {
		return Config{}, errors.Wrapf(ErrTimezoneInvalid, "'%s'", c.Timezone)
	}
	start := or(f.Backfill.Start, "2015-01-01")
	if c.BackfillStart, err = n.DateStart(start); err != nil {
		return Config{}, errors.Wrapf(ErrBackfillInvalid, "start '%s'", start)
	}

	c.Kinds = resolveKinds(f.Kinds)

	if err := validate(c); err != nil {
		return Config{}, err
	}

	return c, nil
}

func resolveKinds(files []KindFile) []Kind {
	if len(files) == 0 {
		ret := make([]Kind, 0, len(database.Kinds))
		for _, k := range database.Kinds {
			ret = append(ret, Kind{Name: k, Collection: k})
		}
		return ret
	}

	ret := make([]Kind, 0, len(files))
	for _, kf := range files {
		ret = append(ret, Kind{
			Name:           kf.Name,
			Collection:     or(kf.Collection, kf.Name),
			Fields:         kf.Fields,
			IDField:        kf.IDField,
			ModifiedField:  kf.ModifiedField,
			PageSize:       kf.PageSize,
			CreateMutation: kf.Mutation.Create,
			UpdateMutation: kf.Mutation.Update,
		})
	}

	return ret
}

func kindRank(name string) int {
	for i, k := range database.Kinds {
		if k == name {
			return i
		}
	}

	return -1
}

func validateKinds(kinds []Kind) error {
	last := -1
	for _, k := range kinds {
		rank := kindRank(k.Name)
		if rank < 0 {
			return errors.Wrapf(ErrKindUnknown, "'%s'", k.Name)
		}
		if rank <= last {
			return errors.Wrapf(ErrKindsOrder, "'%s' must come before %s", k.Name, database.Kinds[last])
		}
		last = rank

		if (k.CreateMutation != "" || k.UpdateMutation != "") && !database.IsMutableKind(k.Name) {
			return errors.Wrapf(ErrMutationNotAllowed, "'%s'", k.Name)
		}
	}

	return nil
}

func validate(c Config) error {
	if u, err := url.ParseRequestURI(c.APIEndpoint); err != nil || u.Host == "" {
		return errors.Wrapf(ErrAPIEndpointInvalid, "'%s'", c.APIEndpoint)
	}
	if c.TokenURL != "" {
		if u, err := url.ParseRequestURI(c.TokenURL); err != nil || u.Host == "" {
			return errors.Wrapf(ErrTokenURLInvalid, "'%s'", c.TokenURL)
		}
	}
	if _, err := timezone.New(c.Timezone, timezone.NaiveUTC); err != nil {
		return errors.Wrapf(ErrTimezoneInvalid, "'%s'", c.Timezone)
	}
	if c.NaiveTimestamps != timezone.NaiveUTC && c.NaiveTimestamps != timezone.NaiveLocal {
		return errors.Wrapf(ErrNaiveTimestampsInvalid, "'%s'", c.NaiveTimestamps)
	}

	switch c.DBDriver {
	case database.DriverSQLite:
		if c.DBPath == "" {
			return ErrDBMissingPath
		}
	case database.DriverPostgres:
		if c.DBDSN == "" {
			return ErrDBMissingDSN
		}
	default:
		return errors.Wrapf(ErrDBDriverInvalid, "'%s'", c.DBDriver)
	}

	if c.PushMaxAttempts < 1 {
		return errors.Wrapf(ErrPushPolicyInvalid, "maxAttempts %d", c.PushMaxAttempts)
	}
	if c.PushMaxDelay < c.PushBaseDelay {
		return errors.Wrapf(ErrPushPolicyInvalid, "maxDelay %s is below baseDelay %s", c.PushMaxDelay, c.PushBaseDelay)
	}
	if c.BackfillWindow != "year" && c.BackfillWindow != "month" {
		return errors.Wrapf(ErrBackfillInvalid, "window '%s'", c.BackfillWindow)
	}

	return validateKinds(c.Kinds)
}

// KindNames returns the configured kinds in order
func (c Config) KindNames() []string {
	ret := make([]string, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		ret = append(ret, k.Name)
	}

	return ret
}
