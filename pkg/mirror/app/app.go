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

// Package app wires the configured components of the mirror together
package app

import (
	"net/http"

	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/backfill"
	"github.com/dnote/mirror/pkg/mirror/config"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/engine"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/push"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/retry"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	// ErrEmptyDB is an error for missing database connection in the app configuration
	ErrEmptyDB = errors.New("No database connection was provided")
	// ErrEmptyClock is an error for missing clock in the app configuration
	ErrEmptyClock = errors.New("No clock was provided")
	// ErrEmptyNormalizer is an error for missing timezone normalizer in the app configuration
	ErrEmptyNormalizer = errors.New("No timezone normalizer was provided")
	// ErrEmptyClient is an error for missing remote client in the app configuration
	ErrEmptyClient = errors.New("No remote client was provided")
	// ErrEmptyEngine is an error for missing sync engine in the app configuration
	ErrEmptyEngine = errors.New("No sync engine was provided")
	// ErrEmptyPush is an error for missing push service in the app configuration
	ErrEmptyPush = errors.New("No push service was provided")
)

// App is an application context
type App struct {
	Config     config.Config
	DB         *gorm.DB
	Clock      clock.Clock
	Normalizer *timezone.Normalizer
	Client     *remote.Client
	Engine     *engine.Engine
	Push       *push.Service
	Version    string
}

// Options override the components New builds by default
type Options struct {
	Clock      clock.Clock
	HTTPClient *http.Client
	Version    string
}

// Validate validates the app configuration
func (a *App) Validate() error {
	if a.DB == nil {
		return ErrEmptyDB
	}
	if a.Clock == nil {
		return ErrEmptyClock
	}
	if a.Normalizer == nil {
		return ErrEmptyNormalizer
	}
	if a.Client == nil {
		return ErrEmptyClient
	}
	if a.Engine == nil {
		return ErrEmptyEngine
	}
	if a.Push == nil {
		return ErrEmptyPush
	}

	return nil
}

// Kinds builds the engine kinds from the configured remote schema
func Kinds(cfg config.Config) []engine.Kind {
	ret := make([]engine.Kind, 0, len(cfg.Kinds))

	for _, k := range cfg.Kinds {
		q := remote.Query{
			Kind:          k.Name,
			Collection:    k.Collection,
			Fields:        k.Fields,
			PageSize:      k.PageSize,
			IDField:       k.IDField,
			ModifiedField: k.ModifiedField,
		}
		q.Sort = remote.Sort{Key: q.RecencyField(), Direction: remote.SortDesc}

		ret = append(ret, engine.Kind{Name: k.Name, Query: q})
	}

	return ret
}

// Mutations returns the remote mutations of the pushable kinds
func Mutations(cfg config.Config) map[string]push.Mutations {
	ret := map[string]push.Mutations{}

	for _, k := range cfg.Kinds {
		if k.CreateMutation == "" && k.UpdateMutation == "" {
			continue
		}

		ret[k.Name] = push.Mutations{Create: k.CreateMutation, Update: k.UpdateMutation}
	}

	return ret
}

// seedCredentials stores the configured tokens when the database has none.
// Tokens rotated by a refresh are kept over the configured ones.
func seedCredentials(store remote.CredentialStore, cfg config.Config) error {
	if cfg.AccessToken == "" && cfg.RefreshToken == "" {
		return nil
	}

	current, err := store.Load()
	if err != nil {
		return err
	}
	if current.AccessToken != "" || current.RefreshToken != "" {
		return nil
	}

	log.Info("storing configured credentials")

	return store.Save(remote.Credentials{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken})
}

// New opens the database and builds the components from the configuration
func New(cfg config.Config, o Options) (*App, error) {
	c := o.Clock
	if c == nil {
		c = clock.New()
	}

	n, err := timezone.New(cfg.Timezone, cfg.NaiveTimestamps)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Params{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		LogLevel: cfg.LogLevel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}

	a, err := build(db, cfg, c, n, o)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	return a, nil
}

func build(db *gorm.DB, cfg config.Config, c clock.Clock, n *timezone.Normalizer, o Options) (*App, error) {
	if err := database.InitSchema(db); err != nil {
		return nil, errors.Wrap(err, "initializing schema")
	}

	store := remote.NewDBCredentialStore(db)
	if err := seedCredentials(store, cfg); err != nil {
		return nil, errors.Wrap(err, "seeding credentials")
	}

	client, err := remote.New(remote.Params{
		Endpoint:     cfg.APIEndpoint,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Version:      o.Version,
		RateLimit:    cfg.RateLimit,
		Burst:        cfg.Burst,
		Timeout:      cfg.RequestTimeout,
		Credentials:  store,
		Timestamps:   n,
		Clock:        c,
		HTTPClient:   o.HTTPClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing remote client")
	}

	fetchRetryer := retry.New(retry.Policy{
		MaxAttempts: cfg.PushMaxAttempts,
		BaseDelay:   cfg.PushBaseDelay,
		MaxDelay:    cfg.PushMaxDelay,
		RetryIf:     remote.IsTransient,
	}, c)

	e, err := engine.New(engine.Params{
		DB:             db,
		Fetcher:        client,
		Normalizer:     n,
		Clock:          c,
		Retryer:        fetchRetryer,
		Margin:         cfg.Margin,
		Kinds:          Kinds(cfg),
		BackfillStart:  cfg.BackfillStart,
		BackfillWindow: backfill.Granularity(cfg.BackfillWindow),
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing engine")
	}

	p, err := push.New(push.Params{
		DB:          db,
		Mutator:     client,
		Clock:       c,
		MaxAttempts: cfg.PushMaxAttempts,
		BaseDelay:   cfg.PushBaseDelay,
		MaxDelay:    cfg.PushMaxDelay,
		Mutations:   Mutations(cfg),
		Secondary:   push.NewMeasurementRecorder(db, c),
		BatchSize:   cfg.PushBatchSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initializing push service")
	}

	a := &App{
		Config:     cfg,
		DB:         db,
		Clock:      c,
		Normalizer: n,
		Client:     client,
		Engine:     e,
		Push:       p,
		Version:    o.Version,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

// Close releases the database connection
func (a *App) Close() error {
	return database.Close(a.DB)
}
