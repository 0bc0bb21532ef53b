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

// Package infra prepares the runtime of mirror commands
package infra

import (
	"io"

	"github.com/dnote/mirror/pkg/mirror/app"
	"github.com/dnote/mirror/pkg/mirror/config"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RunEFunc is a function type of mirror commands
type RunEFunc func(*cobra.Command, []string) error

// Ctx holds what commands know before the configuration is loaded
type Ctx struct {
	Version string
	// Params returns the configuration overrides given on the command line
	Params func() config.Params
}

// Redact replaces secrets in the configuration with placeholder values
func Redact(cfg config.Config) config.Config {
	mask := func(s string) string {
		if s == "" {
			return "0"
		}
		return "1"
	}

	cfg.ClientSecret = mask(cfg.ClientSecret)
	cfg.AccessToken = mask(cfg.AccessToken)
	cfg.RefreshToken = mask(cfg.RefreshToken)
	cfg.DBDSN = mask(cfg.DBDSN)

	return cfg
}

// NewLogFile returns a size-rotated writer for the given log file path
func NewLogFile(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
}

// setupLogging applies the configured level and, when a log file is
// configured, routes structured entries to it. The returned function
// restores the previous output.
func setupLogging(cfg config.Config) func() {
	log.SetLevel(cfg.LogLevel)

	if cfg.LogFile == "" {
		return func() {}
	}

	w := NewLogFile(cfg.LogFile)
	prev := log.SetOutput(w)

	return func() {
		log.SetOutput(prev)
		w.Close()
	}
}

// Runtime is an initialized application with its teardown
type Runtime struct {
	*app.App
	restoreLog func()
}

// Close releases the application and restores the log output
func (r *Runtime) Close() error {
	defer r.restoreLog()

	return r.App.Close()
}

// Init loads the configuration and builds the application
func Init(ctx Ctx) (*Runtime, error) {
	var p config.Params
	if ctx.Params != nil {
		p = ctx.Params()
	}

	cfg, err := config.New(p)
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}

	restore := setupLogging(cfg)

	a, err := app.New(cfg, app.Options{Version: ctx.Version})
	if err != nil {
		restore()
		return nil, errors.Wrap(err, "initializing application")
	}

	log.WithFields(log.Fields{
		"config": Redact(cfg),
	}).Debug("initialized")

	return &Runtime{App: a, restoreLog: restore}, nil
}
