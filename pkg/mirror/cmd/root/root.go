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

package root

import (
	"github.com/dnote/mirror/pkg/mirror/config"
	"github.com/spf13/cobra"
)

var (
	configFlag      string
	envFileFlag     string
	dbPathFlag      string
	apiEndpointFlag string
	logLevelFlag    string
	logFileFlag     string
)

var root = &cobra.Command{
	Use:           "mirror",
	Short:         "mirror - keeps a local copy of a remote field-service API in sync",
	SilenceErrors: true,
	SilenceUsage:  true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	f := root.PersistentFlags()
	f.StringVar(&configFlag, "config", "", "the path to the config file (defaults to standard location)")
	f.StringVar(&envFileFlag, "env", "", "the path to a .env file with credentials")
	f.StringVar(&dbPathFlag, "dbPath", "", "the path to the database file (defaults to standard location)")
	f.StringVar(&apiEndpointFlag, "apiEndpoint", "", "API endpoint to connect to (defaults to value in config)")
	f.StringVar(&logLevelFlag, "logLevel", "", "the level of structured logs (debug, info, warn, error)")
	f.StringVar(&logFileFlag, "logFile", "", "write structured logs to a rotated file instead of stderr")
}

// GetRoot returns the root command
func GetRoot() *cobra.Command {
	return root
}

// ConfigParams returns the configuration overrides given as flags
func ConfigParams() config.Params {
	return config.Params{
		ConfigPath:  configFlag,
		EnvFile:     envFileFlag,
		APIEndpoint: apiEndpointFlag,
		DBPath:      dbPathFlag,
		LogLevel:    logLevelFlag,
		LogFile:     logFileFlag,
	}
}

// Register adds a new command
func Register(cmd *cobra.Command) {
	root.AddCommand(cmd)
}

// Execute runs the main command
func Execute() error {
	return root.Execute()
}
