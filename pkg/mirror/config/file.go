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

// File is the content of the config file
type File struct {
	APIEndpoint     string       `yaml:"apiEndpoint" toml:"apiEndpoint"`
	TokenURL        string       `yaml:"tokenURL" toml:"tokenURL"`
	ClientID        string       `yaml:"clientId" toml:"clientId"`
	ClientSecret    string       `yaml:"clientSecret" toml:"clientSecret"`
	Timezone        string       `yaml:"timezone" toml:"timezone"`
	NaiveTimestamps string       `yaml:"naiveTimestamps" toml:"naiveTimestamps"`
	Margin          string       `yaml:"margin" toml:"margin"`
	RateLimit       float64      `yaml:"rateLimit" toml:"rateLimit"`
	Burst           int          `yaml:"burst" toml:"burst"`
	RequestTimeout  string       `yaml:"requestTimeout" toml:"requestTimeout"`
	Push            PushFile     `yaml:"push" toml:"push"`
	Backfill        BackfillFile `yaml:"backfill" toml:"backfill"`
	DB              DBFile       `yaml:"db" toml:"db"`
	LogLevel        string       `yaml:"logLevel" toml:"logLevel"`
	LogFile         string       `yaml:"logFile" toml:"logFile"`
	Schedule        string       `yaml:"schedule" toml:"schedule"`
	Kinds           []KindFile   `yaml:"kinds" toml:"kinds"`
}

// PushFile is the push retry policy
type PushFile struct {
	MaxAttempts int    `yaml:"maxAttempts" toml:"maxAttempts"`
	BaseDelay   string `yaml:"baseDelay" toml:"baseDelay"`
	MaxDelay    string `yaml:"maxDelay" toml:"maxDelay"`
	BatchSize   int    `yaml:"batchSize" toml:"batchSize"`
}

// BackfillFile configures backfills
type BackfillFile struct {
	// Start is a local date, e.g. 2015-01-01
	Start  string `yaml:"start" toml:"start"`
	Window string `yaml:"window" toml:"window"`
}

// DBFile configures the local store
type DBFile struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// KindFile is the remote schema of a kind
type KindFile struct {
	Name          string       `yaml:"name" toml:"name"`
	Collection    string       `yaml:"collection" toml:"collection"`
	Fields        []string     `yaml:"fields" toml:"fields"`
	IDField       string       `yaml:"idField" toml:"idField"`
	ModifiedField string       `yaml:"modifiedField" toml:"modifiedField"`
	PageSize      int          `yaml:"pageSize" toml:"pageSize"`
	Mutation      MutationFile `yaml:"mutation" toml:"mutation"`
}

// MutationFile names the remote mutations of a pushable kind
type MutationFile struct {
	Create string `yaml:"create" toml:"create"`
	Update string `yaml:"update" toml:"update"`
}
