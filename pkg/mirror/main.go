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

package main

import (
	"os"

	"github.com/dnote/mirror/pkg/mirror/cmd/root"
	"github.com/dnote/mirror/pkg/mirror/infra"
	"github.com/dnote/mirror/pkg/mirror/log"

	// commands
	"github.com/dnote/mirror/pkg/mirror/cmd/backfill"
	"github.com/dnote/mirror/pkg/mirror/cmd/daemon"
	"github.com/dnote/mirror/pkg/mirror/cmd/push"
	"github.com/dnote/mirror/pkg/mirror/cmd/status"
	"github.com/dnote/mirror/pkg/mirror/cmd/sync"
	"github.com/dnote/mirror/pkg/mirror/cmd/version"
)

// versionTag is populated during link time
var versionTag = "master"

func main() {
	ctx := infra.Ctx{
		Version: versionTag,
		Params:  root.ConfigParams,
	}

	root.Register(sync.NewCmd(ctx))
	root.Register(push.NewCmd(ctx))
	root.Register(backfill.NewCmd(ctx))
	root.Register(status.NewCmd(ctx))
	root.Register(daemon.NewCmd(ctx))
	root.Register(version.NewCmd(ctx))

	if err := root.Execute(); err != nil {
		log.Errorf("%s\n", err.Error())
		os.Exit(1)
	}
}
