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

package sync

import (
	"github.com/dnote/mirror/pkg/mirror/engine"
	"github.com/dnote/mirror/pkg/mirror/infra"
	"github.com/dnote/mirror/pkg/mirror/output"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var example = `
  * Sync every configured kind
  mirror sync

  * Rebuild events from scratch
  mirror sync --full --kind events`

var isFullSync bool
var kindFlags []string

// ErrRunFailed is returned when at least one kind could not be synced
var ErrRunFailed = errors.New("Sync failed for one or more kinds")

// NewCmd returns a new sync command
func NewCmd(ctx infra.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		Aliases: []string{"s"},
		Short:   "Pull changes from the remote API into the local store",
		Example: example,
		RunE:    newRun(ctx),
	}

	f := cmd.Flags()
	f.BoolVarP(&isFullSync, "full", "f", false, "rebuild the selected kinds by backfilling instead of syncing only the changed records.")
	f.StringSliceVarP(&kindFlags, "kind", "k", nil, "kinds to sync (defaults to every configured kind)")

	return cmd
}

func newRun(ctx infra.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := infra.Init(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.Engine.Run(cmd.Context(), engine.Options{Kinds: kindFlags, Full: isFullSync})
		if err != nil {
			return errors.Wrap(err, "syncing")
		}

		output.SyncSummary(s)

		if s.Failed() {
			return ErrRunFailed
		}

		return nil
	}
}
