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

package backfill

import (
	"github.com/dnote/mirror/pkg/mirror/cmd/sync"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/engine"
	"github.com/dnote/mirror/pkg/mirror/infra"
	"github.com/dnote/mirror/pkg/mirror/output"
	"github.com/dnote/mirror/pkg/prompt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var example = `
  * Backfill every configured kind, resuming interrupted work
  mirror backfill

  * Discard the progress of an interrupted backfill and start over
  mirror backfill --kind activities --restart`

var kindFlags []string
var restartFlag bool
var yesFlag bool

// NewCmd returns a new backfill command
func NewCmd(ctx infra.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backfill",
		Short:   "Rebuild the local store window by window",
		Example: example,
		RunE:    newRun(ctx),
	}

	f := cmd.Flags()
	f.StringSliceVarP(&kindFlags, "kind", "k", nil, "kinds to backfill (defaults to every configured kind)")
	f.BoolVar(&restartFlag, "restart", false, "discard saved progress and backfill from the configured start")
	f.BoolVarP(&yesFlag, "yes", "y", false, "do not ask for confirmation before restarting")

	return cmd
}

func confirmRestart(cmd *cobra.Command) (bool, error) {
	if !restartFlag || yesFlag {
		return true, nil
	}

	return prompt.Ask(cmd.InOrStdin(), cmd.OutOrStdout(), prompt.Question{
		Text: "Discard saved backfill progress and start over?",
	})
}

func newRun(ctx infra.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		ok, err := confirmRestart(cmd)
		if err != nil {
			return errors.Wrap(err, "confirming restart")
		}
		if !ok {
			log.Infof("aborted\n")
			return nil
		}

		rt, err := infra.Init(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := rt.Engine.Run(cmd.Context(), engine.Options{
			Kinds:   kindFlags,
			Full:    true,
			Restart: restartFlag,
		})
		if err != nil {
			return errors.Wrap(err, "backfilling")
		}

		output.SyncSummary(s)

		if s.Failed() {
			return sync.ErrRunFailed
		}

		return nil
	}
}
