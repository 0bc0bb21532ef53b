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

package status

import (
	"github.com/dnote/mirror/pkg/mirror/engine"
	"github.com/dnote/mirror/pkg/mirror/infra"
	"github.com/dnote/mirror/pkg/mirror/output"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewCmd returns a new status command
func NewCmd(ctx infra.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show watermarks, push queues and backfill progress",
		RunE:  newRun(ctx),
	}

	return cmd
}

func newRun(ctx infra.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := infra.Init(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		s, err := engine.GetStatus(rt.DB, rt.Config.KindNames())
		if err != nil {
			return errors.Wrap(err, "reading status")
		}

		output.Status(s)

		return nil
	}
}
