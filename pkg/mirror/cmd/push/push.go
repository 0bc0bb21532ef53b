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

package push

import (
	"github.com/dnote/mirror/pkg/mirror/infra"
	"github.com/dnote/mirror/pkg/mirror/output"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var example = `
  mirror push`

// ErrPushFailed is returned when at least one record could not be pushed
var ErrPushFailed = errors.New("One or more records could not be pushed")

// NewCmd returns a new push command
func NewCmd(ctx infra.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "push",
		Short:   "Send local changes to the remote API",
		Example: example,
		RunE:    newRun(ctx),
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

		s, err := rt.Push.Run(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "pushing")
		}

		output.PushSummary(s)

		for _, k := range s {
			if k.Errors > 0 {
				return ErrPushFailed
			}
		}

		return nil
	}
}
