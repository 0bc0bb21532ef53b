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

package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dnote/mirror/pkg/mirror/config"
	"github.com/dnote/mirror/pkg/mirror/infra"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"github.com/spf13/cobra"
)

var example = `
  * Sync every 15 minutes
  mirror daemon

  * Sync at the top of every hour and write logs to a rotated file
  mirror daemon --schedule "0 0 * * * *" --logFile /var/log/mirror.log`

var scheduleFlag string

// NewCmd returns a new daemon command
func NewCmd(ctx infra.Ctx) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Push and sync on a schedule until interrupted",
		Example: example,
		RunE:    newRun(ctx),
	}

	f := cmd.Flags()
	f.StringVar(&scheduleFlag, "schedule", "", "cron expression or descriptor such as '@every 15m' (defaults to value in config)")

	return cmd
}

func withSchedule(ctx infra.Ctx) infra.Ctx {
	params := ctx.Params

	ctx.Params = func() config.Params {
		var p config.Params
		if params != nil {
			p = params()
		}
		p.Schedule = scheduleFlag

		return p
	}

	return ctx
}

func newRun(ctx infra.Ctx) infra.RunEFunc {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := infra.Init(withSchedule(ctx))
		if err != nil {
			return err
		}
		defer rt.Close()

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := &scheduler{run: cycle(rt.Push, rt.Engine)}

		c := cron.New()
		if err := c.AddFunc(rt.Config.Schedule, func() { s.tick(runCtx) }); err != nil {
			return errors.Wrapf(err, "invalid schedule '%s'", rt.Config.Schedule)
		}

		log.WithFields(log.Fields{
			"schedule": rt.Config.Schedule,
			"version":  rt.Version,
		}).Info("daemon started")

		s.tick(runCtx)
		c.Start()

		<-runCtx.Done()
		c.Stop()
		s.wait()

		log.Info("daemon stopped")

		if errors.Is(context.Cause(runCtx), context.Canceled) {
			return nil
		}

		return context.Cause(runCtx)
	}
}
