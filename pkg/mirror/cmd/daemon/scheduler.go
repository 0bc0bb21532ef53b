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
	"sync"

	"github.com/dnote/mirror/pkg/mirror/engine"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/push"
	"github.com/pkg/errors"
)

// scheduler runs one sync cycle at a time. A tick that arrives while a
// cycle is active is dropped.
type scheduler struct {
	mu  sync.Mutex
	run func(ctx context.Context) error
}

func (s *scheduler) tick(ctx context.Context) bool {
	if !s.mu.TryLock() {
		log.Warn("previous run is still active, skipping")
		return false
	}
	defer s.mu.Unlock()

	if err := s.run(ctx); err != nil {
		log.ErrorWrap(err, "scheduled run")
	}

	return true
}

// wait blocks until the active cycle, if any, has finished
func (s *scheduler) wait() {
	s.mu.Lock()
	s.mu.Unlock()
}

type pusher interface {
	Run(ctx context.Context) (push.Summary, error)
}

type syncer interface {
	Run(ctx context.Context, opts engine.Options) (engine.Summary, error)
}

// cycle pushes local changes and then pulls remote changes. A failed push
// does not prevent the pull.
func cycle(p pusher, e syncer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		pushed, pushErr := p.Run(ctx)
		if pushErr != nil {
			log.ErrorWrap(pushErr, "pushing")
		}
		for kind, k := range pushed {
			log.WithFields(log.Fields{
				"kind":   kind,
				"synced": k.Synced,
				"errors": k.Errors,
			}).Info("pushed")
		}

		s, err := e.Run(ctx, engine.Options{})
		if err != nil {
			return errors.Wrap(err, "syncing")
		}
		if s.Failed() {
			return errors.New("one or more kinds failed to sync")
		}

		return errors.Wrap(pushErr, "pushing")
	}
}
