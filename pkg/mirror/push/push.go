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

// Package push sends locally originated changes of mutable records back to the
// remote system and drives their sync status
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/retry"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const defaultBatchSize = 500

// Mutator sends a mutation to the remote API
type Mutator interface {
	Mutate(ctx context.Context, m remote.Mutation) (string, error)
}

// SecondaryWriter performs a derived write after a successful push
type SecondaryWriter interface {
	Write(ctx context.Context, item Item, remoteRef string) error
}

// Mutations are the remote mutation names of a kind
type Mutations struct {
	Create string
	Update string
}

// Item is a record waiting to be pushed
type Item struct {
	Kind         string
	ID           int
	ExternalID   string
	RemoteRef    string
	SyncStatus   string
	Payload      map[string]interface{}
	RawPayload   string
	MutationID   string
	AttemptCount int
	LastError    string
}

// Error is the failure to push an item
type Error struct {
	Kind       string
	ExternalID string
	Attempts   int
	// Permanent is set when the remote rejected the mutation itself
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pushing %s %s after %d attempt(s): %v", e.Kind, e.ExternalID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Params are the parameters of a Service
type Params struct {
	DB          *gorm.DB
	Mutator     Mutator
	Clock       clock.Clock
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Mutations   map[string]Mutations
	// Secondary runs after every successful push. Nil disables it.
	Secondary SecondaryWriter
	BatchSize int
}

// Service is the push-back service
type Service struct {
	db        *gorm.DB
	mutator   Mutator
	clock     clock.Clock
	retryer   *retry.Retryer
	mutations map[string]Mutations
	secondary SecondaryWriter
	batchSize int
}

// KindSummary is the outcome of pushing one kind
type KindSummary struct {
	Synced int
	Errors int
}

// Summary is the outcome of Run, per kind
type Summary map[string]KindSummary

// New returns a push-back service
func New(p Params) (*Service, error) {
	if p.DB == nil || p.Mutator == nil {
		return nil, errors.New("database and mutator are required")
	}
	for kind := range p.Mutations {
		if !database.IsMutableKind(kind) {
			return nil, errors.Errorf("kind %s cannot be pushed", kind)
		}
	}

	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Service{
		db:      p.DB,
		mutator: p.Mutator,
		clock:   c,
		retryer: retry.New(retry.Policy{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   p.BaseDelay,
			MaxDelay:    p.MaxDelay,
			RetryIf:     remote.IsTransient,
		}, c),
		mutations: p.Mutations,
		secondary: p.Secondary,
		batchSize: batchSize,
	}, nil
}

func (s *Service) mutation(item Item) (remote.Mutation, error) {
	names, ok := s.mutations[item.Kind]
	if !ok {
		return remote.Mutation{}, errors.Errorf("no mutations configured for %s", item.Kind)
	}

	name := names.Update
	if item.RemoteRef == "" {
		name = names.Create
	}
	if name == "" {
		return remote.Mutation{}, errors.Errorf("no mutation configured for %s %s", item.Kind, item.ExternalID)
	}

	return remote.Mutation{
		Kind:           item.Kind,
		Name:           name,
		RemoteRef:      item.RemoteRef,
		IdempotencyKey: item.MutationID,
		Input:          item.Payload,
	}, nil
}

// Push sends the item to the remote system, retrying transient failures with
// exponential backoff, and records the outcome on the local row. It returns
// the remote identifier of the record.
func (s *Service) Push(ctx context.Context, item Item) (string, error) {
	m, err := s.mutation(item)
	if err != nil {
		perr := &Error{Kind: item.Kind, ExternalID: item.ExternalID, Permanent: true, Err: err}
		if markErr := s.markFailed(ctx, item, 0, perr); markErr != nil {
			return "", errors.Wrap(markErr, "recording push failure")
		}
		return "", perr
	}

	var ref string
	res := s.retryer.Do(ctx, func(attempt int) error {
		r, err := s.mutator.Mutate(ctx, m)
		if err != nil {
			log.WithFields(log.Fields{
				"kind":        item.Kind,
				"external_id": item.ExternalID,
				"attempt":     attempt,
				"transient":   remote.IsTransient(err),
				"error":       err,
			}).Warn("push attempt failed")
			return err
		}

		ref = r
		return nil
	})

	if res.Err != nil {
		perr := &Error{
			Kind:       item.Kind,
			ExternalID: item.ExternalID,
			Attempts:   res.Attempts,
			Permanent:  remote.IsValidation(res.Err),
			Err:        res.Err,
		}
		if markErr := s.markFailed(ctx, item, res.Attempts, perr); markErr != nil {
			return "", errors.Wrap(markErr, "recording push failure")
		}

		return "", perr
	}

	externalID, err := s.markSynced(ctx, item, ref)
	if err != nil {
		return ref, errors.Wrapf(err, "recording push success of %s %s", item.Kind, item.ExternalID)
	}

	log.WithFields(log.Fields{
		"kind":        item.Kind,
		"external_id": externalID,
		"remote_ref":  ref,
		"attempts":    res.Attempts,
	}).Info("pushed record")

	if s.secondary != nil {
		synced := item
		synced.ExternalID = externalID
		synced.RemoteRef = ref

		if err := s.secondary.Write(ctx, synced, ref); err != nil {
			log.WithFields(log.Fields{
				"kind":        item.Kind,
				"external_id": externalID,
				"error":       err,
			}).Warn("secondary write failed")
		}
	}

	return ref, nil
}

func (s *Service) markFailed(ctx context.Context, item Item, attempts int, cause error) error {
	now := s.clock.Now().UTC()

	return s.db.WithContext(ctx).Table(item.Kind).Where("id = ?", item.ID).Updates(map[string]interface{}{
		"sync_status":     database.StatusError,
		"last_error":      cause.Error(),
		"attempt_count":   gorm.Expr("attempt_count + ?", attempts),
		"last_attempt_at": now,
		"updated_at":      now,
	}).Error
}

// markSynced records the remote reference. A record created locally adopts
// the remote identifier as its external id; if a pull already mirrored that
// record, the local row is merged into it. Changes enqueued while the push was
// in flight keep the record modified. It returns the final external id.
func (s *Service) markSynced(ctx context.Context, item Item, ref string) (string, error) {
	now := s.clock.Now().UTC()
	externalID := item.ExternalID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id := item.ID

		if item.RemoteRef == "" && ref != item.ExternalID {
			var existing []int
			if err := tx.Table(item.Kind).Where("external_id = ?", ref).Limit(1).Pluck("id", &existing).Error; err != nil {
				return errors.Wrap(err, "looking up mirrored record")
			}

			if len(existing) > 0 {
				if err := tx.Where("id = ?", item.ID).Delete(modelFor(item.Kind)).Error; err != nil {
					return errors.Wrap(err, "merging local row")
				}
				id = existing[0]
			} else if err := tx.Table(item.Kind).Where("id = ?", item.ID).Update("external_id", ref).Error; err != nil {
				return errors.Wrap(err, "adopting remote id")
			}

			externalID = ref
		}

		base := map[string]interface{}{
			"remote_ref":      ref,
			"attempt_count":   0,
			"last_error":      "",
			"last_attempt_at": now,
			"updated_at":      now,
		}

		cleared := copyMap(base)
		cleared["sync_status"] = database.StatusSynced
		cleared["pending_payload"] = ""
		cleared["mutation_id"] = ""

		q := tx.Table(item.Kind).Where("id = ?", id)
		if id == item.ID {
			q = q.Where("pending_payload = ?", item.RawPayload)
		}
		res := q.Updates(cleared)
		if res.Error != nil {
			return errors.Wrap(res.Error, "marking synced")
		}
		if res.RowsAffected > 0 {
			return nil
		}

		// the payload changed after it was read
		newer := copyMap(base)
		newer["sync_status"] = database.StatusModified
		newer["mutation_id"] = newMutationID()

		return tx.Table(item.Kind).Where("id = ?", id).Updates(newer).Error
	})

	return externalID, err
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	ret := make(map[string]interface{}, len(m))
	for k, v := range m {
		ret[k] = v
	}

	return ret
}

func decodePayload(raw string) (map[string]interface{}, error) {
	ret := map[string]interface{}{}
	if raw == "" {
		return ret, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&ret); err != nil {
		return nil, errors.Wrap(err, "decoding pending payload")
	}

	return ret, nil
}
