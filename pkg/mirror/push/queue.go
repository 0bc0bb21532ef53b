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
	"context"
	"encoding/json"

	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrNotFound is returned when enqueuing changes for a record that is not mirrored
var ErrNotFound = errors.New("record not found")

var eligibleStatuses = []string{database.StatusPending, database.StatusModified, database.StatusError}

func newMutationID() string {
	return uuid.NewString()
}

func modelFor(kind string) interface{} {
	switch kind {
	case database.KindEvents:
		return &database.Event{}
	case database.KindActivities:
		return &database.Activity{}
	default:
		return nil
	}
}

type queueRow struct {
	ID             int
	ExternalID     string
	RemoteRef      string
	SyncStatus     string
	PendingPayload string
	MutationID     string
	AttemptCount   int
	LastError      string
}

func checkKind(kind string) error {
	if !database.IsMutableKind(kind) {
		return errors.Errorf("kind %s cannot be pushed", kind)
	}

	return nil
}

// Pending returns the records of the kind that are waiting to be pushed,
// including the ones whose last push failed
func (s *Service) Pending(ctx context.Context, kind string) ([]Item, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}

	var rows []queueRow
	if err := s.db.WithContext(ctx).Table(kind).
		Select("id, external_id, remote_ref, sync_status, pending_payload, mutation_id, attempt_count, last_error").
		Where("sync_status IN ?", eligibleStatuses).
		Order("id ASC").
		Limit(s.batchSize).
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "reading push queue of %s", kind)
	}

	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		payload, err := decodePayload(r.PendingPayload)
		if err != nil {
			item := Item{Kind: kind, ID: r.ID, ExternalID: r.ExternalID}
			perr := &Error{Kind: kind, ExternalID: r.ExternalID, Permanent: true, Err: err}
			if markErr := s.markFailed(ctx, item, 0, perr); markErr != nil {
				return nil, errors.Wrap(markErr, "recording unreadable payload")
			}

			log.WithFields(log.Fields{
				"kind":        kind,
				"external_id": r.ExternalID,
				"error":       err,
			}).Error("skipping unreadable pending payload")
			continue
		}

		if r.MutationID == "" {
			r.MutationID = newMutationID()
			if err := s.db.WithContext(ctx).Table(kind).Where("id = ?", r.ID).Update("mutation_id", r.MutationID).Error; err != nil {
				return nil, errors.Wrap(err, "assigning mutation id")
			}
		}

		items = append(items, Item{
			Kind:         kind,
			ID:           r.ID,
			ExternalID:   r.ExternalID,
			RemoteRef:    r.RemoteRef,
			SyncStatus:   r.SyncStatus,
			Payload:      payload,
			RawPayload:   r.PendingPayload,
			MutationID:   r.MutationID,
			AttemptCount: r.AttemptCount,
			LastError:    r.LastError,
		})
	}

	return items, nil
}

// localColumns maps the payload keys that have a local column
var localColumns = map[string]map[string]string{
	database.KindEvents: {
		"title":      "title",
		"status":     "status",
		"accountId":  "account_external_id",
		"resourceId": "resource_external_id",
	},
	database.KindActivities: {
		"author":    "author",
		"note":      "note",
		"accountId": "account_external_id",
		"eventId":   "event_external_id",
	},
}

func columnUpdates(kind string, changes map[string]interface{}) map[string]interface{} {
	ret := map[string]interface{}{}
	for key, col := range localColumns[kind] {
		if v, ok := changes[key]; ok {
			if s, ok := v.(string); ok {
				ret[col] = s
			}
		}
	}

	return ret
}

func encodePayload(payload map[string]interface{}) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encoding payload")
	}

	return string(b), nil
}

// Enqueue records intended changes to a mirrored record. The changes are merged
// into any changes not yet pushed and the record is marked modified; a record
// never pushed stays pending. The local columns reflect the changes at once.
func (s *Service) Enqueue(ctx context.Context, kind, externalID string, changes map[string]interface{}) error {
	if err := checkKind(kind); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []queueRow
		if err := tx.Table(kind).
			Select("id, external_id, remote_ref, sync_status, pending_payload, mutation_id").
			Where("external_id = ?", externalID).
			Limit(1).
			Scan(&rows).Error; err != nil {
			return errors.Wrapf(err, "reading %s %s", kind, externalID)
		}
		if len(rows) == 0 {
			return errors.Wrapf(ErrNotFound, "%s %s", kind, externalID)
		}
		row := rows[0]

		payload, err := decodePayload(row.PendingPayload)
		if err != nil {
			return err
		}
		for k, v := range changes {
			payload[k] = v
		}
		raw, err := encodePayload(payload)
		if err != nil {
			return err
		}

		status := database.StatusModified
		if row.RemoteRef == "" {
			status = database.StatusPending
		}

		// a create keeps its key so that a resend is deduplicated remotely
		mutationID := row.MutationID
		if mutationID == "" || row.RemoteRef != "" {
			mutationID = newMutationID()
		}

		updates := columnUpdates(kind, changes)
		updates["pending_payload"] = raw
		updates["sync_status"] = status
		updates["mutation_id"] = mutationID
		updates["updated_at"] = s.clock.Now().UTC()

		if err := tx.Table(kind).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return errors.Wrapf(err, "enqueuing %s %s", kind, externalID)
		}

		return nil
	})
}

// Create records a new record of the kind that exists only locally until it
// is pushed. It returns the local external id, which is replaced by the remote
// identifier once the record is pushed.
func (s *Service) Create(ctx context.Context, kind string, values map[string]interface{}) (string, error) {
	if err := checkKind(kind); err != nil {
		return "", err
	}

	raw, err := encodePayload(values)
	if err != nil {
		return "", err
	}

	externalID := "local-" + uuid.NewString()
	state := database.SyncState{
		SyncStatus:     database.StatusPending,
		PendingPayload: raw,
		MutationID:     newMutationID(),
	}

	var row interface{}
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	switch kind {
	case database.KindEvents:
		row = &database.Event{
			ExternalID:         externalID,
			AccountExternalID:  str("accountId"),
			ResourceExternalID: str("resourceId"),
			Title:              str("title"),
			Status:             str("status"),
			SyncState:          state,
		}
	case database.KindActivities:
		row = &database.Activity{
			ExternalID:        externalID,
			AccountExternalID: str("accountId"),
			EventExternalID:   str("eventId"),
			Author:            str("author"),
			Note:              str("note"),
			SyncState:         state,
		}
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return "", errors.Wrapf(err, "creating local %s", kind)
	}

	return externalID, nil
}

// Run pushes every waiting record of every kind with configured mutations
func (s *Service) Run(ctx context.Context) (Summary, error) {
	ret := Summary{}

	for _, kind := range database.Kinds {
		if _, ok := s.mutations[kind]; !ok {
			continue
		}

		items, err := s.Pending(ctx, kind)
		if err != nil {
			return ret, err
		}

		var sum KindSummary
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				ret[kind] = sum
				return ret, err
			}

			if _, err := s.Push(ctx, item); err != nil {
				var perr *Error
				if !errors.As(err, &perr) {
					ret[kind] = sum
					return ret, err
				}
				sum.Errors++
				continue
			}
			sum.Synced++
		}

		ret[kind] = sum
	}

	return ret, nil
}
