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
	"net/http"
	"testing"
	"time"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/dnote/mirror/pkg/mirror/remote"
	"github.com/dnote/mirror/pkg/mirror/testutils"
	"github.com/dnote/mirror/pkg/mirror/timezone"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var testMutations = map[string]Mutations{
	database.KindEvents:     {Create: "eventCreate", Update: "eventUpdate"},
	database.KindActivities: {Create: "activityCreate", Update: "activityUpdate"},
}

func newClient(t *testing.T, f *testutils.FakeRemote) *remote.Client {
	c, err := remote.New(remote.Params{
		Endpoint:    f.Endpoint(),
		TokenURL:    f.TokenURL(),
		RateLimit:   1000,
		Burst:       1000,
		Credentials: remote.NewMemoryCredentialStore(remote.Credentials{AccessToken: f.AccessToken(), RefreshToken: f.RefreshToken()}),
		Timestamps:  timezone.MustNew("America/Montreal", timezone.NaiveUTC),
	})
	if err != nil {
		t.Fatal(errors.Wrap(err, "constructing client"))
	}

	return c
}

func newService(t *testing.T, db *gorm.DB, m Mutator, c clock.Clock, secondary SecondaryWriter) *Service {
	s, err := New(Params{
		DB:          db,
		Mutator:     m,
		Clock:       c,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Mutations:   testMutations,
		Secondary:   secondary,
	})
	if err != nil {
		t.Fatal(errors.Wrap(err, "constructing service"))
	}

	return s
}

func seedPulledEvent(t *testing.T, db *gorm.DB, externalID string) {
	ev := database.Event{
		ExternalID: externalID,
		Title:      "Inspection",
		SyncState:  database.SyncState{SyncStatus: database.StatusSynced, RemoteRef: externalID},
	}
	testutils.MustExec(t, db.Create(&ev), "preparing event")
}

func mustPending(t *testing.T, s *Service, kind string) []Item {
	items, err := s.Pending(context.Background(), kind)
	if err != nil {
		t.Fatal(errors.Wrap(err, "reading pending items"))
	}

	return items
}

func getEvent(t *testing.T, db *gorm.DB, externalID string) database.Event {
	var ret database.Event
	testutils.MustExec(t, db.Where("external_id = ?", externalID).First(&ret), "reading event")
	return ret
}

func mutationRequests(f *testutils.FakeRemote) []testutils.FakeRequest {
	var ret []testutils.FakeRequest
	for _, r := range f.Requests() {
		if r.Mutation {
			ret = append(ret, r)
		}
	}

	return ret
}

func TestPushRetriesWithBackoff(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	c := clock.NewMock()
	s := newService(t, db, newClient(t, f), c, nil)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "done"}), "enqueuing")

	f.FailNext(2, http.StatusServiceUnavailable)

	items := mustPending(t, s, database.KindEvents)
	assert.Equalf(t, len(items), 1, "pending count mismatch")

	ref, err := s.Push(ctx, items[0])
	assert.NoError(t, err, "pushing")
	assert.Equal(t, ref, "ev-1", "update should keep the remote id")

	assert.Equal(t, len(mutationRequests(f)), 3, "attempt count mismatch")
	assert.DeepEqual(t, c.Sleeps(), []time.Duration{time.Second, 2 * time.Second}, "delays should increase")

	got := getEvent(t, db, "ev-1")
	assert.Equal(t, got.SyncStatus, database.StatusSynced, "status mismatch")
	assert.Equal(t, got.PendingPayload, "", "payload should be cleared")
	assert.Equal(t, got.MutationID, "", "mutation id should be cleared")
	assert.Equal(t, got.LastError, "", "last error should be cleared")
	assert.Equal(t, got.Status, "done", "local column should reflect the change")

	writes := f.Writes()
	assert.Equalf(t, len(writes), 1, "write count mismatch")
	assert.Equal(t, writes[0].Name, "eventUpdate", "mutation name mismatch")
	assert.Equal(t, writes[0].Input["status"], "done", "input mismatch")
	assert.Equal(t, len(mustPending(t, s, database.KindEvents)), 0, "queue should be empty")
}

func TestPushExhaustedRetries(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	c := clock.NewMock()
	s := newService(t, db, newClient(t, f), c, nil)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "done"}), "enqueuing")

	f.FailNext(100, http.StatusBadGateway)

	items := mustPending(t, s, database.KindEvents)
	_, err := s.Push(ctx, items[0])

	var perr *Error
	assert.Equalf(t, errors.As(err, &perr), true, "push error expected")
	assert.Equal(t, perr.Attempts, 3, "attempt count mismatch")
	assert.Equal(t, perr.Permanent, false, "transient failure should not be permanent")
	assert.Equal(t, len(mutationRequests(f)), 3, "request count mismatch")

	got := getEvent(t, db, "ev-1")
	assert.Equal(t, got.SyncStatus, database.StatusError, "status mismatch")
	assert.NotEqual(t, got.LastError, "", "last error should be persisted")
	assert.Equal(t, got.AttemptCount, 3, "attempt count should be persisted")
	assert.Equal(t, got.PendingPayload, `{"status":"done"}`, "payload should be kept")

	again := mustPending(t, s, database.KindEvents)
	assert.Equal(t, len(again), 1, "failed item should be eligible again")
	assert.Equal(t, again[0].MutationID, items[0].MutationID, "mutation id should be stable")
}

func TestPushPermanentFailureIsNotRetried(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	c := clock.NewMock()
	s := newService(t, db, newClient(t, f), c, nil)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "bogus"}), "enqueuing")
	f.RejectMutations(1, "status is not allowed")

	_, err := s.Push(ctx, mustPending(t, s, database.KindEvents)[0])

	var perr *Error
	assert.Equalf(t, errors.As(err, &perr), true, "push error expected")
	assert.Equal(t, perr.Permanent, true, "rejection should be permanent")
	assert.Equal(t, perr.Attempts, 1, "rejection should not be retried")
	assert.Equal(t, len(c.Sleeps()), 0, "rejection should not sleep")

	got := getEvent(t, db, "ev-1")
	assert.Equal(t, got.SyncStatus, database.StatusError, "status mismatch")
}

func TestPendingMarksUnreadablePayloadFailed(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, f), clock.NewMock(), nil)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	seedPulledEvent(t, db, "ev-2")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-2", map[string]interface{}{"status": "done"}), "enqueuing")
	testutils.MustExec(t, db.Model(&database.Event{}).Where("external_id = ?", "ev-1").Updates(map[string]interface{}{
		"sync_status":     database.StatusModified,
		"pending_payload": "{not json",
	}), "corrupting payload")

	items := mustPending(t, s, database.KindEvents)
	assert.Equalf(t, len(items), 1, "pending count mismatch")
	assert.Equal(t, items[0].ExternalID, "ev-2", "readable record should be returned")

	got := getEvent(t, db, "ev-1")
	assert.Equal(t, got.SyncStatus, database.StatusError, "status mismatch")
	assert.NotEqual(t, got.LastError, "", "failure should be recorded")
	assert.Equal(t, got.AttemptCount, 0, "no push was attempted")
	assert.Equal(t, len(mutationRequests(f)), 0, "nothing should be sent")
}

func TestCreateAdoptsRemoteID(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, f), clock.NewMock(), nil)
	ctx := context.Background()

	localID, err := s.Create(ctx, database.KindActivities, map[string]interface{}{"eventId": "ev-1", "note": "checked pump"})
	assert.NoError(t, err, "creating")

	var local database.Activity
	testutils.MustExec(t, db.Where("external_id = ?", localID).First(&local), "reading local activity")
	assert.Equal(t, local.SyncStatus, database.StatusPending, "new record should be pending")
	assert.Equal(t, local.Note, "checked pump", "local column mismatch")

	ref, err := s.Push(ctx, mustPending(t, s, database.KindActivities)[0])
	assert.NoError(t, err, "pushing")

	var got database.Activity
	testutils.MustExec(t, db.Where("id = ?", local.ID).First(&got), "reading pushed activity")
	assert.Equal(t, got.ExternalID, ref, "external id should be the remote id")
	assert.Equal(t, got.RemoteRef, ref, "remote ref mismatch")
	assert.Equal(t, got.SyncStatus, database.StatusSynced, "status mismatch")
	assert.Equal(t, f.Writes()[0].Name, "activityCreate", "mutation name mismatch")
}

func TestDuplicateDelivery(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, f), clock.NewMock(), nil)
	ctx := context.Background()

	_, err := s.Create(ctx, database.KindActivities, map[string]interface{}{"note": "replaced belt"})
	assert.NoError(t, err, "creating")

	f.DropResponsesAfterCommit(1)

	item := mustPending(t, s, database.KindActivities)[0]
	ref, err := s.Push(ctx, item)
	assert.NoError(t, err, "pushing")

	assert.Equal(t, len(f.Writes()), 1, "the remote should hold one record")
	assert.Equal(t, f.Writes()[0].ID, ref, "remote id mismatch")
	assert.Equal(t, testutils.Count(t, db, &database.Activity{}), int64(1), "the store should hold one record")

	reqs := mutationRequests(f)
	assert.Equalf(t, len(reqs) >= 2, true, "the mutation should be resent")
	for _, r := range reqs {
		assert.Equal(t, r.IdempotencyKey, item.MutationID, "resend should carry the same idempotency key")
	}

	var got database.Activity
	testutils.MustExec(t, db.First(&got), "reading activity")
	assert.Equal(t, got.ExternalID, ref, "external id mismatch")
	assert.Equal(t, got.SyncStatus, database.StatusSynced, "status mismatch")
}

func TestCreateMergesIntoPulledRecord(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, f), clock.NewMock(), nil)
	ctx := context.Background()

	_, err := s.Create(ctx, database.KindActivities, map[string]interface{}{"note": "replaced belt"})
	assert.NoError(t, err, "creating")

	// a pull mirrored the record before the push was acknowledged
	pulled := database.Activity{
		ExternalID: "R1001",
		Note:       "replaced belt",
		SyncState:  database.SyncState{SyncStatus: database.StatusSynced, RemoteRef: "R1001"},
	}
	testutils.MustExec(t, db.Create(&pulled), "preparing pulled activity")

	ref, err := s.Push(ctx, mustPending(t, s, database.KindActivities)[0])
	assert.NoError(t, err, "pushing")
	assert.Equal(t, ref, "R1001", "remote id mismatch")

	assert.Equal(t, testutils.Count(t, db, &database.Activity{}), int64(1), "rows should be merged")

	var got database.Activity
	testutils.MustExec(t, db.First(&got), "reading activity")
	assert.Equal(t, got.ID, pulled.ID, "the mirrored row should be kept")
	assert.Equal(t, got.SyncStatus, database.StatusSynced, "status mismatch")
}

func TestEnqueue(t *testing.T) {
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, testutils.NewFakeRemote(t)), clock.NewMock(), nil)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")

	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "done"}), "first enqueue")
	first := getEvent(t, db, "ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"title": "Final inspection"}), "second enqueue")
	second := getEvent(t, db, "ev-1")

	assert.Equal(t, second.SyncStatus, database.StatusModified, "status mismatch")
	assert.Equal(t, second.Title, "Final inspection", "title column mismatch")
	assert.Equal(t, second.Status, "done", "status column mismatch")
	assert.Equal(t, second.PendingPayload, `{"status":"done","title":"Final inspection"}`, "payload should be merged")
	assert.NotEqual(t, first.MutationID, "", "mutation id should be assigned")

	err := s.Enqueue(ctx, database.KindEvents, "ev-404", map[string]interface{}{"status": "done"})
	assert.Equal(t, errors.Is(err, ErrNotFound), true, "unknown record error mismatch")

	err = s.Enqueue(ctx, database.KindAccounts, "acc-1", map[string]interface{}{"name": "x"})
	assert.NotEqual(t, err, nil, "immutable kind should be rejected")
}

func TestEnqueueOnPendingCreateKeepsKey(t *testing.T) {
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, testutils.NewFakeRemote(t)), clock.NewMock(), nil)
	ctx := context.Background()

	localID, err := s.Create(ctx, database.KindEvents, map[string]interface{}{"title": "Visit"})
	assert.NoError(t, err, "creating")
	before := getEvent(t, db, localID)

	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, localID, map[string]interface{}{"status": "scheduled"}), "enqueuing")
	after := getEvent(t, db, localID)

	assert.Equal(t, after.SyncStatus, database.StatusPending, "never pushed record should stay pending")
	assert.Equal(t, after.MutationID, before.MutationID, "create should keep its idempotency key")
}

// racingMutator enqueues another change while the mutation is in flight
type racingMutator struct {
	inner   Mutator
	service *Service
}

func (m *racingMutator) Mutate(ctx context.Context, mut remote.Mutation) (string, error) {
	if err := m.service.Enqueue(ctx, mut.Kind, mut.RemoteRef, map[string]interface{}{"title": "Changed meanwhile"}); err != nil {
		return "", err
	}

	return m.inner.Mutate(ctx, mut)
}

func TestChangesDuringPushStayModified(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	m := &racingMutator{inner: newClient(t, f)}
	s := newService(t, db, m, clock.NewMock(), nil)
	m.service = s
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "done"}), "enqueuing")

	_, err := s.Push(ctx, mustPending(t, s, database.KindEvents)[0])
	assert.NoError(t, err, "pushing")

	got := getEvent(t, db, "ev-1")
	assert.Equal(t, got.SyncStatus, database.StatusModified, "later change should keep the record modified")
	assert.Equal(t, got.PendingPayload, `{"status":"done","title":"Changed meanwhile"}`, "later change should be kept")
	assert.Equal(t, len(mustPending(t, s, database.KindEvents)), 1, "record should be pushed again")
}

type failingWriter struct {
	calls int
}

func (w *failingWriter) Write(ctx context.Context, item Item, ref string) error {
	w.calls++
	return errors.New("measurement store unavailable")
}

func TestSecondaryWrite(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	c := clock.NewMock()
	s := newService(t, db, newClient(t, f), c, NewMeasurementRecorder(db, c))
	ctx := context.Background()

	_, err := s.Create(ctx, database.KindActivities, map[string]interface{}{
		"note":        "pressure check",
		"measurement": map[string]interface{}{"value": 42.5, "unit": "psi"},
	})
	assert.NoError(t, err, "creating")

	ref, err := s.Push(ctx, mustPending(t, s, database.KindActivities)[0])
	assert.NoError(t, err, "pushing")

	var m database.Measurement
	testutils.MustExec(t, db.Where("activity_external_id = ?", ref).First(&m), "reading measurement")
	assert.Equal(t, m.Value, 42.5, "value mismatch")
	assert.Equal(t, m.Unit, "psi", "unit mismatch")
	assert.Equal(t, m.RemoteRef, ref, "remote ref mismatch")
}

func TestSecondaryWriteFailureKeepsSuccess(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	w := &failingWriter{}
	s := newService(t, db, newClient(t, f), clock.NewMock(), w)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "done"}), "enqueuing")

	_, err := s.Push(ctx, mustPending(t, s, database.KindEvents)[0])
	assert.NoError(t, err, "secondary failure should not fail the push")
	assert.Equal(t, w.calls, 1, "secondary write should run once")
	assert.Equal(t, getEvent(t, db, "ev-1").SyncStatus, database.StatusSynced, "status mismatch")
}

func TestRun(t *testing.T) {
	f := testutils.NewFakeRemote(t)
	db := testutils.InitMemoryDB(t)
	s := newService(t, db, newClient(t, f), clock.NewMock(), nil)
	ctx := context.Background()

	seedPulledEvent(t, db, "ev-1")
	seedPulledEvent(t, db, "ev-2")
	seedPulledEvent(t, db, "ev-3")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-1", map[string]interface{}{"status": "done"}), "enqueuing ev-1")
	assert.NoError(t, s.Enqueue(ctx, database.KindEvents, "ev-2", map[string]interface{}{"status": "bogus"}), "enqueuing ev-2")
	_, err := s.Create(ctx, database.KindActivities, map[string]interface{}{"note": "n"})
	assert.NoError(t, err, "creating activity")

	f.RejectMutations(1, "status is not allowed")

	sum, err := s.Run(ctx)
	assert.NoError(t, err, "running")
	assert.Equal(t, sum[database.KindEvents], KindSummary{Synced: 1, Errors: 1}, "events summary mismatch")
	assert.Equal(t, sum[database.KindActivities], KindSummary{Synced: 1}, "activities summary mismatch")
	assert.Equal(t, getEvent(t, db, "ev-3").SyncStatus, database.StatusSynced, "untouched record should stay synced")
}

func TestNewRejectsImmutableKind(t *testing.T) {
	_, err := New(Params{
		DB:        testutils.InitMemoryDB(t),
		Mutator:   &racingMutator{},
		Mutations: map[string]Mutations{database.KindAccounts: {Create: "accountCreate"}},
	})
	assert.NotEqual(t, err, nil, "immutable kind should be rejected")
}
