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
	"strconv"

	"github.com/dnote/mirror/pkg/clock"
	"github.com/dnote/mirror/pkg/mirror/database"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MeasurementRecorder stores the measurement carried by a pushed activity
type MeasurementRecorder struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewMeasurementRecorder returns a recorder writing to the given database
func NewMeasurementRecorder(db *gorm.DB, c clock.Clock) *MeasurementRecorder {
	if c == nil {
		c = clock.New()
	}

	return &MeasurementRecorder{db: db, clock: c}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Write upserts a measurement for the activity if its payload has a
// "measurement" object with a numeric value
func (r *MeasurementRecorder) Write(ctx context.Context, item Item, remoteRef string) error {
	if item.Kind != database.KindActivities {
		return nil
	}

	m, ok := item.Payload["measurement"].(map[string]interface{})
	if !ok {
		return nil
	}

	value, ok := toFloat(m["value"])
	if !ok {
		return errors.Errorf("measurement of activity %s has no numeric value", item.ExternalID)
	}
	unit, _ := m["unit"].(string)
	now := r.clock.Now().UTC()

	row := database.Measurement{
		ActivityExternalID: item.ExternalID,
		RemoteRef:          remoteRef,
		Value:              value,
		Unit:               unit,
		RecordedAt:         &now,
	}

	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "activity_external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"remote_ref", "value", "unit", "recorded_at", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "recording measurement of activity %s", item.ExternalID)
	}

	return nil
}
