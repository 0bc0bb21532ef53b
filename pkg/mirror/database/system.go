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

package database

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSystemNotFound is returned when the system table has no row for a key
var ErrSystemNotFound = errors.New("system key not found")

// GetSystem reads the value stored under the given key
func GetSystem(db *gorm.DB, key string) (string, error) {
	var row System
	err := db.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrSystemNotFound
	} else if err != nil {
		return "", errors.Wrapf(err, "reading system key %s", key)
	}

	return row.Value, nil
}

// UpsertSystem stores the value under the given key, replacing any previous value
func UpsertSystem(db *gorm.DB, key, value string) error {
	row := System{Key: key, Value: value}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "writing system key %s", key)
	}

	return nil
}

// DeleteSystem removes the row stored under the given key
func DeleteSystem(db *gorm.DB, key string) error {
	if err := db.Where("key = ?", key).Delete(&System{}).Error; err != nil {
		return errors.Wrapf(err, "deleting system key %s", key)
	}

	return nil
}
