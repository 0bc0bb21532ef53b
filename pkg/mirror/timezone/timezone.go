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

// Package timezone converts between the remote API's absolute instants and
// wall-clock values in the operational timezone. No other package performs
// timezone arithmetic.
package timezone

import (
	"strings"
	"time"

	// embedded zone database so the binary does not depend on the host's tzdata
	_ "time/tzdata"

	"github.com/pkg/errors"
)

// NaivePolicy decides which zone a remote timestamp without an offset is in
type NaivePolicy string

const (
	// NaiveUTC treats timestamps without an offset as UTC
	NaiveUTC NaivePolicy = "utc"
	// NaiveLocal treats timestamps without an offset as wall-clock time in the operational timezone
	NaiveLocal NaivePolicy = "local"
)

// Period is a calendar period in the operational timezone
type Period string

const (
	// PeriodYear is a calendar year
	PeriodYear Period = "year"
	// PeriodMonth is a calendar month
	PeriodMonth Period = "month"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05.000000000"
	// seconds are kept for historical zones whose offset is not whole minutes
	zoneLayout      = "-07:00:00"
	shortZoneLayout = "-07:00"
)

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	dateLayout,
}

var (
	// ErrInvalidTimestamp is returned for values that are not a recognized timestamp
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// LocalTime is a wall-clock reading in the operational timezone. Zone holds the
// UTC offset in effect, which disambiguates the repeated hour at the end of
// daylight saving time.
type LocalTime struct {
	Date string
	Time string
	Zone string
}

// Normalizer is the single authority for timezone conversion
type Normalizer struct {
	loc   *time.Location
	naive NaivePolicy
}

// New returns a normalizer for the given IANA timezone name
func New(name string, naive NaivePolicy) (*Normalizer, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "loading timezone %s", name)
	}

	switch naive {
	case "":
		naive = NaiveUTC
	case NaiveUTC, NaiveLocal:
	default:
		return nil, errors.Errorf("unknown naive timestamp policy '%s'", naive)
	}

	return &Normalizer{loc: loc, naive: naive}, nil
}

// MustNew is like New but panics on error. It is used for fixed, known-good timezones.
func MustNew(name string, naive NaivePolicy) *Normalizer {
	n, err := New(name, naive)
	if err != nil {
		panic(err)
	}

	return n
}

// Location returns the operational timezone
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// ToLocal converts an instant to a wall-clock reading in the operational timezone
func (n *Normalizer) ToLocal(t time.Time) LocalTime {
	lt := t.In(n.loc)

	return LocalTime{
		Date: lt.Format(dateLayout),
		Time: lt.Format(timeLayout),
		Zone: lt.Format(zoneLayout),
	}
}

// LocalDate returns the calendar date of the instant in the operational timezone
func (n *Normalizer) LocalDate(t time.Time) string {
	return t.In(n.loc).Format(dateLayout)
}

// ToRemoteFilter converts a wall-clock reading back to the remote instant
// representation. A reading without a zone is resolved in the operational timezone.
func (n *Normalizer) ToRemoteFilter(lt LocalTime) (string, error) {
	clock := lt.Time
	if clock == "" {
		clock = "00:00:00.000000000"
	}

	var t time.Time
	var err error
	if lt.Zone != "" {
		value := strings.Join([]string{lt.Date, clock, lt.Zone}, " ")
		t, err = time.Parse(dateLayout+" "+timeLayout+" "+zoneLayout, value)
		if err != nil {
			t, err = time.Parse(dateLayout+" "+timeLayout+" "+shortZoneLayout, value)
		}
	} else {
		t, err = time.ParseInLocation(dateLayout+" "+timeLayout, lt.Date+" "+clock, n.loc)
	}
	if err != nil {
		return "", errors.Wrapf(ErrInvalidTimestamp, "local time %+v: %v", lt, err)
	}

	return n.FormatRemote(t), nil
}

// DateStart returns the instant at which the given local date begins
func (n *Normalizer) DateStart(date string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, date, n.loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "local date '%s'", date)
	}

	return t.UTC(), nil
}

// DayStart returns the remote instant at which the given local date begins
func (n *Normalizer) DayStart(date string) (string, error) {
	t, err := n.DateStart(date)
	if err != nil {
		return "", err
	}

	return n.FormatRemote(t), nil
}

// FormatRemote renders an instant in the remote API's representation
func (n *Normalizer) FormatRemote(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseRemote parses a remote timestamp into a UTC instant. Values without an
// offset are interpreted according to the naive timestamp policy.
func (n *Normalizer) ParseRemote(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.Wrap(ErrInvalidTimestamp, "empty value")
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	loc := time.UTC
	if n.naive == NaiveLocal {
		loc = n.loc
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, errors.Wrapf(ErrInvalidTimestamp, "'%s'", s)
}

// YearStart returns the instant at which the given year begins in the operational timezone
func (n *Normalizer) YearStart(year int) time.Time {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, n.loc)
}

// MonthStart returns the instant at which the given month begins in the operational timezone
func (n *Normalizer) MonthStart(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, n.loc)
}

// WindowStart returns the start of the period containing t, in UTC
func (n *Normalizer) WindowStart(t time.Time, p Period) time.Time {
	lt := t.In(n.loc)
	if p == PeriodMonth {
		return n.MonthStart(lt.Year(), lt.Month()).UTC()
	}

	return n.YearStart(lt.Year()).UTC()
}

// NextWindow returns the start of the period following the one containing t, in UTC
func (n *Normalizer) NextWindow(t time.Time, p Period) time.Time {
	lt := t.In(n.loc)
	if p == PeriodMonth {
		return n.MonthStart(lt.Year(), lt.Month()+1).UTC()
	}

	return n.YearStart(lt.Year() + 1).UTC()
}
