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

package timezone

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/dnote/mirror/pkg/assert"
	"github.com/pkg/errors"
)

const montreal = "America/Montreal"

func TestRoundTrip(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	instants := []time.Time{
		time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.January, 1, 4, 59, 59, 999999999, time.UTC),
		time.Date(2024, time.January, 1, 5, 0, 0, 0, time.UTC),
		// spring forward: 02:00 local does not exist
		time.Date(2024, time.March, 10, 6, 59, 59, 0, time.UTC),
		time.Date(2024, time.March, 10, 7, 0, 0, 0, time.UTC),
		// fall back: 01:30 local happens twice
		time.Date(2024, time.November, 3, 5, 30, 0, 0, time.UTC),
		time.Date(2024, time.November, 3, 6, 30, 0, 0, time.UTC),
		time.Date(1999, time.December, 31, 23, 59, 59, 1, time.UTC),
		// local mean time before standard zones: offset is not whole minutes
		time.Date(1880, time.January, 1, 12, 0, 0, 0, time.UTC),
		time.Date(1883, time.November, 18, 17, 0, 0, 0, time.UTC),
	}

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		instants = append(instants, time.Unix(r.Int63n(4102444800), r.Int63n(1e9)))
	}

	for idx, x := range instants {
		got, err := n.ToRemoteFilter(n.ToLocal(x))
		if err != nil {
			t.Fatal(errors.Wrapf(err, "converting instant %d", idx))
		}

		assert.Equal(t, got, n.FormatRemote(x), fmt.Sprintf("string mismatch for %s", x))

		parsed, err := n.ParseRemote(got)
		if err != nil {
			t.Fatal(errors.Wrapf(err, "parsing instant %d", idx))
		}
		assert.Equal(t, parsed.Equal(x), true, fmt.Sprintf("instant mismatch for %s", x))
	}
}

func TestToLocal(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	testCases := []struct {
		instant  time.Time
		expected LocalTime
	}{
		{
			instant:  time.Date(2024, time.June, 2, 3, 30, 0, 0, time.UTC),
			expected: LocalTime{Date: "2024-06-01", Time: "23:30:00.000000000", Zone: "-04:00:00"},
		},
		{
			instant:  time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC),
			expected: LocalTime{Date: "2024-01-15", Time: "07:00:00.000000000", Zone: "-05:00:00"},
		},
		{
			instant:  time.Date(2024, time.November, 3, 5, 30, 0, 0, time.UTC),
			expected: LocalTime{Date: "2024-11-03", Time: "01:30:00.000000000", Zone: "-04:00:00"},
		},
		{
			instant:  time.Date(2024, time.November, 3, 6, 30, 0, 0, time.UTC),
			expected: LocalTime{Date: "2024-11-03", Time: "01:30:00.000000000", Zone: "-05:00:00"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.instant.String(), func(t *testing.T) {
			assert.DeepEqual(t, n.ToLocal(tc.instant), tc.expected, "local time mismatch")
		})
	}
}

func TestLocalMeanTime(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)
	x := time.Date(1880, time.January, 1, 12, 0, 0, 0, time.UTC)

	lt := n.ToLocal(x)
	assert.Equal(t, lt.Zone, "-05:17:32", "zone should keep offset seconds")

	got, err := n.ToRemoteFilter(lt)
	assert.NoError(t, err, "converting back")
	assert.Equal(t, got, "1880-01-01T12:00:00Z", "instant mismatch")
}

func TestToRemoteFilterMinuteZone(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	got, err := n.ToRemoteFilter(LocalTime{Date: "2024-06-01", Time: "23:30:00.000000000", Zone: "-04:00"})
	assert.NoError(t, err, "converting")
	assert.Equal(t, got, "2024-06-02T03:30:00Z", "instant mismatch")
}

func TestWindows(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	testCases := []struct {
		instant time.Time
		period  Period
		start   string
		next    string
	}{
		{
			instant: time.Date(2024, time.January, 1, 4, 30, 0, 0, time.UTC),
			period:  PeriodYear,
			start:   "2023-01-01T05:00:00Z",
			next:    "2024-01-01T05:00:00Z",
		},
		{
			instant: time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC),
			period:  PeriodMonth,
			start:   "2024-03-01T05:00:00Z",
			next:    "2024-04-01T04:00:00Z",
		},
		{
			instant: time.Date(2024, time.December, 20, 0, 0, 0, 0, time.UTC),
			period:  PeriodMonth,
			start:   "2024-12-01T05:00:00Z",
			next:    "2025-01-01T05:00:00Z",
		},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s of %s", tc.period, tc.instant), func(t *testing.T) {
			start := n.WindowStart(tc.instant, tc.period)
			assert.Equal(t, n.FormatRemote(start), tc.start, "start mismatch")
			assert.Equal(t, start.Location(), time.UTC, "start should be UTC")
			assert.Equal(t, n.FormatRemote(n.NextWindow(tc.instant, tc.period)), tc.next, "next mismatch")
		})
	}
}

func TestDateStart(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	got, err := n.DateStart("2015-01-01")
	assert.NoError(t, err, "computing date start")
	assert.Equal(t, got, time.Date(2015, time.January, 1, 5, 0, 0, 0, time.UTC), "date start mismatch")

	_, err = n.DateStart("01/01/2015")
	assert.Equal(t, errors.Is(err, ErrInvalidTimestamp), true, "invalid date should be rejected")
}

func TestDayStart(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	got, err := n.DayStart("2024-06-01")
	assert.NoError(t, err, "computing day start")
	assert.Equal(t, got, "2024-06-01T04:00:00Z", "summer day start mismatch")

	got, err = n.DayStart("2024-12-01")
	assert.NoError(t, err, "computing day start")
	assert.Equal(t, got, "2024-12-01T05:00:00Z", "winter day start mismatch")

	_, err = n.DayStart("June 1st")
	assert.Equal(t, errors.Is(err, ErrInvalidTimestamp), true, "invalid date should be rejected")
}

func TestParseRemote(t *testing.T) {
	testCases := []struct {
		name     string
		policy   NaivePolicy
		input    string
		expected time.Time
	}{
		{
			name:     "utc designator",
			policy:   NaiveUTC,
			input:    "2024-06-02T10:00:00Z",
			expected: time.Date(2024, time.June, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "explicit offset",
			policy:   NaiveLocal,
			input:    "2024-06-02T06:00:00.250-04:00",
			expected: time.Date(2024, time.June, 2, 10, 0, 0, 250000000, time.UTC),
		},
		{
			name:     "naive as utc",
			policy:   NaiveUTC,
			input:    "2024-06-02T10:00:00",
			expected: time.Date(2024, time.June, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "naive as local",
			policy:   NaiveLocal,
			input:    "2024-06-02T06:00:00",
			expected: time.Date(2024, time.June, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:     "date only as local",
			policy:   NaiveLocal,
			input:    "2024-01-02",
			expected: time.Date(2024, time.January, 2, 5, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := MustNew(montreal, tc.policy)

			got, err := n.ParseRemote(tc.input)
			assert.NoError(t, err, "parsing")
			assert.Equal(t, got.Equal(tc.expected), true, fmt.Sprintf("got %s want %s", got, tc.expected))
			assert.Equal(t, got.Location(), time.UTC, "parsed value should be UTC")
		})
	}
}

func TestParseRemoteInvalid(t *testing.T) {
	n := MustNew(montreal, NaiveUTC)

	for _, input := range []string{"", "yesterday", "2024-13-45T00:00:00Z"} {
		_, err := n.ParseRemote(input)
		assert.Equal(t, errors.Is(err, ErrInvalidTimestamp), true, fmt.Sprintf("input '%s' should be rejected", input))
	}
}

func TestNewInvalid(t *testing.T) {
	_, err := New("Mars/Olympus_Mons", NaiveUTC)
	assert.NotEqual(t, err, nil, "unknown timezone should be rejected")

	_, err = New(montreal, NaivePolicy("sometimes"))
	assert.NotEqual(t, err, nil, "unknown policy should be rejected")
}
