// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CronExpr represents a parsed cron expression.
type CronExpr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)

	// domRestricted and dowRestricted record whether the day fields were
	// something other than "*". When both are restricted a day matches if
	// either field matches.
	domRestricted bool
	dowRestricted bool
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// ParseCron parses a cron expression.
// Format: minute hour day-of-month month day-of-week
// Examples:
//   - "0 * * * *" - every hour at minute 0
//   - "*/15 * * * *" - every 15 minutes
//   - "0 9 * * mon-fri" - 9 AM on weekdays
//   - "0 0 1 * *" - midnight on the first of each month
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	switch strings.ToLower(expr) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{
		domRestricted: restricted(fields[2]),
		dowRestricted: restricted(fields[4]),
	}
	var err error

	c.minute, err = parseField(fields[0], 0, 59, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	c.hour, err = parseField(fields[1], 0, 23, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	c.dayOfMonth, err = parseField(fields[2], 1, 31, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	c.month, err = parseField(fields[3], 1, 12, monthNames)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	// 7 is accepted as Sunday.
	dow, err := parseField(fields[4], 0, 7, dayNames)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	for i, d := range dow {
		if d == 7 {
			dow[i] = 0
		}
	}
	c.dayOfWeek = unique(dow)

	return c, nil
}

// restricted follows the classic cron rule: a field starting with "*"
// (including "*/n") does not restrict the day.
func restricted(field string) bool {
	return !strings.HasPrefix(field, "*") && field != "?"
}

// parseField parses a single cron field.
func parseField(field string, min, max int, names map[string]int) ([]int, error) {
	if field == "*" || field == "?" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int

	parts := strings.Split(field, ",")
	for _, part := range parts {
		values, err := parseFieldPart(part, min, max, names)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	return unique(result), nil
}

// parseFieldPart parses a single part of a cron field (handles ranges and steps).
func parseFieldPart(part string, min, max int, names map[string]int) ([]int, error) {
	step := 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int
	var err error

	switch {
	case part == "*":
		start, end = min, max
	case strings.Contains(part, "-"):
		idx := strings.Index(part, "-")
		start, err = parseValue(part[:idx], names)
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = parseValue(part[idx+1:], names)
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	default:
		start, err = parseValue(part, names)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
		// "5/15" means 5, 20, 35, 50.
		if step > 1 {
			end = max
		}
	}

	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

func parseValue(s string, names map[string]int) (int, error) {
	if v, ok := names[strings.ToLower(s)]; ok {
		return v, nil
	}
	return strconv.Atoi(s)
}

// Next returns the first time strictly after from that matches the
// expression, in from's location. It returns the zero time when nothing
// matches within four years (e.g. "0 0 30 2 *").
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)

	maxTime := from.Add(4 * 365 * 24 * time.Hour)

	for t.Before(maxTime) {
		if !contains(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}

		if !contains(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t
	}

	return time.Time{}
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := contains(c.dayOfMonth, t.Day())
	dow := contains(c.dayOfWeek, int(t.Weekday()))
	if c.domRestricted && c.dowRestricted {
		return dom || dow
	}
	return dom && dow
}

// contains checks if a sorted slice contains a value.
func contains(slice []int, val int) bool {
	i := sort.SearchInts(slice, val)
	return i < len(slice) && slice[i] == val
}

// unique removes duplicates and sorts.
func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	sort.Ints(result)
	return result
}
