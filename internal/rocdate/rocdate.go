// Package rocdate parses Republic of China calendar date ranges such as
// "114/12/01-114/12/31".
package rocdate

import (
	"strconv"
	"strings"
	"time"
)

// YearOffset converts an ROC era year to a Gregorian year.
const YearOffset = 1911

// ParseRange splits s once on the first "-" and parses both halves. A string
// without a separator is treated as a single day. Any malformed half yields
// (nil, nil).
func ParseRange(s string) (start, end *time.Time) {
	left, right, found := strings.Cut(s, "-")
	if !found {
		right = left
	}
	st, ok := ParseDate(left)
	if !ok {
		return nil, nil
	}
	en, ok := ParseDate(right)
	if !ok {
		return nil, nil
	}
	return &st, &en
}

// ParseDate parses one "Y/M/D" ROC date into a UTC civil date.
func ParseDate(s string) (time.Time, bool) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}
	year, month, day := nums[0]+YearOffset, nums[1], nums[2]
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// Format renders a civil date as ISO YYYY-MM-DD, or "" for nil.
func Format(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
