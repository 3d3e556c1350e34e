/*
date.go - Canonical calendar dates

PURPOSE:
  Every join between the two record families goes through a CalendarDate.
  Upload rows arrive with dates in many shapes (spreadsheet serials,
  "2025.7.1", "2025/07/01", "July 1, 2025"). NormalizeDate turns all of
  them into YYYY-MM-DD or "" when nothing sensible can be extracted.

RULES (applied in order):
  1. numbers are spreadsheet serial day counts (epoch 1899-12-30)
  2. canonical YYYY-MM-DD passes through
  3. year-first strings with -, ., / or whitespace separators get zero-padded
  4. anything else goes to a general-purpose parser

  NormalizeDate never fails. Callers treat "" as "date missing" and apply
  their own default (usually today, see DateOrToday).

IDEMPOTENCE:
  NormalizeDate(NormalizeDate(x)) == NormalizeDate(x)
*/
package engine

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/xuri/excelize/v2"
)

const isoLayout = "2006-01-02"

var (
	isoPattern       = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	yearFirstPattern = regexp.MustCompile(`^(\d{4})[-./\s]+(\d{1,2})[-./\s]+(\d{1,2})\.?$`)
)

// NormalizeDate converts v to a CalendarDate. loc is used for time values and
// for strings without an explicit zone; nil means UTC.
func NormalizeDate(v any, loc *time.Location) CalendarDate {
	if loc == nil {
		loc = time.UTC
	}
	switch t := v.(type) {
	case nil:
		return ""
	case CalendarDate:
		return normalizeString(string(t), loc)
	case string:
		return normalizeString(t, loc)
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return CalendarDate(t.In(loc).Format(isoLayout))
	case *time.Time:
		if t == nil {
			return ""
		}
		return NormalizeDate(*t, loc)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return ""
		}
		return fromSerial(f)
	case float64:
		return fromSerial(t)
	case float32:
		return fromSerial(float64(t))
	case int:
		return fromSerial(float64(t))
	case int32:
		return fromSerial(float64(t))
	case int64:
		return fromSerial(float64(t))
	case uint:
		return fromSerial(float64(t))
	case uint32:
		return fromSerial(float64(t))
	case uint64:
		return fromSerial(float64(t))
	}
	return ""
}

// DateOrToday normalizes v and falls back to today's date in loc.
func DateOrToday(v any, now func() time.Time, loc *time.Location) CalendarDate {
	if d := NormalizeDate(v, loc); d != "" {
		return d
	}
	return Today(now, loc)
}

// Today returns the current calendar date in loc.
func Today(now func() time.Time, loc *time.Location) CalendarDate {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return CalendarDate(now().In(loc).Format(isoLayout))
}

func fromSerial(serial float64) CalendarDate {
	if serial <= 0 || math.IsNaN(serial) || math.IsInf(serial, 0) {
		return ""
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return ""
	}
	return CalendarDate(t.Format(isoLayout))
}

func normalizeString(s string, loc *time.Location) CalendarDate {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if isoPattern.MatchString(s) {
		if _, err := time.Parse(isoLayout, s); err != nil {
			return ""
		}
		return CalendarDate(s)
	}

	if m := yearFirstPattern.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return ymd(year, month, day)
	}

	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return ""
	}
	return CalendarDate(t.In(loc).Format(isoLayout))
}

// ymd rejects out-of-range parts instead of letting time.Date roll them over.
func ymd(year, month, day int) CalendarDate {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return ""
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(month) || t.Day() != day {
		return ""
	}
	return CalendarDate(t.Format(isoLayout))
}
