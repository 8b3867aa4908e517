// Package delivery turns free-text delivery promises into whole-day offsets.
package delivery

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Shape identifies which recognized pattern produced an Estimate.
type Shape string

const (
	ShapeSameDay          Shape = "same_day"
	ShapeTomorrow         Shape = "tomorrow"
	ShapeDayCount         Shape = "day_count"
	ShapeDateRange        Shape = "date_range"
	ShapeSharedMonthRange Shape = "shared_month_range"
	ShapeSingleDate       Shape = "single_date"
)

// ErrUnrecognized is wrapped by every NormalizationError.
var ErrUnrecognized = errors.New("unrecognized delivery estimate")

// NormalizationError reports text that matched none of the known shapes.
type NormalizationError struct {
	Text string
	Err  error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("failed to normalize %q: %v", e.Text, e.Err)
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

// NormalizationFailure lets error classifiers recognize the type without importing this package.
func (e *NormalizationError) NormalizationFailure() bool { return true }

// Estimate is the normalized form of a delivery promise.
type Estimate struct {
	EarliestDays int
	LatestDays   int
	// Window holds a same-day or next-day time window such as "7 AM - 11 AM".
	Window string
	Shape  Shape
}

const monthPattern = `(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?`

const weekdayPattern = `(?:(?:mon|tues|wednes|thurs|fri|satur|sun)day,?\s+)?`

var (
	sameDayRe      = regexp.MustCompile(`(?i)\b(?:overnight|today)\b(.*)$`)
	tomorrowRe     = regexp.MustCompile(`(?i)\btomorrow\b(.*)$`)
	inDaysRe       = regexp.MustCompile(`(?i)\bin\s+(\d{1,3})\s+(?:business\s+)?days?\b`)
	dayRangeRe     = regexp.MustCompile(`(?i)\b(\d{1,3})\s*-\s*(\d{1,3})\s+(?:business\s+)?days?\b`)
	dateRangeRe    = regexp.MustCompile(`(?i)\b` + monthPattern + `\s+(\d{1,2})\s*-\s*` + weekdayPattern + monthPattern + `\s+(\d{1,2})\b`)
	sharedMonthRe  = regexp.MustCompile(`(?i)\b` + monthPattern + `\s+(\d{1,2})\s*-\s*(\d{1,2})\b`)
	singleDateRe   = regexp.MustCompile(`(?i)\b` + monthPattern + `\s+(\d{1,2})\b`)
	windowRe       = regexp.MustCompile(`(?i)\d{1,2}(?::\d{2})?\s*[ap]\.?m\.?\s*-\s*\d{1,2}(?::\d{2})?\s*[ap]\.?m\.?`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
	dashReplacer   = strings.NewReplacer("–", "-", "—", "-", "−", "-", " ", " ", "‎", "", "‏", "")
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

type shapeParser struct {
	shape Shape
	parse func(text string, today time.Time) (Estimate, bool, error)
}

// parsers run in priority order; the first match wins.
var parsers = []shapeParser{
	{ShapeSameDay, parseSameDay},
	{ShapeTomorrow, parseTomorrow},
	{ShapeDayCount, parseDayCount},
	{ShapeDateRange, parseDateRange},
	{ShapeSharedMonthRange, parseSharedMonthRange},
	{ShapeSingleDate, parseSingleDate},
}

// Normalize converts text into day offsets relative to today.
func Normalize(text string, today time.Time) (Estimate, error) {
	cleaned := clean(text)
	if cleaned == "" {
		return Estimate{}, &NormalizationError{Text: text, Err: ErrUnrecognized}
	}

	for _, p := range parsers {
		est, ok, err := p.parse(cleaned, today)
		if err != nil {
			return Estimate{}, &NormalizationError{Text: text, Err: err}
		}
		if ok {
			est.Shape = p.shape
			return est, nil
		}
	}

	return Estimate{}, &NormalizationError{Text: text, Err: ErrUnrecognized}
}

func clean(text string) string {
	text = dashReplacer.Replace(text)
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func parseSameDay(text string, _ time.Time) (Estimate, bool, error) {
	m := sameDayRe.FindStringSubmatch(text)
	if m == nil {
		return Estimate{}, false, nil
	}
	return Estimate{Window: windowRe.FindString(m[1])}, true, nil
}

func parseTomorrow(text string, _ time.Time) (Estimate, bool, error) {
	m := tomorrowRe.FindStringSubmatch(text)
	if m == nil {
		return Estimate{}, false, nil
	}
	return Estimate{EarliestDays: 1, LatestDays: 1, Window: windowRe.FindString(m[1])}, true, nil
}

func parseDayCount(text string, _ time.Time) (Estimate, bool, error) {
	if m := dayRangeRe.FindStringSubmatch(text); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		if hi < lo {
			lo, hi = hi, lo
		}
		return Estimate{EarliestDays: lo, LatestDays: hi}, true, nil
	}
	if m := inDaysRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Estimate{EarliestDays: n, LatestDays: n}, true, nil
	}
	return Estimate{}, false, nil
}

func parseDateRange(text string, today time.Time) (Estimate, bool, error) {
	m := dateRangeRe.FindStringSubmatch(text)
	if m == nil {
		return Estimate{}, false, nil
	}
	return rangeEstimate(today, m[1], m[2], m[3], m[4])
}

func parseSharedMonthRange(text string, today time.Time) (Estimate, bool, error) {
	m := sharedMonthRe.FindStringSubmatch(text)
	if m == nil {
		return Estimate{}, false, nil
	}
	return rangeEstimate(today, m[1], m[2], m[1], m[3])
}

func parseSingleDate(text string, today time.Time) (Estimate, bool, error) {
	m := singleDateRe.FindStringSubmatch(text)
	if m == nil {
		return Estimate{}, false, nil
	}
	d, err := nextOccurrence(today, m[1], m[2])
	if err != nil {
		return Estimate{}, false, err
	}
	days := daysBetween(today, d)
	return Estimate{EarliestDays: days, LatestDays: days}, true, nil
}

func rangeEstimate(today time.Time, startMonth, startDay, endMonth, endDay string) (Estimate, bool, error) {
	start, err := nextOccurrence(today, startMonth, startDay)
	if err != nil {
		return Estimate{}, false, err
	}
	end, err := nextOccurrence(today, endMonth, endDay)
	if err != nil {
		return Estimate{}, false, err
	}
	// "Dec 30 - Jan 2" seen in late December, or a range whose end was already rolled.
	for end.Before(start) {
		end = end.AddDate(1, 0, 0)
	}
	return Estimate{
		EarliestDays: daysBetween(today, start),
		LatestDays:   daysBetween(today, end),
	}, true, nil
}

// nextOccurrence resolves a month/day with no year to the first such date on or after today.
func nextOccurrence(today time.Time, monthText, dayText string) (time.Time, error) {
	key := strings.ToLower(monthText)
	if len(key) > 3 {
		key = key[:3]
	}
	month, ok := months[key]
	if !ok {
		return time.Time{}, fmt.Errorf("unknown month %q", monthText)
	}
	day, err := strconv.Atoi(dayText)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q: %w", dayText, err)
	}

	base := civil(today)
	for year := base.Year(); year <= base.Year()+1; year++ {
		d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
		if d.Month() != month || d.Day() != day {
			// Feb 29 outside a leap year, Apr 31, and the like.
			continue
		}
		if !d.Before(base) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("no valid date for %s %d", month, day)
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(today, d time.Time) int {
	return int(d.Sub(civil(today)).Hours() / 24)
}
