package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidPeriod = errors.New("invalid period length")

var periodPattern = regexp.MustCompile(`^([0-9]+)\s*([dwmy]?)$`)

// Period advances a date by one period length. Dates are UTC midnights.
type Period interface {
	Next(t time.Time) time.Time
	String() string
}

// ParsePeriod reads a period length: "N" or "Nd" days, "Nw" weeks, "Nm"
// months, "Ny" years. "-7", "-10" and "-30" stand for one week, one
// dekad and one month.
func ParsePeriod(text string) (Period, error) {
	text = strings.TrimSpace(text)
	switch text {
	case "":
		return nil, fmt.Errorf("%w: empty", ErrInvalidPeriod)
	case "-7":
		return weekPeriod(1), nil
	case "-10":
		return dekadPeriod{}, nil
	case "-30":
		return monthPeriod(1), nil
	}

	m := periodPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeriod, text)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: %q must be greater than 0", ErrInvalidPeriod, text)
	}
	switch m[2] {
	case "w":
		return weekPeriod(n), nil
	case "m":
		return monthPeriod(n), nil
	case "y":
		return yearPeriod(n), nil
	default:
		return dayPeriod(n), nil
	}
}

type dayPeriod int

func (p dayPeriod) Next(t time.Time) time.Time { return t.AddDate(0, 0, int(p)) }
func (p dayPeriod) String() string             { return fmt.Sprintf("%dd", int(p)) }

// weekPeriod keeps weeks aligned across years: the week that contains
// 30 Dec also takes 31 Dec, and in leap years the week that contains 28 Feb
// also takes 29 Feb.
type weekPeriod int

func (p weekPeriod) Next(t time.Time) time.Time {
	before := t.YearDay()
	leap := isLeapYear(t.Year())
	next := t.AddDate(0, 0, 7*int(p))
	after := next.YearDay()
	wrapped := after < before

	switch {
	case leap && before < 31+28 && after > 31+28:
		next = next.AddDate(0, 0, 1)
	case leap && before < 365 && (after > 365 || wrapped):
		next = next.AddDate(0, 0, 1)
	case !leap && before < 364 && (after > 364 || wrapped):
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (p weekPeriod) String() string { return fmt.Sprintf("%dw", int(p)) }

// dekadPeriod steps to the 11th, the 21st and the 1st of the next month.
type dekadPeriod struct{}

func (dekadPeriod) Next(t time.Time) time.Time {
	if t.Day() < 20 {
		return t.AddDate(0, 0, 10)
	}
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

func (dekadPeriod) String() string { return "-10" }

type monthPeriod int

func (p monthPeriod) Next(t time.Time) time.Time { return addMonthsClamped(t, int(p)) }
func (p monthPeriod) String() string             { return fmt.Sprintf("%dm", int(p)) }

type yearPeriod int

func (p yearPeriod) Next(t time.Time) time.Time { return addMonthsClamped(t, 12*int(p)) }
func (p yearPeriod) String() string             { return fmt.Sprintf("%dy", int(p)) }

// addMonthsClamped adds months and clamps the day to the target month, so
// 31 Jan plus one month is 28 or 29 Feb rather than early March.
func addMonthsClamped(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(t.Day(), last)-1)
}

func isLeapYear(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}

// ComputePeriodRanges returns one range per stepping period starting at
// minDate. Each range lasts one compositing period and must end by maxDate.
func ComputePeriodRanges(minDate, maxDate time.Time, step, compositing Period) ([]DateRange, error) {
	var ranges []DateRange
	for start := minDate; ; start = step.Next(start) {
		end := compositing.Next(start).AddDate(0, 0, -1)
		if end.After(maxDate) {
			break
		}
		ranges = append(ranges, DateRange{Start: start, End: end})
	}
	if len(ranges) == 0 {
		return nil, ErrNoPeriods
	}
	return ranges, nil
}
