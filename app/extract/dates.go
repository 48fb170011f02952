package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/text/unicode/norm"
)

var (
	dayYearMonthPattern = regexp.MustCompile(`^(\d{1,2})(\d{4}-\d{2})$`)
	monthDayPattern     = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})$`)
	cjkDatePattern      = regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日?`)
	digitsPattern       = regexp.MustCompile(`^\d+$`)
)

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"2006-1-2",
	"2006/1/2",
	"2006.1.2",
	"20060102",
}

// ParseDate parses the date formats seen on listing pages and APIs. Naive
// values are read in loc; month-day values get the most recent matching
// year relative to now. Unparseable input yields nil.
func ParseDate(raw string, loc *time.Location, now time.Time) *time.Time {
	s := cleanDate(raw)
	if s == "" {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}

	if digitsPattern.MatchString(s) {
		switch len(s) {
		case 10:
			secs, _ := strconv.ParseInt(s, 10, 64)
			return ptr(time.Unix(secs, 0).In(loc))
		case 13:
			millis, _ := strconv.ParseInt(s, 10, 64)
			return ptr(time.UnixMilli(millis).In(loc))
		}
	}

	if m := dayYearMonthPattern.FindStringSubmatch(s); m != nil {
		day := m[1]
		if len(day) == 1 {
			day = "0" + day
		}
		s = m[2] + "-" + day
	}

	if m := monthDayPattern.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return nil
		}
		today := now.In(loc)
		year := today.Year()
		if month > int(today.Month()) || (month == int(today.Month()) && day > today.Day()) {
			year--
		}
		t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
		if t.Day() != day {
			return nil
		}
		return &t
	}

	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t
		}
	}

	if t, err := dateparse.ParseIn(s, loc); err == nil {
		return &t
	}

	return nil
}

func cleanDate(raw string) string {
	s := norm.NFKC.String(strings.TrimSpace(raw))
	s = strings.Trim(s, "[]()【】<> \t\r\n")
	if m := cjkDatePattern.FindStringSubmatch(s); m != nil {
		s = m[1] + "-" + m[2] + "-" + m[3]
	}
	return strings.Join(strings.Fields(s), " ")
}

func ptr(t time.Time) *time.Time {
	return &t
}
