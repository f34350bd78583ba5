package queryplan

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var isoDurationPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ISODuration is an ISO-8601 duration. Calendar parts are applied with
// time.AddDate so months and years follow the calendar.
type ISODuration struct {
	Years, Months, Days int
	Clock               time.Duration
}

// ParseISODuration parses durations such as "P30D", "P1M", "PT12H" and
// "P1DT2H30M".
func ParseISODuration(s string) (ISODuration, error) {
	m := isoDurationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s[len(s)-1] == 'T' {
		return ISODuration{}, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}
	atoi := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	d := ISODuration{
		Years:  atoi(m[1]),
		Months: atoi(m[2]),
		Days:   atoi(m[3])*7 + atoi(m[4]),
	}
	d.Clock = time.Duration(atoi(m[5]))*time.Hour + time.Duration(atoi(m[6]))*time.Minute
	if m[7] != "" {
		secs, err := strconv.ParseFloat(m[7], 64)
		if err != nil {
			return ISODuration{}, fmt.Errorf("invalid seconds in %q", s)
		}
		d.Clock += time.Duration(secs * float64(time.Second))
	}
	return d, nil
}

// Before returns t moved back by the duration.
func (d ISODuration) Before(t time.Time) time.Time {
	return t.AddDate(-d.Years, -d.Months, -d.Days).Add(-d.Clock)
}

func (d ISODuration) IsZero() bool {
	return d.Years == 0 && d.Months == 0 && d.Days == 0 && d.Clock == 0
}
