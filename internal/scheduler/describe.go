package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

var weekdayNames = map[string]string{
	"0": "Sunday", "1": "Monday", "2": "Tuesday", "3": "Wednesday",
	"4": "Thursday", "5": "Friday", "6": "Saturday", "7": "Sunday",
}

// DescribeSchedule maps common five-field cron patterns to a readable
// phrase. Anything it cannot classify comes back as the raw expression.
// Display only; scheduling always goes through the parser.
func DescribeSchedule(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return expr
	}
	min, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if dom != "*" || month != "*" {
		return expr
	}

	// */N minute steps: "*/15 * * * *"
	if n, ok := stepOf(min); ok && hour == "*" && dow == "*" {
		if n == 1 {
			return "every minute"
		}
		return fmt.Sprintf("every %d minutes", n)
	}

	// */N hour steps: "0 */6 * * *"
	if m, ok := numOf(min); ok {
		if n, stepOK := stepOf(hour); stepOK && dow == "*" {
			if m == 0 {
				if n == 1 {
					return "every hour"
				}
				return fmt.Sprintf("every %d hours", n)
			}
			return fmt.Sprintf("every %d hours at %d minutes past", n, m)
		}
	}

	// Hourly at a fixed minute: "30 * * * *"
	if m, ok := numOf(min); ok && hour == "*" && dow == "*" {
		if m == 0 {
			return "every hour"
		}
		return fmt.Sprintf("hourly at %d minutes past", m)
	}

	// Fixed time of day.
	m, mOK := numOf(min)
	h, hOK := numOf(hour)
	if mOK && hOK {
		at := fmt.Sprintf("%02d:%02d", h, m)
		if dow == "*" {
			return "every day at " + at
		}
		if day, ok := weekdayNames[dow]; ok {
			return fmt.Sprintf("every %s at %s", day, at)
		}
	}

	return expr
}

// stepOf parses "*/N" and returns N.
func stepOf(field string) (int, bool) {
	rest, ok := strings.CutPrefix(field, "*/")
	if !ok {
		return 0, false
	}
	return numOf(rest)
}

func numOf(field string) (int, bool) {
	n, err := strconv.Atoi(field)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
