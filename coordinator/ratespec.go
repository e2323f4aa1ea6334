package coordinator

import (
	"strconv"
	"strings"
	"time"
)

// parseRate parses the rate-limit grammar accepted by WithRate:
//
//	rate := INT "/" unit
//	unit  := "sec" | "min" | "hour" | INT   // INT means that many seconds
//
// "60/min" -> (60, 60s). "1000/hour" -> (1000, 3600s). "10/sec" -> (10, 1s).
// "3/60" -> (3, 60s).
func parseRate(raw string) (count int, window time.Duration, err error) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return 0, 0, newRateFormatError("rate must be of the form INT/unit, got "+strconv.Quote(raw), nil)
	}

	n, convErr := strconv.Atoi(strings.TrimSpace(parts[0]))
	if convErr != nil || n < 0 {
		return 0, 0, newRateFormatError("rate count must be a non-negative integer, got "+strconv.Quote(parts[0]), convErr)
	}

	unit := strings.TrimSpace(parts[1])
	switch unit {
	case "sec":
		return n, time.Second, nil
	case "min":
		return n, time.Minute, nil
	case "hour":
		return n, time.Hour, nil
	}

	secs, convErr := strconv.Atoi(unit)
	if convErr != nil || secs <= 0 {
		return 0, 0, newRateFormatError("rate unit must be sec, min, hour, or a positive integer number of seconds, got "+strconv.Quote(unit), convErr)
	}
	return n, time.Duration(secs) * time.Second, nil
}
