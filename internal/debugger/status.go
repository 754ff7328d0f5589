package debugger

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeStatus converts a program's termination value into a process exit
// status. Nil is success, integral numbers and numeric strings are taken as
// given, anything else is a failure. Negative values are reported as 1.
func NormalizeStatus(v any) int {
	var status int
	switch s := v.(type) {
	case nil:
		return 0
	case int:
		status = s
	case int32:
		status = int(s)
	case int64:
		status = int(s)
	case float64:
		if math.IsNaN(s) || math.IsInf(s, 0) || s != math.Trunc(s) {
			return 1
		}
		status = int(s)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 1
		}
		status = n
	default:
		return 1
	}
	if status < 0 {
		return 1
	}
	return status
}
