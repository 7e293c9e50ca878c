package parse

import (
	"regexp"
	"strconv"
	"time"

	"opentransit.dev/alerts/model"
)

var filenameDate = regexp.MustCompile(`(\d+)\D+(\d+)\D+(\d+)\D+(\d+)\D+(\d+)\D+(\d+)`)

// FilenameDate extracts a timestamp from a feed filename carrying six
// numbers separated by non-digits, read as local Jerusalem
// "YYYY MM DD HH MM SS". Snapshots replayed from disk use this as
// "now" so ingest runs reproduce historical state.
func FilenameDate(filename string) (time.Time, bool) {
	m := filenameDate.FindStringSubmatch(filename)
	if m == nil {
		return time.Time{}, false
	}

	n := make([]int, 6)
	for i := range n {
		n[i], _ = strconv.Atoi(m[i+1])
	}

	return time.Date(n[0], time.Month(n[1]), n[2], n[3], n[4], n[5], 0, model.Jerusalem), true
}
