package parse

import "regexp"

var stopDescCity = regexp.MustCompile(`עיר: (.*) רציף:`)

// CityFromStopDesc pulls the city name out of the timetable's
// stop_desc field, which the ministry formats as
// "רחוב: ... עיר: ... רציף: ... קומה: ...". Returns "" when the field
// doesn't follow that shape.
func CityFromStopDesc(desc string) string {
	m := stopDescCity.FindStringSubmatch(desc)
	if m == nil {
		return ""
	}
	return m[1]
}
