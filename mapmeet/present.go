package mapmeet

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// presentation adapters shared by the feed and the map event lists.
// Both must format against the same clock.

// RelativeTime renders the largest applicable unit of the distance between
// `eventTime` and `now`, with "In " for the future and " ago" for the past.
// At zero distance no unit applies and the result is empty.
func RelativeTime(eventTime time.Time, now time.Time) string {
	delta := int64(eventTime.Sub(now) / time.Second)
	future := 0 < delta
	if delta < 0 {
		delta = -delta
	}

	days := delta / (24 * 60 * 60)
	hours := delta / (60 * 60)
	minutes := delta / 60
	seconds := delta

	var unit string
	switch {
	case 1 < days:
		unit = fmt.Sprintf("%d days", days)
	case days == 1:
		unit = "1 day"
	case 0 < hours:
		unit = fmt.Sprintf("%dhr", hours)
	case 0 < minutes:
		unit = fmt.Sprintf("%dmin", minutes)
	case 0 < seconds:
		unit = fmt.Sprintf("%dsec", seconds)
	default:
		return ""
	}

	if future {
		return "In " + unit
	}
	return unit + " ago"
}

type Coordinate struct {
	Longitude float64
	Latitude  float64
}

func (self Coordinate) String() string {
	return EncodeCoordinate(self)
}

// "<lon> <lat>" in the shortest decimal text that parses back to the same value.
// Stored events use this encoding, so it cannot change.
func EncodeCoordinate(c Coordinate) string {
	return strconv.FormatFloat(c.Longitude, 'f', -1, 64) + " " + strconv.FormatFloat(c.Latitude, 'f', -1, 64)
}

func DecodeCoordinate(s string) (Coordinate, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Coordinate{}, errors.Wrapf(ErrInvalid, "coordinate %q", s)
	}
	lon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Coordinate{}, errors.Wrapf(ErrInvalid, "coordinate longitude %q", parts[0])
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Coordinate{}, errors.Wrapf(ErrInvalid, "coordinate latitude %q", parts[1])
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return Coordinate{}, errors.Wrapf(ErrInvalid, "coordinate %q not finite", s)
	}
	return Coordinate{
		Longitude: lon,
		Latitude:  lat,
	}, nil
}
