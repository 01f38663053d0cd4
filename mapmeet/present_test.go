package mapmeet

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRelativeTime(t *testing.T) {
	now := time.Unix(1700000000, 0)

	cases := []struct {
		delta    time.Duration
		expected string
	}{
		{0, ""},
		{500 * time.Millisecond, ""},
		{1 * time.Second, "In 1sec"},
		{-59 * time.Second, "59sec ago"},
		{90 * time.Second, "In 1min"},
		{-3700 * time.Second, "1hr ago"},
		{23 * time.Hour, "In 23hr"},
		{24 * time.Hour, "In 1 day"},
		{-47 * time.Hour, "1 day ago"},
		{48 * time.Hour, "In 2 days"},
		{-30 * 24 * time.Hour, "30 days ago"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expected, RelativeTime(now.Add(c.delta), now))
	}
}

func TestCoordinateRoundTrip(t *testing.T) {
	cases := []Coordinate{
		{0, 0},
		{-122.41941550000001, 37.7749295},
		{180, -90},
		{1e-9, 123456.789},
		{math.SmallestNonzeroFloat64, math.MaxFloat64},
	}
	r := rand.New(rand.NewSource(0))
	for i := 0; i < 256; i += 1 {
		cases = append(cases, Coordinate{
			Longitude: 360*r.Float64() - 180,
			Latitude:  180*r.Float64() - 90,
		})
	}

	for _, c := range cases {
		decoded, err := DecodeCoordinate(EncodeCoordinate(c))
		assert.Equal(t, nil, err)
		assert.Equal(t, c, decoded)
	}
}

func TestDecodeCoordinateInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"1",
		"1 2 3",
		"a 2",
		"1 b",
		"NaN 1",
		"1 +Inf",
	} {
		_, err := DecodeCoordinate(s)
		assert.Equal(t, true, errors.Is(err, ErrInvalid))
	}

	c, err := DecodeCoordinate("  -1.5   2.25 ")
	assert.Equal(t, nil, err)
	assert.Equal(t, Coordinate{Longitude: -1.5, Latitude: 2.25}, c)
}
