package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// MaxSondeIDLength bounds identifiers accepted from the feed.
const MaxSondeIDLength = 64

// ErrSondeIDEmpty is returned when the identifier is empty or whitespace-only after trim.
var ErrSondeIDEmpty = errors.New("sonde id is required")

// ErrSondeIDTooLong is returned when the identifier exceeds MaxSondeIDLength runes.
var ErrSondeIDTooLong = errors.New("sonde id too long")

// ErrSondeIDInvalidChars is returned when the identifier contains whitespace or control characters.
var ErrSondeIDInvalidChars = errors.New("sonde id contains invalid characters")

// ErrCoordinateInvalid is returned when a coordinate cell is not a finite decimal number.
var ErrCoordinateInvalid = errors.New("coordinate is not a number")

// ErrCoordinateOutOfRange is returned when a latitude or longitude is outside its valid range.
var ErrCoordinateOutOfRange = errors.New("coordinate out of range")

// ValidateSondeID trims the input and rejects identifiers that could not be stored
// as a single ledger line: empty, overly long, or containing whitespace/control runes.
func ValidateSondeID(input string) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrSondeIDEmpty
	}
	if len(r) > MaxSondeIDLength {
		return "", ErrSondeIDTooLong
	}
	for _, c := range r {
		if unicode.IsSpace(c) || unicode.IsControl(c) {
			return "", ErrSondeIDInvalidChars
		}
	}
	return s, nil
}

// ParseLatitude parses a decimal-degree latitude in [-90, 90].
func ParseLatitude(input string) (float64, error) {
	return parseCoordinate(input, 90)
}

// ParseLongitude parses a decimal-degree longitude in [-180, 180].
func ParseLongitude(input string) (float64, error) {
	return parseCoordinate(input, 180)
}

// parseCoordinate accepts an optional trailing degree sign and a decimal comma.
func parseCoordinate(input string, limit float64) (float64, error) {
	s := strings.TrimSpace(input)
	s = strings.TrimSuffix(s, "°")
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, ErrCoordinateInvalid
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrCoordinateInvalid
	}
	if v < -limit || v > limit {
		return 0, ErrCoordinateOutOfRange
	}
	return v, nil
}
