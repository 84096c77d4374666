package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma, hyphen.
// Returns the trimmed string or one of the ErrLocation* sentinels.
// Normalization (e.g. lowercase) is left to the resolver.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

// ErrLatOutOfRange is returned when latitude is outside [-90, 90].
var ErrLatOutOfRange = errors.New("latitude out of range")

// ErrLonOutOfRange is returned when longitude is outside [-180, 180].
var ErrLonOutOfRange = errors.New("longitude out of range")

// ValidateCoordinates checks a lat/lon pair against geographic bounds.
func ValidateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return ErrLatOutOfRange
	}
	if lon < -180 || lon > 180 {
		return ErrLonOutOfRange
	}
	return nil
}

// isAllowedLocationRune returns true for letters (Unicode), digits, space, comma, hyphen.
func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-':
		return true
	}
	return false
}
