package markup

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Attribute names understood by the parser.
const (
	attrRate       = "rate"
	attrPitch      = "pitch"
	attrTime       = "time"
	keywordInherit = "default"
	suffixPercent  = "%"
	suffixSemitone = "st"
)

var (
	errEmptyValue      = errors.New("empty value")
	errNotPositive     = errors.New("must be greater than zero")
	errNegativeTime    = errors.New("must not be negative")
	errUnsupportedUnit = errors.New("unsupported unit")
)

var rateKeywords = map[string]float64{
	"x-slow": 0.5,
	"slow":   0.75,
	"medium": 1.0,
	"fast":   1.25,
	"x-fast": 1.5,
}

var pitchKeywords = map[string]float64{
	"x-low":  -6,
	"low":    -3,
	"medium": 0,
	"high":   3,
	"x-high": 6,
}

// RateSetting is a parsed prosody rate.
type RateSetting struct {
	// Factor is the rate multiplier. When Relative is set it scales the enclosing rate.
	Factor   float64
	Relative bool
	// Inherit is set for "default".
	Inherit bool
}

// ParseRate parses a prosody rate. It accepts a multiplier ("0.85"), a percentage
// ("85%"), a signed percentage relative to the enclosing rate ("+10%", "-10%") or a
// keyword.
func ParseRate(value string) (RateSetting, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return RateSetting{}, errEmptyValue
	}

	if trimmed == keywordInherit {
		return RateSetting{Inherit: true}, nil
	}

	if keyword, found := rateKeywords[trimmed]; found {
		return RateSetting{Factor: keyword}, nil
	}

	percent := strings.HasSuffix(trimmed, suffixPercent)
	relative := percent && (trimmed[0] == '+' || trimmed[0] == '-')

	divisor := 1.0
	if percent {
		trimmed = strings.TrimSuffix(trimmed, suffixPercent)
		divisor = 100
	}

	parsed, parseErr := strconv.ParseFloat(trimmed, 64)
	if parseErr != nil {
		return RateSetting{}, fmt.Errorf("rate %q: %w", value, parseErr)
	}

	factor := parsed / divisor
	if relative {
		factor = 1 + factor
	}

	if factor <= 0 || math.IsInf(factor, 0) || math.IsNaN(factor) {
		return RateSetting{}, fmt.Errorf("rate %q: %w", value, errNotPositive)
	}

	return RateSetting{Factor: factor, Relative: relative}, nil
}

// ParsePitch parses a prosody pitch in semitones ("-2st", "+1.5st", "-2") or a
// keyword. The value is an absolute offset from the voice's natural pitch; a sign
// does not make it relative. inherit is true for "default".
func ParsePitch(value string) (pitch float64, inherit bool, err error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, false, errEmptyValue
	}

	if trimmed == keywordInherit {
		return 0, true, nil
	}

	if keyword, found := pitchKeywords[trimmed]; found {
		return keyword, false, nil
	}

	trimmed = strings.TrimSuffix(trimmed, suffixSemitone)
	if strings.HasSuffix(trimmed, "Hz") || strings.HasSuffix(trimmed, suffixPercent) {
		return 0, false, fmt.Errorf("pitch %q: %w", value, errUnsupportedUnit)
	}

	parsed, parseErr := strconv.ParseFloat(trimmed, 64)
	if parseErr != nil {
		return 0, false, fmt.Errorf("pitch %q: %w", value, parseErr)
	}

	if math.IsInf(parsed, 0) || math.IsNaN(parsed) {
		return 0, false, fmt.Errorf("pitch %q: %w", value, errUnsupportedUnit)
	}

	return parsed, false, nil
}

// ParseBreakTime parses a break duration such as "500ms" or "1.5s".
func ParseBreakTime(value string) (time.Duration, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errEmptyValue
	}

	duration, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("time %q: %w", value, err)
	}

	if duration < 0 {
		return 0, fmt.Errorf("time %q: %w", value, errNegativeTime)
	}

	return duration, nil
}

// FormatRate renders a rate multiplier as a percentage ("85%").
func FormatRate(rate float64) string {
	percent := math.Round(rate*10000) / 100

	return strconv.FormatFloat(percent, 'f', -1, 64) + suffixPercent
}

// FormatPitch renders a semitone offset ("-2st", "+1.5st").
func FormatPitch(pitch float64) string {
	rounded := math.Round(pitch*100) / 100

	formatted := strconv.FormatFloat(rounded, 'f', -1, 64)
	if rounded >= 0 {
		formatted = "+" + formatted
	}

	return formatted + suffixSemitone
}

func parseOverride(attrs []Attr) (ProsodyOverride, error) {
	var override ProsodyOverride

	for _, attr := range attrs {
		switch attr.Name {
		case attrRate:
			setting, err := ParseRate(attr.Value)
			if err != nil {
				return override, err
			}

			if !setting.Inherit {
				override.Rate = &setting.Factor
				override.RateRelative = setting.Relative
			}
		case attrPitch:
			pitch, inherit, err := ParsePitch(attr.Value)
			if err != nil {
				return override, err
			}

			if !inherit {
				override.Pitch = &pitch
			}
		}
	}

	return override, nil
}

func attrValue(attrs []Attr, name string) (string, bool) {
	for _, attr := range attrs {
		if attr.Name == name {
			return attr.Value, true
		}
	}

	return "", false
}
