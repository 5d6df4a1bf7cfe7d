package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// NumberOrZero coerces a raw JSON value to a finite number. It never fails:
// numbers pass through, numeric strings are parsed, true is 1, and anything
// else (absent, null, false, objects, arrays, unparseable or non-finite) is 0.
func NumberOrZero(raw json.RawMessage) float64 {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}

	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		if x {
			f = 1
		}
	default:
		return 0
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Sanitize converts a raw JSON value to a trimmed, printable string of at most
// max runes. Strings are used as-is, numbers and booleans by their literal
// text; null, absent, objects and arrays yield "".
func Sanitize(raw json.RawMessage, max int) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	var s string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
	case 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if !json.Valid(raw) {
			return ""
		}
		s = string(raw)
	default:
		return ""
	}

	return Clean(s, max)
}

// Clean trims s, removes control characters and truncates it to max runes.
func Clean(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	if max > 0 {
		runes := []rune(s)
		if len(runes) > max {
			s = string(runes[:max])
		}
	}
	return strings.TrimSpace(s)
}
