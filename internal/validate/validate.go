// Package validate holds the query-parameter and address validation
// rules applied before any database or upstream work happens.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidAddress    = errors.New("INVALID_ADDRESS")
	ErrInvalidParameters = errors.New("INVALID_PARAMETERS")
	ErrTooComplex        = errors.New("QUERY_TOO_COMPLEX")

	// ErrInvalidJSON marks body sanitization failures; clients see the
	// same INVALID_PARAMETERS code as any other malformed parameter.
	ErrInvalidJSON = ErrInvalidParameters
)

// addressPattern is the base58 shape of a chain address. Base58 has no
// 0, O, I or l.
var addressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{47,50}$`)

// Depth and node-count clamps.
const (
	MinDepth    = 1
	MaxDepth    = 4
	MinMaxNodes = 10
	MaxMaxNodes = 500
)

// Address validates an address: base58 shape plus homograph rejection.
// Cyrillic, Greek-lowercase and Latin-Extended code points render
// indistinguishably from ASCII in many fonts and are rejected outright
// even though the regex would already fail them; the explicit check
// yields a precise error before the shape check confuses the caller.
func Address(addr string) error {
	if containsHomograph(addr) {
		return fmt.Errorf("%w: address contains homograph characters", ErrInvalidAddress)
	}
	if !addressPattern.MatchString(addr) {
		return fmt.Errorf("%w: malformed address %q", ErrInvalidAddress, summarize(addr))
	}
	return nil
}

// containsHomograph scans for confusable Unicode blocks:
// Cyrillic (U+0400-U+04FF), Greek lowercase (U+03B1-U+03C9),
// Latin Extended-A/B (U+0100-U+024F).
func containsHomograph(s string) bool {
	for _, r := range s {
		switch {
		case r >= 0x0400 && r <= 0x04FF:
			return true
		case r >= 0x03B1 && r <= 0x03C9:
			return true
		case r >= 0x0100 && r <= 0x024F:
			return true
		}
	}
	return false
}

func summarize(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}

// Depth coerces raw to an integer clamped to [1, 4].
func Depth(raw string) int {
	return IntInRange(raw, MinDepth, MinDepth, MaxDepth)
}

// MaxNodes coerces raw to an integer clamped to [10, 500].
func MaxNodes(raw string) int {
	return IntInRange(raw, 50, MinMaxNodes, MaxMaxNodes)
}

// IntInRange parses raw as an integer, substitutes def on failure, and
// clamps to [min, max].
func IntInRange(raw string, def, min, max int) int {
	n := Int(raw, def)
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// Int parses raw as an integer or returns def.
func Int(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

// Volume parses a decimal-string volume filter into a big.Int.
// Fractional parts are truncated toward zero for compatibility with
// upstream formatters that ship decimals in this field; truncation is
// logged, never silent.
func Volume(raw string, log zerolog.Logger) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		log.Warn().Str("volume", raw).Msg("truncating fractional volume filter to integer")
		s = s[:i]
	}
	if s == "" || s == "-" {
		return big.NewInt(0), nil
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: volume filter must be a decimal string", ErrInvalidParameters)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: volume filter must be a decimal string", ErrInvalidParameters)
	}
	return v, nil
}

// forbiddenKeys are rejected wherever they appear in parsed JSON:
// they exist only to pollute prototypes in downstream consumers.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var scriptPayload = regexp.MustCompile(`(?i)<\s*script|javascript\s*:|on\w+\s*=`)

// JSON parses raw into a map, rejecting prototype-pollution keys at any
// depth and stripping string values that carry executable content.
func JSON(raw []byte) (map[string]any, error) {
	var parsed map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	cleaned, err := sanitizeValue(parsed)
	if err != nil {
		return nil, err
	}
	return cleaned.(map[string]any), nil
}

func sanitizeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			if forbiddenKeys[k] {
				return nil, fmt.Errorf("%w: forbidden key %q", ErrInvalidJSON, k)
			}
			cleaned, err := sanitizeValue(inner)
			if err != nil {
				return nil, err
			}
			out[k] = cleaned
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(t))
		for _, inner := range t {
			cleaned, err := sanitizeValue(inner)
			if err != nil {
				return nil, err
			}
			out = append(out, cleaned)
		}
		return out, nil
	case string:
		return scriptPayload.ReplaceAllString(t, ""), nil
	default:
		return v, nil
	}
}

// Complexity scores a request before any DB work:
//
//	depth * log10(maxNodes+1) + 0.5*|filters| + log10(days+1)
//
// Requests above the configured cap are rejected with QUERY_TOO_COMPLEX.
func Complexity(depth, maxNodes, filterCount int, days float64) float64 {
	if days < 0 {
		days = 0
	}
	return float64(depth)*math.Log10(float64(maxNodes)+1) +
		0.5*float64(filterCount) +
		math.Log10(days+1)
}

// CheckComplexity enforces the cap.
func CheckComplexity(score, cap float64) error {
	if score > cap {
		return fmt.Errorf("%w: complexity %.2f exceeds cap %.2f", ErrTooComplex, score, cap)
	}
	return nil
}
