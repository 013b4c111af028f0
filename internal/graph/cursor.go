// Package graph turns raw store traversals into renderable payloads:
// cursor-paginated assembly, progressive expansion, and the visual
// decoration (sizes, colors, layout hints) the front end consumes.
package graph

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/polkatrace/graph-engine/internal/validate"
	"github.com/polkatrace/graph-engine/pkg/models"
)

var (
	// ErrInvalidCursor means the handle is not decodable at all.
	ErrInvalidCursor = errors.New("INVALID_CURSOR")
	// ErrInvalidCursorData means the handle decoded but its contents
	// fail structural validation.
	ErrInvalidCursorData = errors.New("INVALID_CURSOR_DATA")
)

// cursorMaxLastNodes caps how many frontier addresses a cursor carries;
// expansion resumes from at most this many.
const cursorMaxLastNodes = 5

// cursorMaxExclude caps the exclusion set so a hostile cursor cannot
// carry an unbounded payload.
const cursorMaxExclude = 2000

// EncodeCursor serializes a cursor as base64url(JSON).
func EncodeCursor(c *models.Cursor) string {
	if len(c.LastNodes) > cursorMaxLastNodes {
		c.LastNodes = c.LastNodes[:cursorMaxLastNodes]
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an expansion handle. A bare valid address is
// accepted as shorthand for a fresh depth-1 expansion of that address.
func DecodeCursor(raw string) (*models.Cursor, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty cursor", ErrInvalidCursor)
	}
	if validate.Address(raw) == nil {
		return &models.Cursor{
			CenterAddress: raw,
			CurrentDepth:  1,
			LastNodes:     []string{raw},
		}, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		// Tolerate standard encoding from older clients.
		decoded, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: not base64", ErrInvalidCursor)
		}
	}

	var c models.Cursor
	dec := json.NewDecoder(bytes.NewReader(decoded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if err := validateCursor(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func validateCursor(c *models.Cursor) error {
	if err := validate.Address(c.CenterAddress); err != nil {
		return fmt.Errorf("%w: bad center address", ErrInvalidCursorData)
	}
	if c.CurrentDepth < 1 || c.CurrentDepth > 10 {
		return fmt.Errorf("%w: depth %d out of range", ErrInvalidCursorData, c.CurrentDepth)
	}
	if len(c.LastNodes) == 0 {
		return fmt.Errorf("%w: no frontier nodes", ErrInvalidCursorData)
	}
	if len(c.LastNodes) > cursorMaxLastNodes {
		return fmt.Errorf("%w: too many frontier nodes", ErrInvalidCursorData)
	}
	if len(c.ExcludeNodes) > cursorMaxExclude {
		return fmt.Errorf("%w: exclusion set too large", ErrInvalidCursorData)
	}
	for _, addr := range c.LastNodes {
		if err := validate.Address(addr); err != nil {
			return fmt.Errorf("%w: bad frontier address", ErrInvalidCursorData)
		}
	}
	for _, addr := range c.ExcludeNodes {
		if err := validate.Address(addr); err != nil {
			return fmt.Errorf("%w: bad excluded address", ErrInvalidCursorData)
		}
	}
	return nil
}
