package graph

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/polkatrace/graph-engine/pkg/models"
)

func testAddr(c byte) string {
	return strings.Repeat(string(c), 48)
}

func TestCursorRoundTrip(t *testing.T) {
	in := &models.Cursor{
		CenterAddress: testAddr('a'),
		CurrentDepth:  2,
		LastNodes:     []string{testAddr('b'), testAddr('c')},
		ExcludeNodes:  []string{testAddr('a'), testAddr('b'), testAddr('c')},
	}
	out, err := DecodeCursor(EncodeCursor(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CenterAddress != in.CenterAddress || out.CurrentDepth != 2 {
		t.Fatalf("round trip mangled cursor: %+v", out)
	}
	if len(out.LastNodes) != 2 || len(out.ExcludeNodes) != 3 {
		t.Fatalf("round trip dropped entries: %+v", out)
	}
}

func TestDecodeCursor_BareAddressShorthand(t *testing.T) {
	addr := testAddr('d')
	c, err := DecodeCursor(addr)
	if err != nil {
		t.Fatalf("bare address should decode: %v", err)
	}
	if c.CenterAddress != addr || c.CurrentDepth != 1 {
		t.Fatalf("unexpected shorthand cursor: %+v", c)
	}
	if len(c.LastNodes) != 1 || c.LastNodes[0] != addr {
		t.Fatalf("shorthand should expand from the address itself: %+v", c)
	}
}

func TestDecodeCursor_StdEncodingTolerated(t *testing.T) {
	in := &models.Cursor{
		CenterAddress: testAddr('a'),
		CurrentDepth:  1,
		LastNodes:     []string{testAddr('a')},
	}
	urlEncoded := EncodeCursor(in)
	raw, _ := base64.URLEncoding.DecodeString(urlEncoded)
	stdEncoded := base64.StdEncoding.EncodeToString(raw)

	if _, err := DecodeCursor(stdEncoded); err != nil {
		t.Fatalf("standard-encoded cursor should decode: %v", err)
	}
}

func TestDecodeCursor_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrInvalidCursor},
		{"not base64", "%%%not-base64%%%", ErrInvalidCursor},
		{"not json", base64.URLEncoding.EncodeToString([]byte("hello")), ErrInvalidCursor},
		{
			"unknown field",
			base64.URLEncoding.EncodeToString([]byte(
				`{"centerAddress":"` + testAddr('a') + `","currentDepth":1,"lastNodes":["` + testAddr('a') + `"],"extra":true}`)),
			ErrInvalidCursor,
		},
		{
			"depth out of range",
			EncodeCursor(&models.Cursor{CenterAddress: testAddr('a'), CurrentDepth: 11, LastNodes: []string{testAddr('a')}}),
			ErrInvalidCursorData,
		},
		{
			"empty frontier",
			EncodeCursor(&models.Cursor{CenterAddress: testAddr('a'), CurrentDepth: 1}),
			ErrInvalidCursorData,
		},
		{
			"bad center address",
			EncodeCursor(&models.Cursor{CenterAddress: "short", CurrentDepth: 1, LastNodes: []string{testAddr('a')}}),
			ErrInvalidCursorData,
		},
		{
			"bad frontier address",
			EncodeCursor(&models.Cursor{CenterAddress: testAddr('a'), CurrentDepth: 1, LastNodes: []string{"nope"}}),
			ErrInvalidCursorData,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCursor(tc.raw)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeCursor_OversizedExclusion(t *testing.T) {
	exclude := make([]string, cursorMaxExclude+1)
	for i := range exclude {
		exclude[i] = testAddr('a')
	}
	raw := EncodeCursor(&models.Cursor{
		CenterAddress: testAddr('a'),
		CurrentDepth:  1,
		LastNodes:     []string{testAddr('a')},
		ExcludeNodes:  exclude,
	})
	if _, err := DecodeCursor(raw); !errors.Is(err, ErrInvalidCursorData) {
		t.Fatalf("oversized exclusion set should be refused, got %v", err)
	}
}

func TestEncodeCursor_TruncatesFrontier(t *testing.T) {
	last := make([]string, cursorMaxLastNodes+3)
	for i := range last {
		last[i] = testAddr(byte('a' + i))
	}
	raw := EncodeCursor(&models.Cursor{
		CenterAddress: testAddr('a'),
		CurrentDepth:  1,
		LastNodes:     last,
	})
	c, err := DecodeCursor(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(c.LastNodes) != cursorMaxLastNodes {
		t.Fatalf("frontier not truncated: %d", len(c.LastNodes))
	}
}
