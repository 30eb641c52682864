package content

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityPath(t *testing.T) {
	id := Identity(0x0102030405060708)

	assert.Equal(t, filepath.Join("CONTENT", "01020304", "05060708"), id.RelPath())
	assert.Equal(t, filepath.Join("/sd", "CONTENT", "01020304", "05060708"), id.Path("/sd"))
	assert.Equal(t, "/v2/content/0807060504030201", id.Location())
	assert.Equal(t, "0102030405060708", id.String())
}

func TestPathRoundTrip(t *testing.T) {
	ids := []Identity{
		0,
		1,
		0x0102030405060708,
		0xE00403500A1B2C3D,
		0xFFFFFFFFFFFFFFFF,
		0x00000000FFFFFFFF,
		0xABCDEF0000000000,
	}

	for _, id := range ids {
		t.Run(id.String(), func(t *testing.T) {
			got, err := ParsePath(id.Path("/content/root"))
			require.NoError(t, err)
			assert.Equal(t, id, got)

			// deterministic
			assert.Equal(t, id.RelPath(), id.RelPath())
		})
	}
}

func TestParsePathRejectsForeignNames(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"short file", "CONTENT/01020304/0506"},
		{"lowercase", "CONTENT/abcdef01/05060708"},
		{"not hex", "CONTENT/0102030G/05060708"},
		{"temp file", "CONTENT/01020304/05060708.tmp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePath(tt.path)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("0x0102030405060708")
	require.NoError(t, err)
	assert.Equal(t, Identity(0x0102030405060708), id)

	_, err = ParseIdentity("0102")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	var tok Token
	assert.True(t, tok.IsZero())

	for i := range tok {
		tok[i] = byte(i)
	}
	parsed, err := ParseToken(tok.Hex())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
	assert.Len(t, tok.Hex(), 64)

	_, err = ParseToken("00")
	assert.Error(t, err)
}

func TestSystemPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/sd", "SYS", "00000006"), SystemPath("/sd", 6))
}
