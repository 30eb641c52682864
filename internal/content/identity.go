package content

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ContentDir is the directory below the content root holding tag assets
const ContentDir = "CONTENT"

// SystemDir holds the built-in assets (startup sound, low battery, ...)
const SystemDir = "SYS"

// TokenSize is the length of the secret stored on a tag
const TokenSize = 32

// ErrInvalidPath is returned when a path does not follow the asset scheme
var ErrInvalidPath = errors.New("invalid asset path")

// Identity is the 64-bit unique identifier read from a tag
type Identity uint64

// Token is the secret that authorizes a remote fetch of a tag's asset
type Token [TokenSize]byte

// Bytes returns the identity in big-endian byte order
func (id Identity) Bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b
}

// String returns the identity as 16 uppercase hex digits
func (id Identity) String() string {
	return fmt.Sprintf("%016X", uint64(id))
}

// ParseIdentity parses 16 hex digits into an identity
func ParseIdentity(s string) (Identity, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return 0, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid identity %q: want 8 bytes, got %d", s, len(raw))
	}
	return Identity(binary.BigEndian.Uint64(raw)), nil
}

// RelPath returns CONTENT/{HEX(b[0:4])}/{HEX(b[4:8])} for the identity
func (id Identity) RelPath() string {
	b := id.Bytes()
	return filepath.Join(ContentDir,
		strings.ToUpper(hex.EncodeToString(b[0:4])),
		strings.ToUpper(hex.EncodeToString(b[4:8])))
}

// Path returns the absolute asset path below root
func (id Identity) Path(root string) string {
	return filepath.Join(root, id.RelPath())
}

// Location returns the remote content path, identity bytes in little-endian order
func (id Identity) Location() string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return "/v2/content/" + strings.ToUpper(hex.EncodeToString(b[:]))
}

// ParsePath reconstructs the identity from an asset path. Only the last two
// path elements are inspected, so both relative and absolute paths work.
func ParsePath(path string) (Identity, error) {
	file := filepath.Base(path)
	dir := filepath.Base(filepath.Dir(path))
	if len(dir) != 8 || len(file) != 8 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	if strings.ToUpper(dir) != dir || strings.ToUpper(file) != file {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	id, err := ParseIdentity(dir + file)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return id, nil
}

// SystemPath returns the path of a built-in asset
func SystemPath(root string, id uint32) string {
	return filepath.Join(root, SystemDir, fmt.Sprintf("%08X", id))
}

// Hex returns the token as 64 uppercase hex digits
func (t Token) Hex() string {
	return strings.ToUpper(hex.EncodeToString(t[:]))
}

// IsZero reports whether the token was never filled in
func (t Token) IsZero() bool {
	return t == Token{}
}

// ParseToken parses 64 hex digits into a token
func ParseToken(s string) (Token, error) {
	var t Token
	raw, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid token: %w", err)
	}
	if len(raw) != TokenSize {
		return t, fmt.Errorf("invalid token: want %d bytes, got %d", TokenSize, len(raw))
	}
	copy(t[:], raw)
	return t, nil
}
